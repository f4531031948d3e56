package tails

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists committed tails files in a single flat directory, one
// file per revocation registry id. Uploads are staged in a sibling directory
// on the same filesystem and published with a hard link, which is both
// atomic and create-exclusive: a reader never observes a partially written
// file at the final path, and two committers racing for the same id produce
// exactly one winner.
type FileStore struct {
	storageDir string
	stagingDir string
}

// NewFileStore creates the storage and staging directories under dataDir
// and returns a FileStore rooted there.
func NewFileStore(dataDir string) (*FileStore, error) {
	s := &FileStore{
		storageDir: filepath.Join(dataDir, "storage"),
		stagingDir: filepath.Join(dataDir, "staging"),
	}

	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	return s, nil
}

// ValidateRevRegID rejects identifiers that are not safe to use directly as
// a filename in the storage directory. Revocation registry ids are opaque
// strings (DIDs, colons, dots), so only filesystem-hostile names are
// refused.
func ValidateRevRegID(id string) error {
	switch {
	case id == "" || len(id) > 255:
		return ErrBadRevRegID
	case id == "." || id == "..":
		return ErrBadRevRegID
	case strings.HasPrefix(id, "."):
		return ErrBadRevRegID
	case strings.ContainsAny(id, "/\\\x00"):
		return ErrBadRevRegID
	}

	for _, c := range id {
		if c < 0x20 || c == 0x7f {
			return ErrBadRevRegID
		}
	}

	return nil
}

func (s *FileStore) finalPath(id string) string {
	return filepath.Join(s.storageDir, id)
}

// Exists reports whether a tails file has been committed under id.
func (s *FileStore) Exists(id string) (bool, error) {
	info, err := os.Stat(s.finalPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// StageTemp creates a fresh staging file for an upload in progress. The
// caller owns the file and is responsible for removing it on every exit
// path; an orphan left behind by a crash is never treated as authoritative.
func (s *FileStore) StageTemp() (*os.File, error) {
	f, err := os.CreateTemp(s.stagingDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return f, nil
}

// Commit publishes the fully verified staged file under id. The hard link
// is the single arbiter of existence: if a file is already committed under
// id it fails with ErrConflict and leaves the existing file untouched. The
// staged file remains at stagedPath either way; the caller removes it.
func (s *FileStore) Commit(id string, stagedPath string) error {
	if err := os.Link(stagedPath, s.finalPath(id)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrConflict
		}
		return fmt.Errorf("publish tails file: %w", err)
	}
	return nil
}

// Open returns a reader over the committed tails file for id along with its
// size. It returns ErrNotFound if no file has been committed.
func (s *FileStore) Open(id string) (*os.File, int64, error) {
	f, err := os.Open(s.finalPath(id))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}

	return f, info.Size(), nil
}

// Search returns the ids of all committed tails files whose name contains
// substring, in no particular order. Callers typically search by a related
// key such as the owning credential definition id.
func (s *FileStore) Search(substring string) ([]string, error) {
	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		return nil, err
	}

	matches := make([]string, 0)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if strings.Contains(entry.Name(), substring) {
			matches = append(matches, entry.Name())
		}
	}

	return matches, nil
}

// Stats reports the number of committed tails files and their total size in
// bytes.
func (s *FileStore) Stats() (int, int64, error) {
	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		return 0, 0, err
	}

	var count int
	var used int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		count++
		used += info.Size()
	}

	return count, used, nil
}
