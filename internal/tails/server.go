package tails

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	// DefaultChunkSize bounds the memory used per request when streaming a
	// tails file in either direction.
	DefaultChunkSize = 1 << 20

	// maxGenesisSize caps the genesis transaction log accepted with an
	// upload.
	maxGenesisSize = 4 << 20

	// tailsFactorSize is the length of one factor entry in a tails file.
	// A well-formed file is the 2-byte version marker followed by a whole
	// number of factors.
	tailsFactorSize = 128
)

// tailsVersionMarker is the fixed 2-byte prefix every tails file starts
// with.
var tailsVersionMarker = [2]byte{0x00, 0x02}

// Config holds configuration for the tails file server. All values are
// passed in explicitly; the package reads no ambient state.
type Config struct {
	// DataDir is the root directory holding the flat storage directory,
	// the staging directory, and the upload index database.
	DataDir string

	// ChunkSize is the streaming unit for uploads and downloads. Zero
	// means DefaultChunkSize.
	ChunkSize int

	// LedgerType is the backend consulted when an upload does not name one
	// via the X-Ledger-Type header.
	LedgerType string

	// CentralizedURL is the base URL of the centralized registry service;
	// empty disables the centralized backend.
	CentralizedURL string

	// ProxyURL is the base URL of an upstream VDR proxy; empty disables
	// the proxy backend.
	ProxyURL string

	// Resolvers overrides the backend set, mainly for tests.
	Resolvers *ResolverProvider
}

// Server stores tails files exactly once per revocation registry id after
// verifying them against their ledger-resolved hash.
type Server struct {
	cfg      Config
	db       *sql.DB
	store    *FileStore
	locks    *KeyedMutex
	resolver *ResolverProvider
}

// initSchema initializes the index database schema by applying all SQL
// files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewServer prepares the storage directories and the index database and
// returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.LedgerType == "" {
		cfg.LedgerType = LedgerTypeIndy
	}

	store, err := NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "index.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	resolver := cfg.Resolvers
	if resolver == nil {
		resolver = NewResolverProvider(cfg.CentralizedURL, cfg.ProxyURL)
	}

	if _, err := resolver.Resolver(cfg.LedgerType); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("default ledger type: %w", err)
	}

	return &Server{
		cfg:      cfg,
		db:       db,
		store:    store,
		locks:    NewKeyedMutex(),
		resolver: resolver,
	}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

// recordFile inserts the audit row for a committed tails file. The blob on
// disk remains the source of truth; a failed insert is logged and does not
// undo the commit.
func (s *Server) recordFile(ctx context.Context, id string, size int64, digest string, ledgerType string, def *RevRegDef) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files(id, size, sha256_b58, cred_def_id, revoc_def_type, tag, ledger_type, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		id, size, digest, def.CredDefID, def.RevocDefType, def.Tag, ledgerType, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("Record committed tails file", "id", id, "err", err)
	}
}

// handlePutFile implements PUT /{revRegID}: parse the multipart framing,
// resolve the expected hash, stream the payload into staging while
// digesting it, verify, and commit exactly once.
func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request, revRegID string) {
	ctx := r.Context()

	if err := ValidateRevRegID(revRegID); err != nil {
		http.Error(w, fmt.Sprintf("Revocation registry ID is not valid: %s.", revRegID), http.StatusBadRequest)
		return
	}

	if !strings.Contains(r.Header.Get("Content-Type"), "multipart") {
		http.Error(w, "Expected multipart content type", http.StatusBadRequest)
		return
	}

	ledgerType := r.Header.Get("X-Ledger-Type")
	if ledgerType == "" {
		ledgerType = s.cfg.LedgerType
	}

	resolver, err := s.resolver.Resolver(ledgerType)
	if err != nil {
		slog.Debug("Upload named unsupported ledger type", "id", revRegID, "ledger_type", ledgerType)
		http.Error(w, fmt.Sprintf("Unsupported ledger type: %s.", ledgerType), http.StatusBadRequest)
		return
	}

	// Exclusive access for this id for the rest of the attempt. Readers of
	// already-committed files never take this lock; only a reader waiting
	// for this very upload blocks.
	s.locks.Lock(revRegID)
	defer s.locks.Unlock(revRegID)

	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Malformed multipart request", http.StatusBadRequest)
		return
	}

	// First field: the genesis transactions establishing which ledger to
	// consult.
	part, err := reader.NextPart()
	if err != nil || part.FormName() != "genesis" {
		http.Error(w, "First field in multipart request must have name 'genesis'", http.StatusBadRequest)
		return
	}

	genesis, err := io.ReadAll(io.LimitReader(part, maxGenesisSize))
	if err != nil {
		http.Error(w, "Failed to read genesis transactions", http.StatusBadRequest)
		return
	}

	def, err := resolver.Resolve(ctx, revRegID, genesis)
	switch {
	case errors.Is(err, ErrBadGenesis):
		slog.Debug("Received invalid genesis transactions", "id", revRegID, "err", err)
		http.Error(w, "Genesis transactions are not valid.", http.StatusBadRequest)
		return
	case errors.Is(err, ErrNotFound):
		slog.Debug("Revocation registry not found", "id", revRegID, "ledger_type", ledgerType)
		http.Error(w, "", http.StatusNotFound)
		return
	case errors.Is(err, ErrLedgerUnavailable):
		slog.Error("Ledger backend unreachable", "id", revRegID, "ledger_type", ledgerType, "err", err)
		http.Error(w, "Could not reach ledger to resolve tailsHash; safe to retry.", http.StatusBadGateway)
		return
	case err != nil:
		slog.Error("Resolve tails hash", "id", revRegID, "ledger_type", ledgerType, "err", err)
		http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	expected := def.Value.TailsHash
	if expected == "" {
		slog.Debug("Ledger record carries no tailsHash", "id", revRegID)
		http.Error(w, "Revocation registry definition has no tailsHash.", http.StatusBadRequest)
		return
	}

	// Second field: the tails file payload itself.
	part, err = reader.NextPart()
	if err != nil || part.FormName() != "tails" {
		http.Error(w, "Second field in multipart request must have name 'tails'", http.StatusBadRequest)
		return
	}

	staged, err := s.store.StageTemp()
	if err != nil {
		slog.Error("Create staging file", "id", revRegID, "err", err)
		http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = staged.Close()

		// The staged payload is discarded on every exit path; after a
		// successful commit the final path holds its own link to the data.
		if err := os.Remove(staged.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove staging file", "path", staged.Name(), "err", err)
		}
	}()

	digester := NewDigester()
	var written int64
	var head [2]byte

	buf := make([]byte, s.cfg.ChunkSize)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			for i := 0; i < n && written+int64(i) < 2; i++ {
				head[written+int64(i)] = buf[i]
			}
			if _, err := staged.Write(buf[:n]); err != nil {
				slog.Error("Write staging file", "id", revRegID, "err", err)
				http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
				return
			}
			if _, err := digester.Write(buf[:n]); err != nil {
				slog.Error("Hash tails chunk", "id", revRegID, "err", err)
				http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
				return
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Includes the client disconnecting mid-upload; nothing has
			// been committed and the staged file is discarded.
			slog.Debug("Upload aborted mid-stream", "id", revRegID, "err", readErr)
			http.Error(w, "Failed to read tails file from request.", http.StatusBadRequest)
			return
		}
	}

	if written < 2 || head != tailsVersionMarker {
		http.Error(w, "Tails file must start with version bytes 0x00 0x02.", http.StatusBadRequest)
		return
	}
	if (written-2)%tailsFactorSize != 0 {
		http.Error(w, "Tails file size is inconsistent with its factor structure.", http.StatusBadRequest)
		return
	}

	digest := digester.TextSum()
	if digest != expected {
		slog.Debug("Tails hash mismatch", "id", revRegID, "expected", expected, "actual", digest)
		http.Error(w, ErrHashMismatch.Error()+".", http.StatusBadRequest)
		return
	}

	if err := staged.Close(); err != nil {
		slog.Error("Close staging file", "id", revRegID, "err", err)
		http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	if err := s.store.Commit(revRegID, staged.Name()); err != nil {
		if errors.Is(err, ErrConflict) {
			http.Error(w, "This tails file already exists.", http.StatusConflict)
			return
		}
		slog.Error("Commit tails file", "id", revRegID, "err", err)
		http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	s.recordFile(ctx, revRegID, written, digest, ledgerType, def)

	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, digest); err != nil {
		slog.Debug("Write upload response", "id", revRegID, "err", err)
	}
}

// handleGetFile implements GET /{revRegID}, streaming the committed tails
// file back in bounded chunks.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, revRegID string) {
	if err := ValidateRevRegID(revRegID); err != nil {
		http.Error(w, fmt.Sprintf("Revocation registry ID is not valid: %s.", revRegID), http.StatusBadRequest)
		return
	}

	f, size, err := s.store.Open(revRegID)
	if errors.Is(err, ErrNotFound) {
		// A writer may be mid-upload for this id; wait for it to finish
		// and look again rather than reporting a file that is about to
		// exist as missing.
		s.locks.Wait(revRegID)
		f, size, err = s.store.Open(revRegID)
	}
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Open tails file", "id", revRegID, "err", err)
		http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))

	buf := make([]byte, s.cfg.ChunkSize)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		// Most likely the client went away mid-download; stored data is
		// unaffected.
		slog.Debug("Stream tails file", "id", revRegID, "err", err)
	}
}

// handleMatchFiles implements GET /match/{substring}, returning the ids of
// all committed tails files whose name contains the substring.
func (s *Server) handleMatchFiles(w http.ResponseWriter, r *http.Request, substring string) {
	matches, err := s.store.Search(substring)
	if err != nil {
		slog.Error("Search tails files", "substring", substring, "err", err)
		http.Error(w, "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, matches); err != nil {
		slog.Debug("Write match response", "substring", substring, "err", err)
	}
}
