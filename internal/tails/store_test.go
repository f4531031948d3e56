package tails

import (
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stageContent writes content into a fresh staging file and returns its
// path.
func stageContent(t *testing.T, store *FileStore, content []byte) string {
	t.Helper()

	staged, err := store.StageTemp()
	require.NoError(t, err, "creating staging file")

	_, err = staged.Write(content)
	require.NoError(t, err, "writing staging file")
	require.NoError(t, staged.Close(), "closing staging file")

	return staged.Name()
}

func TestFileStoreCommitAndOpen(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err, "NewFileStore error")

	content := []byte("tails file content")
	staged := stageContent(t, store, content)
	defer os.Remove(staged)

	exists, err := store.Exists("reg-id-1")
	require.NoError(t, err, "Exists error")
	require.False(t, exists, "file should not exist before commit")

	require.NoError(t, store.Commit("reg-id-1", staged), "Commit error")

	exists, err = store.Exists("reg-id-1")
	require.NoError(t, err, "Exists error")
	require.True(t, exists, "file should exist after commit")

	f, size, err := store.Open("reg-id-1")
	require.NoError(t, err, "Open error")
	defer f.Close()

	require.Equal(t, int64(len(content)), size, "committed size")

	readBack, err := io.ReadAll(f)
	require.NoError(t, err, "reading committed file")
	require.Equal(t, content, readBack, "round-tripped bytes")
}

func TestFileStoreCommitConflictPreservesOriginal(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err, "NewFileStore error")

	original := []byte("original content")
	first := stageContent(t, store, original)
	defer os.Remove(first)
	require.NoError(t, store.Commit("reg-id", first), "first commit")

	second := stageContent(t, store, []byte("other content"))
	defer os.Remove(second)
	require.ErrorIs(t, store.Commit("reg-id", second), ErrConflict, "second commit must conflict")

	f, _, err := store.Open("reg-id")
	require.NoError(t, err, "Open after conflict")
	defer f.Close()

	readBack, err := io.ReadAll(f)
	require.NoError(t, err, "reading committed file")
	require.Equal(t, original, readBack, "conflicting commit must not change the original bytes")
}

func TestFileStoreCommitRaceHasOneWinner(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err, "NewFileStore error")

	const racers = 8

	staged := make([]string, racers)
	for i := range staged {
		staged[i] = stageContent(t, store, []byte("identical content"))
		defer os.Remove(staged[i])
	}

	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Commit("contested-id", staged[i])
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, ErrConflict, "loser must observe ErrConflict")
			conflicts++
		}
	}

	require.Equal(t, 1, wins, "exactly one committer wins")
	require.Equal(t, racers-1, conflicts, "all other committers conflict")
}

func TestFileStoreOpenMissing(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err, "NewFileStore error")

	_, _, err = store.Open("no-such-id")
	require.ErrorIs(t, err, ErrNotFound, "opening a missing id")
}

func TestFileStoreSearch(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err, "NewFileStore error")

	ids := []string{
		"did:4:cred-def-11:CL_ACCUM:tag1",
		"did:4:cred-def-11:CL_ACCUM:tag2",
		"did:4:cred-def-22:CL_ACCUM:tag1",
	}
	for _, id := range ids {
		staged := stageContent(t, store, []byte(id))
		require.NoError(t, store.Commit(id, staged), "committing %s", id)
		os.Remove(staged)
	}

	matches, err := store.Search("cred-def-11")
	require.NoError(t, err, "Search error")
	require.ElementsMatch(t, ids[:2], matches, "substring matches")

	matches, err = store.Search("no-such-substring")
	require.NoError(t, err, "Search error")
	require.Empty(t, matches, "no matches expected")

	// Staging leftovers must never surface in search results.
	leftover := stageContent(t, store, []byte("orphan"))
	defer os.Remove(leftover)
	matches, err = store.Search("upload-")
	require.NoError(t, err, "Search error")
	require.Empty(t, matches, "staging files are not committed blobs")
}

func TestFileStoreStats(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err, "NewFileStore error")

	count, used, err := store.Stats()
	require.NoError(t, err, "Stats error")
	require.Zero(t, count, "empty store file count")
	require.Zero(t, used, "empty store used bytes")

	staged := stageContent(t, store, []byte("0123456789"))
	defer os.Remove(staged)
	require.NoError(t, store.Commit("id-1", staged), "commit")

	count, used, err = store.Stats()
	require.NoError(t, err, "Stats error")
	require.Equal(t, 1, count, "file count")
	require.Equal(t, int64(10), used, "used bytes")
}

func TestValidateRevRegID(t *testing.T) {
	t.Parallel()

	valid := []string{
		"4QxzWk3ajdnEA37NdNU5Kt:4:4QxzWk3ajdnEA37NdNU5Kt:3:CL:99:tag:CL_ACCUM:tag1",
		"simple-id",
		"id.with.dots",
	}
	for _, id := range valid {
		require.NoErrorf(t, ValidateRevRegID(id), "expected %q to be valid", id)
	}

	invalid := []string{
		"",
		".",
		"..",
		".hidden",
		"a/b",
		"a\\b",
		"has\x00nul",
		"has\ncontrol",
		strings.Repeat("a", 256),
	}
	for _, id := range invalid {
		require.Errorf(t, ValidateRevRegID(id), "expected %q to be rejected", id)
	}
}
