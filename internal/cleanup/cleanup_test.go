package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialabs/doctext/internal/observability"
)

func testManager(t *testing.T) (*Manager, string) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	return NewManager(cfg, observability.NopLogger()), dir
}

func writeFile(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	if age > 0 {
		mtime := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	return path
}

func TestComplete_RemovesOwnedFiles(t *testing.T) {
	m, dir := testManager(t)
	path := writeFile(t, dir, "doc.pdf", 10, 0)
	m.Track("task-1", path)
	require.True(t, m.Owned(path))

	m.Complete("task-1")

	assert.NoFileExists(t, path)
	assert.False(t, m.Owned(path))
	assert.Zero(t, m.TrackedCount())
}

func TestPurge_ReleasesAllTrackedFiles(t *testing.T) {
	m, dir := testManager(t)
	a := writeFile(t, dir, "a.pdf", 10, 0)
	b := writeFile(t, dir, "b.docx", 10, 0)
	m.Track("task-1", a)
	m.Track("task-2", b)

	released := m.Purge()

	assert.Equal(t, 2, released)
	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
	assert.Zero(t, m.TrackedCount())
}

func TestComplete_MissingFileIsFine(t *testing.T) {
	m, dir := testManager(t)
	path := filepath.Join(dir, "gone.pdf")
	m.Track("task-1", path)

	m.Complete("task-1")

	assert.Zero(t, m.TrackedCount())
}

func TestRunNow_AgeSweep(t *testing.T) {
	m, dir := testManager(t)
	old := writeFile(t, dir, "old.pdf", 10, 48*time.Hour)
	fresh := writeFile(t, dir, "fresh.pdf", 10, time.Hour)

	stats, err := m.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestRunNow_NeverDeletesOwnedFiles(t *testing.T) {
	m, dir := testManager(t)
	owned := writeFile(t, dir, "inflight.pdf", 10, 72*time.Hour)
	orphan := writeFile(t, dir, "orphan.pdf", 10, 72*time.Hour)
	m.Track("task-1", owned)

	stats, err := m.RunNow(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, owned, "files of incomplete tasks must survive the sweep")
	assert.NoFileExists(t, orphan)
	assert.Equal(t, 1, stats.Skipped)
}

func TestRunNow_SizeCapEvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxDirBytes = 1000
	m := NewManager(cfg, observability.NopLogger())

	oldest := writeFile(t, dir, "a.pdf", 400, 3*time.Hour)
	middle := writeFile(t, dir, "b.pdf", 400, 2*time.Hour)
	newest := writeFile(t, dir, "c.pdf", 400, 1*time.Hour)

	_, err := m.RunNow(context.Background())
	require.NoError(t, err)

	// 1200 bytes over a 1000-byte cap: evicting the oldest reaches the
	// 900-byte target.
	assert.NoFileExists(t, oldest)
	assert.FileExists(t, middle)
	assert.FileExists(t, newest)
}

func TestRunNow_SizeCapSkipsOwned(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxDirBytes = 500
	m := NewManager(cfg, observability.NopLogger())

	owned := writeFile(t, dir, "a.pdf", 400, 3*time.Hour)
	unowned := writeFile(t, dir, "b.pdf", 400, 1*time.Hour)
	m.Track("task-1", owned)

	_, err := m.RunNow(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, owned)
	assert.NoFileExists(t, unowned)
}

func TestRunNow_RemovesOrphanedWorkDirs(t *testing.T) {
	m, dir := testManager(t)
	workDir := filepath.Join(dir, "ocr-abc123")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	writeFile(t, workDir, "page_1.png", 10, 0)
	mtime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(workDir, mtime, mtime))

	_, err := m.RunNow(context.Background())
	require.NoError(t, err)

	assert.NoDirExists(t, workDir)
}

func TestRunNow_IdempotentAndConcurrent(t *testing.T) {
	m, dir := testManager(t)
	writeFile(t, dir, "old.pdf", 10, 48*time.Hour)

	var wg sync.WaitGroup
	removed := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := m.RunNow(context.Background())
			assert.NoError(t, err)
			removed[i] = stats.Removed
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range removed {
		total += n
	}
	assert.Equal(t, 1, total, "exactly one pass removes the file")
}
