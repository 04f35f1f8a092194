// Package cleanup owns the temp-file lifecycle: documents are written to
// the temp directory for the duration of their task, deleted the moment
// the task finishes, and a periodic sweep catches anything left behind
// by crashes. The sweep never touches files that belong to a task still
// in flight.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relialabs/doctext/internal/observability"
)

// Config bounds the sweep.
type Config struct {
	Dir           string
	MaxAge        time.Duration
	SweepInterval time.Duration
	MaxDirBytes   int64
}

// DefaultConfig returns the stock cleanup settings.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		MaxAge:        24 * time.Hour,
		SweepInterval: time.Hour,
		MaxDirBytes:   500 * 1024 * 1024,
	}
}

// Stats summarizes one sweep pass.
type Stats struct {
	Removed    int
	FreedBytes int64
	Skipped    int
}

// Manager tracks temp-file ownership and runs the sweep.
type Manager struct {
	cfg    Config
	logger *observability.Logger

	mu     sync.Mutex
	owned  map[string][]string // task id -> paths
	byPath map[string]string   // path -> task id

	sweepMu sync.Mutex
}

func NewManager(cfg Config, logger *observability.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.WithComponent("cleanup"),
		owned:  make(map[string][]string),
		byPath: make(map[string]string),
	}
}

// Track registers path as owned by taskID. Owned files are exempt from
// the sweep until the task completes or is force-released.
func (m *Manager) Track(taskID, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owned[taskID] = append(m.owned[taskID], abs)
	m.byPath[abs] = taskID
}

// Complete deletes the files owned by taskID and releases the ownership.
// Called the moment a task reaches a terminal state; the same path also
// serves shutdown's force-delete of abandoned tasks.
func (m *Manager) Complete(taskID string) {
	m.mu.Lock()
	paths := m.owned[taskID]
	delete(m.owned, taskID)
	for _, p := range paths {
		delete(m.byPath, p)
	}
	m.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("path", p).Msg("failed to remove temp file")
			continue
		}
		m.logger.Debug().Str("path", p).Str("task", taskID).Msg("temp file removed")
	}
}

// Purge deletes every tracked file and empties the registry. Runs at
// shutdown after the pool has drained, so no staged file outlives the
// process. Returns the number of tasks released.
func (m *Manager) Purge() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Complete(id)
	}
	return len(ids)
}

// Owned reports whether path belongs to a task that has not completed.
func (m *Manager) Owned(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPath[abs]
	return ok
}

// TrackedCount returns the number of files currently under ownership.
func (m *Manager) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPath)
}

// Start runs the sweep on its interval until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RunNow(ctx); err != nil {
					m.logger.Error().Err(err).Msg("sweep failed")
				}
			}
		}
	}()
}

type entry struct {
	path    string
	size    int64
	modTime time.Time
	isDir   bool
}

// RunNow performs one sweep: age-expired entries go first, then the
// oldest unowned entries until the directory fits back under 90% of the
// size cap. Safe to call concurrently; passes serialize.
func (m *Manager) RunNow(ctx context.Context) (Stats, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	var stats Stats
	entries, total, err := m.scan()
	if err != nil {
		return stats, err
	}

	cutoff := time.Now().Add(-m.cfg.MaxAge)
	var survivors []entry
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if m.Owned(e.path) {
			stats.Skipped++
			survivors = append(survivors, e)
			continue
		}
		if e.modTime.Before(cutoff) {
			if m.remove(e, &stats) {
				total -= e.size
				continue
			}
		}
		survivors = append(survivors, e)
	}

	if m.cfg.MaxDirBytes > 0 && total > m.cfg.MaxDirBytes {
		target := m.cfg.MaxDirBytes * 9 / 10
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].modTime.Before(survivors[j].modTime)
		})
		for _, e := range survivors {
			if total <= target {
				break
			}
			if m.Owned(e.path) {
				continue
			}
			if m.remove(e, &stats) {
				total -= e.size
			}
		}
	}

	if stats.Removed > 0 {
		m.logger.Info().
			Int("removed", stats.Removed).
			Int64("freed_bytes", stats.FreedBytes).
			Int("skipped_owned", stats.Skipped).
			Msg("sweep finished")
	}
	return stats, nil
}

func (m *Manager) remove(e entry, stats *Stats) bool {
	var err error
	if e.isDir {
		err = os.RemoveAll(e.path)
	} else {
		err = os.Remove(e.path)
	}
	if err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("path", e.path).Msg("sweep could not remove entry")
		return false
	}
	stats.Removed++
	stats.FreedBytes += e.size
	return true
}

// scan lists the top-level entries of the temp dir with their sizes.
// Directories (orphaned per-document work dirs) count their contents.
func (m *Manager) scan() ([]entry, int64, error) {
	dirents, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read temp dir: %w", err)
	}

	var entries []entry
	var total int64
	for _, d := range dirents {
		path := filepath.Join(m.cfg.Dir, d.Name())
		info, err := d.Info()
		if err != nil {
			continue
		}
		e := entry{path: path, modTime: info.ModTime(), isDir: d.IsDir()}
		if d.IsDir() {
			e.size = dirSize(path)
		} else {
			e.size = info.Size()
		}
		entries = append(entries, e)
		total += e.size
	}
	return entries, total, nil
}

func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
