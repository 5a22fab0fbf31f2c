package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kon-rad/mobiletrace/internal/clock"
)

// Manager owns one feature directory. Writes, eviction and eligibility
// scans all run under mu, which is the single mutual exclusion domain for
// the directory.
type Manager struct {
	feature string
	dir     string
	perf    Performance
	clock   clock.Clock
	logger  *slog.Logger
	diag    Diagnostics

	mu          sync.Mutex
	active      *activeFile
	lastWrite   map[string]time.Time
	lastCreated int64
}

type activeFile struct {
	file    File
	objects int
	size    int64
}

type Stats struct {
	Files int
	Bytes int64
}

func Open(feature, dir string, perf Performance, clk clock.Clock, logger *slog.Logger, diag Diagnostics) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if diag == nil {
		diag = nopDiagnostics{}
	}
	m := &Manager{
		feature:   feature,
		dir:       dir,
		perf:      perf,
		clock:     clk,
		logger:    logger.With("feature", feature),
		diag:      diag,
		lastWrite: make(map[string]time.Time),
	}
	files, _, err := m.listLocked()
	if err != nil {
		return nil, fmt.Errorf("scan storage dir: %w", err)
	}
	if n := len(files); n > 0 {
		m.lastCreated = files[n-1].CreatedAt.UnixMilli()
		m.logger.Info("Found batches from previous run", "files", n, "dir", dir)
	}
	return m, nil
}

func (m *Manager) Feature() string {
	return m.feature
}

func (m *Manager) Dir() string {
	return m.dir
}

// Writer returns the appender for this directory. All writers returned by
// the same Manager share its lock.
func (m *Manager) Writer() *Writer {
	return &Writer{m: m}
}

// EnforceDirectoryBound deletes the oldest files, the active one included,
// until the directory fits in MaxDirectorySize.
func (m *Manager) EnforceDirectoryBound() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(0)
}

// EligibleFiles returns the sealed files that can be uploaded at now,
// oldest first. Files past MaxFileAgeForRead are deleted on the way. An
// active file that has been quiet for MinFileAgeForRead is sealed here so
// its events do not wait for the next write.
func (m *Manager) EligibleFiles(now time.Time) ([]File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, _, err := m.listLocked()
	if err != nil {
		return nil, err
	}
	out := make([]File, 0, len(files))
	for _, f := range files {
		if now.Sub(f.CreatedAt) > m.perf.MaxFileAgeForRead {
			m.removeLocked(f, ReasonObsolete)
			continue
		}
		last, ok := m.lastWrite[f.Name]
		if !ok {
			last = f.CreatedAt
		}
		if now.Sub(last) < m.perf.MinFileAgeForRead {
			continue
		}
		if m.active != nil && m.active.file.Name == f.Name {
			m.active = nil
		}
		out = append(out, f)
	}
	return out, nil
}

// NextEligible returns the oldest eligible file, if any.
func (m *Manager) NextEligible(now time.Time) (File, bool, error) {
	files, err := m.EligibleFiles(now)
	if err != nil || len(files) == 0 {
		return File{}, false, err
	}
	return files[0], true, nil
}

// ReadBatch decodes a sealed file. A trailing partial block is dropped.
func (m *Manager) ReadBatch(f File) (Batch, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return Batch{}, fmt.Errorf("read batch %s: %w", f.Name, err)
	}
	events, truncated := decodeBlocks(raw)
	if truncated {
		m.logger.Warn("Batch file ends with a partial block", "file", f.Name, "events", len(events))
	}
	return Batch{File: f, Events: events}, nil
}

// Delete removes a file after it was uploaded. Deleting a file that is
// already gone is not an error.
func (m *Manager) Delete(f File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(f, ReasonUploaded)
}

// Discard removes a file that held nothing to upload.
func (m *Manager) Discard(f File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(f, ReasonEmpty)
}

func (m *Manager) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, total, err := m.listLocked()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Files: len(files), Bytes: total}, nil
}

// reserveLocked evicts oldest files until n more bytes fit in the
// directory.
func (m *Manager) reserveLocked(n int64) error {
	files, total, err := m.listLocked()
	if err != nil {
		return err
	}
	for total+n > m.perf.MaxDirectorySize && len(files) > 0 {
		oldest := files[0]
		files = files[1:]
		if err := m.deleteLocked(oldest, ReasonEvicted); err != nil {
			return err
		}
		total -= oldest.Size
		m.logger.Warn("Directory over limit, evicted oldest batch",
			"file", oldest.Name,
			"size", humanize.IBytes(uint64(oldest.Size)),
			"limit", humanize.IBytes(uint64(m.perf.MaxDirectorySize)),
		)
	}
	return nil
}

func (m *Manager) removeLocked(f File, reason Reason) {
	if err := m.deleteLocked(f, reason); err != nil {
		m.logger.Warn("Failed to delete batch", "file", f.Name, "reason", reason, "error", err)
	}
}

func (m *Manager) deleteLocked(f File, reason Reason) error {
	if m.active != nil && m.active.file.Name == f.Name {
		m.active = nil
	}
	delete(m.lastWrite, f.Name)
	if err := os.Remove(f.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("Batch already deleted", "file", f.Name, "reason", reason)
			return nil
		}
		return fmt.Errorf("delete batch %s: %w", f.Name, err)
	}
	m.diag.StorageEvent(Event{
		Feature: m.feature,
		File:    f.Name,
		Reason:  reason,
		Bytes:   f.Size,
		At:      m.clock.Now(),
	})
	return nil
}

// listLocked returns batch files oldest first plus their total size.
// Entries whose names are not millisecond timestamps are ignored.
func (m *Manager) listLocked() ([]File, int64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("list storage dir: %w", err)
	}
	files := make([]File, 0, len(entries))
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ms, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, File{
			Name:      e.Name(),
			Path:      filepath.Join(m.dir, e.Name()),
			CreatedAt: time.UnixMilli(ms),
			Size:      info.Size(),
		})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, total, nil
}

// createLocked starts a new active file. Names increase strictly so two
// files created in the same millisecond still sort in creation order.
func (m *Manager) createLocked(now time.Time) (*activeFile, error) {
	ms := max(now.UnixMilli(), m.lastCreated+1)
	name := strconv.FormatInt(ms, 10)
	path := filepath.Join(m.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create batch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close new batch file: %w", err)
	}
	m.lastCreated = ms
	m.active = &activeFile{
		file: File{
			Name:      name,
			Path:      path,
			CreatedAt: time.UnixMilli(ms),
		},
	}
	m.lastWrite[name] = now
	return m.active, nil
}
