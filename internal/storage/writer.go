package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Writer appends events to the active file of its Manager.
type Writer struct {
	m *Manager
}

// Write encodes event as JSON and appends it. Oversized events are
// dropped with ErrObjectTooLarge.
func (w *Writer) Write(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return w.WriteRaw(data)
}

// WriteRaw appends an already encoded event.
func (w *Writer) WriteRaw(data []byte) error {
	m := w.m
	block := encodeBlock(data)
	size := int64(len(block))
	if int64(len(data)) > m.perf.MaxObjectSize || size > m.perf.MaxFileSize {
		m.logger.Warn("Dropping event larger than max object size",
			"size", len(data),
			"max_object_size", m.perf.MaxObjectSize,
		)
		m.diag.StorageEvent(Event{
			Feature: m.feature,
			Reason:  ReasonObjectTooLarge,
			Bytes:   int64(len(data)),
			At:      m.clock.Now(),
		})
		return ErrObjectTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.active != nil && m.needsRotationLocked(now, size) {
		m.active = nil
	}
	// Eviction runs before the append so the bound holds once it is done.
	// It may remove the active file; the write then goes to a new one.
	if err := m.reserveLocked(size); err != nil {
		return err
	}
	active := m.active
	if active == nil {
		var err error
		if active, err = m.createLocked(now); err != nil {
			return err
		}
	}
	if err := appendBlock(active.file.Path, block); err != nil {
		// The file may be half written; never append to it again.
		m.active = nil
		return err
	}
	active.objects++
	active.size += size
	m.lastWrite[active.file.Name] = now
	return nil
}

func (m *Manager) needsRotationLocked(now time.Time, size int64) bool {
	a := m.active
	if a.size+size > m.perf.MaxFileSize {
		return true
	}
	if m.perf.MaxObjectsInFile > 0 && a.objects >= m.perf.MaxObjectsInFile {
		return true
	}
	return now.Sub(a.file.CreatedAt) >= m.perf.MaxFileAgeForWrite
}

func appendBlock(path string, block []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open batch for append: %w", err)
	}
	if _, err := f.Write(block); err != nil {
		_ = f.Close()
		return fmt.Errorf("append block: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}
