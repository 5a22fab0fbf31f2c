package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/mobiletrace/internal/ingest"
	"github.com/kon-rad/mobiletrace/internal/storage"
	"github.com/kon-rad/mobiletrace/internal/upload"
)

const (
	MaxBatchSize = 64
	FlushWindow  = time.Second
)

// Recorder feeds storage and upload diagnostics into the ledger from a
// background goroutine. Callers never wait on sqlite; when the buffer is
// full the row is dropped.
type Recorder struct {
	dbm    *Manager
	logger *slog.Logger

	mu      sync.RWMutex
	ch      chan any
	closed  bool
	dropped atomic.Int64
}

func NewRecorder(dbm *Manager, capacity int, logger *slog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = ingest.QueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{dbm: dbm, logger: logger, ch: make(chan any, capacity)}
}

func (r *Recorder) StorageEvent(ev storage.Event) {
	r.enqueue(StorageRow{
		CreatedAt: ev.At.UnixMilli(),
		Feature:   ev.Feature,
		File:      ev.File,
		Reason:    string(ev.Reason),
		Bytes:     ev.Bytes,
	})
}

func (r *Recorder) UploadAttempt(a upload.Attempt) {
	status := string(upload.OutcomeFailure)
	if a.Status.Delivered() {
		status = string(upload.OutcomeSuccess)
	}
	row := UploadRow{
		CreatedAt:  a.At.UnixMilli(),
		Feature:    a.Feature,
		File:       a.File,
		RequestID:  a.Status.RequestID,
		Status:     status,
		StatusCode: a.Status.StatusCode,
		Events:     a.Events,
		Bytes:      a.Bytes,
		DurationMS: a.Duration.Milliseconds(),
	}
	if a.Status.Err != nil {
		row.ErrorMessage = a.Status.Err.Error()
	} else if !a.Status.Delivered() {
		row.ErrorMessage = a.Status.Describe()
	}
	r.enqueue(row)
}

func (r *Recorder) enqueue(row any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || !ingest.TryEnqueue(r.ch, row) {
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting rows. Run flushes what is buffered and returns.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

func (r *Recorder) Run() error {
	ticker := time.NewTicker(FlushWindow)
	defer ticker.Stop()

	buffer := make([]any, 0, MaxBatchSize)

	flush := func(batch []any) error {
		if len(batch) == 0 {
			return nil
		}
		var uploads []UploadRow
		var removals []StorageRow
		for _, row := range batch {
			switch v := row.(type) {
			case UploadRow:
				uploads = append(uploads, v)
			case StorageRow:
				removals = append(removals, v)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.dbm.InsertBatch(ctx, uploads, removals); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		return nil
	}

	for {
		select {
		case row, ok := <-r.ch:
			if !ok {
				return flush(buffer)
			}
			buffer = append(buffer, row)
			if len(buffer) >= MaxBatchSize {
				if err := flush(buffer); err != nil {
					r.logger.Warn("ledger flush failed", "rows", len(buffer), "error", err)
				}
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) == 0 {
				continue
			}
			if err := flush(buffer); err != nil {
				r.logger.Warn("ledger timed flush failed", "rows", len(buffer), "error", err)
			}
			buffer = buffer[:0]
		}
	}
}
