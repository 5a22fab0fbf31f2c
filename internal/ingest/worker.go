package ingest

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kon-rad/mobiletrace/internal/clock"
	"github.com/kon-rad/mobiletrace/internal/storage"
)

// Queue hands events from producers to a single writer goroutine so that
// producers never wait on disk I/O. When the queue is full the event is
// dropped and counted.
type Queue struct {
	feature string
	writer  Writer
	clock   clock.Clock
	logger  *slog.Logger
	diag    storage.Diagnostics

	mu     sync.RWMutex
	ch     chan any
	closed bool

	accepted atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

func NewQueue(feature string, capacity int, writer Writer, clk clock.Clock, logger *slog.Logger, diag storage.Diagnostics) *Queue {
	if capacity <= 0 {
		capacity = QueueCapacity
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if diag == nil {
		diag = storage.Tee()
	}
	return &Queue{
		feature: feature,
		writer:  writer,
		clock:   clk,
		logger:  logger.With("feature", feature),
		diag:    diag,
		ch:      make(chan any, capacity),
	}
}

// Enqueue never blocks. It reports whether the event was accepted.
func (q *Queue) Enqueue(event any) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop()
		return false
	}
	if TryEnqueue(q.ch, event) {
		q.accepted.Add(1)
		return true
	}
	q.drop()
	return false
}

func (q *Queue) drop() {
	q.dropped.Add(1)
	q.diag.StorageEvent(storage.Event{
		Feature: q.feature,
		Reason:  storage.ReasonQueueOverflow,
		At:      q.clock.Now(),
	})
}

// Run writes queued events until Close is called and the queue is
// drained. Write failures are logged and the event is lost.
func (q *Queue) Run() error {
	for ev := range q.ch {
		if err := q.writer.Write(ev); err != nil {
			q.failed.Add(1)
			if errors.Is(err, storage.ErrObjectTooLarge) {
				continue
			}
			q.logger.Warn("event write failed", "error", err)
		}
	}
	return nil
}

// Close stops accepting events. Run returns once the backlog is written.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *Queue) Depth() int {
	return len(q.ch)
}

type QueueStats struct {
	Accepted int64
	Dropped  int64
	Failed   int64
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Accepted: q.accepted.Load(),
		Dropped:  q.dropped.Load(),
		Failed:   q.failed.Load(),
	}
}
