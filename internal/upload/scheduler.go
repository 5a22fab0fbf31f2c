package upload

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kon-rad/mobiletrace/internal/clock"
	"github.com/kon-rad/mobiletrace/internal/storage"
)

// Store is the part of storage.Manager the scheduler reads from.
type Store interface {
	NextEligible(now time.Time) (storage.File, bool, error)
	ReadBatch(f storage.File) (storage.Batch, error)
	Delete(f storage.File) error
	Discard(f storage.File) error
}

type State string

const (
	StateIdle      State = "idle"
	StateUploading State = "uploading"
	StateStopped   State = "stopped"
)

type Outcome string

const (
	OutcomeNone    Outcome = "no_batch"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt describes one finished delivery attempt.
type Attempt struct {
	Feature  string
	File     string
	Events   int
	Bytes    int64
	Status   Status
	Duration time.Duration
	At       time.Time
	Delay    time.Duration
}

type Observer interface {
	UploadAttempt(a Attempt)
}

// Observers fans an attempt out to several observers. Nil entries are
// skipped.
func Observers(list ...Observer) Observer {
	out := make(observers, 0, len(list))
	for _, o := range list {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type observers []Observer

func (o observers) UploadAttempt(a Attempt) {
	for _, obs := range o {
		obs.UploadAttempt(a)
	}
}

type Snapshot struct {
	Feature             string
	State               State
	CurrentDelay        time.Duration
	LastOutcome         Outcome
	LastStatusCode      int
	ConsecutiveFailures int
	Attempts            int64
	Successes           int64
	LastAttemptAt       time.Time
}

type SchedulerConfig struct {
	Feature       string
	Delay         DelayConfig
	UploadTimeout time.Duration
}

// Scheduler is the upload loop of one feature. Each tick waits for the
// current delay, uploads the oldest eligible batch, and moves the delay
// down on success or up on failure or when there was nothing to send.
type Scheduler struct {
	feature       string
	store         Store
	uploader      Uploader
	clock         clock.Clock
	logger        *slog.Logger
	observer      Observer
	uploadTimeout time.Duration

	mu    sync.Mutex
	delay *Delay
	snap  Snapshot
}

func NewScheduler(cfg SchedulerConfig, store Store, uploader Uploader, clk clock.Clock, logger *slog.Logger, observer Observer) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = Observers()
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	return &Scheduler{
		feature:       cfg.Feature,
		store:         store,
		uploader:      uploader,
		clock:         clk,
		logger:        logger.With("feature", cfg.Feature),
		observer:      observer,
		uploadTimeout: cfg.UploadTimeout,
		delay:         NewDelay(cfg.Delay),
		snap: Snapshot{
			Feature:      cfg.Feature,
			State:        StateIdle,
			CurrentDelay: cfg.Delay.Initial,
		},
	}
}

// Run ticks until ctx is cancelled. A tick already uploading when that
// happens is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.setState(StateStopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.CurrentDelay()):
		}
		if ctx.Err() != nil {
			return
		}
		s.Tick(ctx)
	}
}

// Tick performs one Idle -> Uploading -> Success|Failure -> Idle pass
// without waiting.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	now := s.clock.Now()
	file, ok, err := s.store.NextEligible(now)
	if err != nil {
		s.logger.Warn("listing batches failed", "error", err)
		return s.finishEmpty()
	}
	if !ok {
		return s.finishEmpty()
	}

	batch, err := s.store.ReadBatch(file)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("reading batch failed", "file", file.Name, "error", err)
		}
		return s.finishEmpty()
	}
	if len(batch.Events) == 0 {
		if err := s.store.Discard(file); err != nil {
			s.logger.Warn("discarding empty batch failed", "file", file.Name, "error", err)
		}
		return s.finishEmpty()
	}

	s.setState(StateUploading)
	// Shutdown must not abort a request that is already on the wire.
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.uploadTimeout)
	status := s.uploader.Upload(uploadCtx, batch.Events)
	cancel()
	finished := s.clock.Now()

	outcome := OutcomeFailure
	if status.Delivered() {
		outcome = OutcomeSuccess
		if err := s.store.Delete(file); err != nil {
			s.logger.Warn("deleting uploaded batch failed", "file", file.Name, "error", err)
		}
	}

	s.mu.Lock()
	if outcome == OutcomeSuccess {
		s.delay.Decrease()
		s.snap.ConsecutiveFailures = 0
		s.snap.Successes++
	} else {
		s.delay.Increase()
		s.snap.ConsecutiveFailures++
	}
	s.snap.Attempts++
	s.snap.State = StateIdle
	s.snap.LastOutcome = outcome
	s.snap.LastStatusCode = status.StatusCode
	s.snap.LastAttemptAt = finished
	s.snap.CurrentDelay = s.delay.Current()
	failures := s.snap.ConsecutiveFailures
	delay := s.snap.CurrentDelay
	s.mu.Unlock()

	if outcome == OutcomeSuccess {
		s.logger.Debug("batch uploaded", "file", file.Name, "events", len(batch.Events), "status", status.StatusCode, "next_delay", delay)
	} else {
		s.logger.Warn("batch upload failed, will retry",
			"file", file.Name,
			"status", status.StatusCode,
			"reason", status.Describe(),
			"error", status.Err,
			"consecutive_failures", failures,
			"next_delay", delay,
		)
	}

	s.observer.UploadAttempt(Attempt{
		Feature:  s.feature,
		File:     file.Name,
		Events:   len(batch.Events),
		Bytes:    file.Size,
		Status:   status,
		Duration: finished.Sub(now),
		At:       finished,
		Delay:    delay,
	})
	return outcome
}

func (s *Scheduler) finishEmpty() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay.Increase()
	s.snap.State = StateIdle
	s.snap.LastOutcome = OutcomeNone
	s.snap.CurrentDelay = s.delay.Current()
	return OutcomeNone
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = state
}

func (s *Scheduler) CurrentDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay.Current()
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
