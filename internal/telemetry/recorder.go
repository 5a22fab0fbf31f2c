// Package telemetry records the pipeline's own debug and error events.
// Events are sampled, deduplicated by id within a session and capped per
// session before they reach the rum feature's writer.
package telemetry

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kon-rad/mobiletrace/internal/clock"
	"github.com/kon-rad/mobiletrace/internal/sdkcontext"
)

const MaxEventsPerSession = 100

const telemetryService = "dd-sdk-ios"

type DropReason string

const (
	DropSampledOut DropReason = "sampled_out"
	DropDuplicate  DropReason = "duplicate"
	DropSessionCap DropReason = "session_cap"
)

// Sink receives finished events. ingest.Queue satisfies it.
type Sink interface {
	Enqueue(event any) bool
}

type Config struct {
	Sampler   Sampler
	Corrector sdkcontext.DateCorrector
	Clock     clock.Clock
	// OnDrop, when set, is called on the provider goroutine for every
	// discarded event.
	OnDrop func(DropReason)
}

type Recorder struct {
	provider  *sdkcontext.Provider
	sink      Sink
	sampler   Sampler
	corrector sdkcontext.DateCorrector
	clock     clock.Clock
	onDrop    func(DropReason)
	logger    *slog.Logger

	// Touched only on the provider goroutine.
	sessionID string
	eventIDs  map[string]struct{}

	recorded   atomic.Int64
	sampledOut atomic.Int64
	duplicates atomic.Int64
	capped     atomic.Int64
}

func NewRecorder(cfg Config, provider *sdkcontext.Provider, sink Sink, logger *slog.Logger) *Recorder {
	if cfg.Sampler == nil {
		cfg.Sampler = NewRateSampler(100)
	}
	if cfg.Corrector == nil {
		cfg.Corrector = sdkcontext.NewServerOffsetCorrector(logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		provider:  provider,
		sink:      sink,
		sampler:   cfg.Sampler,
		corrector: cfg.Corrector,
		clock:     cfg.Clock,
		onDrop:    cfg.OnDrop,
		logger:    logger.With("component", "telemetry"),
		eventIDs:  make(map[string]struct{}),
	}
}

// Debug records a debug event. An empty id defaults to the message.
func (r *Recorder) Debug(id, message string, attrs map[string]any) {
	if id == "" {
		id = message
	}
	r.Record(id, KindDebug, Payload{Message: message, Attrs: attrs})
}

// Error records an error event. An empty id is derived from the message,
// kind and stack.
func (r *Recorder) Error(id, message, kind, stack string) {
	if id == "" {
		id = message + kind + stack
	}
	var info *ErrorInfo
	if kind != "" || stack != "" {
		info = &ErrorInfo{Kind: kind, Stack: stack}
	}
	r.Record(id, KindError, Payload{Message: message, Error: info})
}

// Record schedules the event on the context provider and returns at once.
// The event time is taken now, before queueing.
func (r *Recorder) Record(id string, kind Kind, p Payload) {
	at := r.clock.Now()
	if !r.provider.Async(func(c sdkcontext.Context) { r.record(c, id, kind, p, at) }) {
		r.logger.Debug("telemetry dropped after shutdown", "id", id)
	}
}

func (r *Recorder) record(c sdkcontext.Context, id string, kind Kind, p Payload, at time.Time) {
	if !r.sampler.Sample() {
		r.drop(DropSampledOut, &r.sampledOut)
		return
	}

	session := c.SessionID.OrElse("")
	if session != r.sessionID {
		r.sessionID = session
		clear(r.eventIDs)
	}
	if len(r.eventIDs) >= MaxEventsPerSession {
		r.drop(DropSessionCap, &r.capped)
		return
	}
	if _, seen := r.eventIDs[id]; seen {
		r.drop(DropDuplicate, &r.duplicates)
		return
	}
	r.eventIDs[id] = struct{}{}

	ev := Event{
		DD:          formatVersion{FormatVersion: 2},
		Type:        "telemetry",
		Date:        r.corrector.Correction().Apply(at).UnixMilli(),
		Service:     telemetryService,
		Source:      c.Source,
		Version:     c.Version,
		Application: refOf(c.ApplicationID),
		Session:     refOf(c.SessionID),
		View:        refOf(c.ViewID),
		Action:      refOf(c.ActionID),
		Telemetry: body{
			Status:  kind,
			Message: p.Message,
			Error:   p.Error,
			Attrs:   p.Attrs,
		},
	}
	r.recorded.Add(1)
	r.sink.Enqueue(ev)
}

func (r *Recorder) drop(reason DropReason, counter *atomic.Int64) {
	counter.Add(1)
	if r.onDrop != nil {
		r.onDrop(reason)
	}
}

type Stats struct {
	Recorded   int64
	SampledOut int64
	Duplicates int64
	SessionCap int64
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded:   r.recorded.Load(),
		SampledOut: r.sampledOut.Load(),
		Duplicates: r.duplicates.Load(),
		SessionCap: r.capped.Load(),
	}
}
