// Package logs turns application log calls into log events for the
// logging feature.
package logs

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kon-rad/mobiletrace/internal/clock"
	"github.com/kon-rad/mobiletrace/internal/sdkcontext"
)

type Status string

const (
	StatusDebug Status = "debug"
	StatusInfo  Status = "info"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

const dateLayout = "2006-01-02T15:04:05.000Z07:00"

// Sink receives finished events. ingest.Queue satisfies it.
type Sink interface {
	Enqueue(event any) bool
}

type Config struct {
	Service string
	Source  string
	// Tags are sent as ddtags next to env and version.
	Tags      []string
	Corrector sdkcontext.DateCorrector
	Clock     clock.Clock
}

// Event is one log line on the wire. Attrs are inlined at the top level
// and never override the fixed keys.
type Event struct {
	Date      string
	Status    Status
	Message   string
	Service   string
	Source    string
	Tags      string
	SessionID sdkcontext.Optional[string]
	Attrs     map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Attrs)+7)
	for k, v := range e.Attrs {
		out[k] = v
	}
	out["date"] = e.Date
	out["status"] = e.Status
	out["message"] = e.Message
	out["service"] = e.Service
	out["ddsource"] = e.Source
	out["ddtags"] = e.Tags
	if id, ok := e.SessionID.Get(); ok {
		out["session_id"] = id
	}
	return json.Marshal(out)
}

type Logger struct {
	cfg      Config
	provider *sdkcontext.Provider
	sink     Sink
	logger   *slog.Logger
}

func NewLogger(cfg Config, provider *sdkcontext.Provider, sink Sink, logger *slog.Logger) *Logger {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Corrector == nil {
		cfg.Corrector = sdkcontext.NewServerOffsetCorrector(logger)
	}
	return &Logger{cfg: cfg, provider: provider, sink: sink, logger: logger}
}

func (l *Logger) Debug(message string, attrs map[string]any) {
	l.Log(StatusDebug, message, attrs)
}

func (l *Logger) Info(message string, attrs map[string]any) {
	l.Log(StatusInfo, message, attrs)
}

func (l *Logger) Warn(message string, attrs map[string]any) {
	l.Log(StatusWarn, message, attrs)
}

func (l *Logger) Error(message string, attrs map[string]any) {
	l.Log(StatusError, message, attrs)
}

// Log builds the event on the context provider so it sees the session
// current at call time, then hands it to the sink without blocking.
func (l *Logger) Log(status Status, message string, attrs map[string]any) {
	at := l.cfg.Clock.Now()
	ok := l.provider.Async(func(c sdkcontext.Context) {
		l.sink.Enqueue(Event{
			Date:      l.cfg.Corrector.Correction().Apply(at).UTC().Format(dateLayout),
			Status:    status,
			Message:   message,
			Service:   firstNonEmpty(l.cfg.Service, c.Service),
			Source:    firstNonEmpty(l.cfg.Source, c.Source),
			Tags:      l.tags(c),
			SessionID: c.SessionID,
			Attrs:     attrs,
		})
	})
	if !ok {
		l.logger.Debug("log dropped after shutdown", "status", status)
	}
}

func (l *Logger) tags(c sdkcontext.Context) string {
	tags := make([]string, 0, len(l.cfg.Tags)+3)
	if c.Env != "" {
		tags = append(tags, "env:"+c.Env)
	}
	if c.Version != "" {
		tags = append(tags, "sdk_version:"+c.Version)
	}
	tags = append(tags, l.cfg.Tags...)
	return strings.Join(tags, ",")
}

// ParseStatus maps free-form level names onto a Status. Unknown names
// are info.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return StatusDebug
	case "warn", "warning":
		return StatusWarn
	case "error", "err", "fatal", "critical", "emergency":
		return StatusError
	default:
		return StatusInfo
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
