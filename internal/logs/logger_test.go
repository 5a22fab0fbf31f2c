package logs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/mobiletrace/internal/clock"
	"github.com/kon-rad/mobiletrace/internal/sdkcontext"
)

type memorySink struct {
	mu     sync.Mutex
	events []any
}

func (s *memorySink) Enqueue(event any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

type fixedCorrector time.Duration

func (f fixedCorrector) Correction() sdkcontext.Correction {
	return sdkcontext.Correction{Offset: time.Duration(f)}
}

func decode(t *testing.T, ev any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func TestLoggerBuildsLogEvent(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	provider := sdkcontext.NewProvider(sdkcontext.Context{
		SessionID: sdkcontext.Some("s1"),
		Service:   "shop",
		Source:    "ios",
		Env:       "prod",
		Version:   "2.3.0",
	}, logger)
	defer provider.Close()

	sink := &memorySink{}
	l := NewLogger(Config{
		Tags:      []string{"team:mobile"},
		Clock:     clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Corrector: fixedCorrector(1500 * time.Millisecond),
	}, provider, sink, logger)

	l.Warn("cart empty", map[string]any{"items": 0, "message": "ignored"})
	if err := provider.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	doc := decode(t, sink.events[0])
	want := map[string]any{
		"date":       "2026-03-01T12:00:01.500Z",
		"status":     "warn",
		"message":    "cart empty",
		"service":    "shop",
		"ddsource":   "ios",
		"ddtags":     "env:prod,sdk_version:2.3.0,team:mobile",
		"session_id": "s1",
		"items":      float64(0),
	}
	for k, v := range want {
		if doc[k] != v {
			t.Fatalf("%s = %v, want %v", k, doc[k], v)
		}
	}
}

func TestLoggerOmitsMissingSession(t *testing.T) {
	t.Parallel()

	provider := sdkcontext.NewProvider(sdkcontext.Context{}, nil)
	defer provider.Close()
	sink := &memorySink{}
	l := NewLogger(Config{Service: "svc", Corrector: fixedCorrector(0)}, provider, sink, nil)

	l.Info("hello", nil)
	if err := provider.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if _, ok := decode(t, sink.events[0])["session_id"]; ok {
		t.Fatalf("session_id present without a session")
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"DEBUG":   StatusDebug,
		"warning": StatusWarn,
		"fatal":   StatusError,
		"notice":  StatusInfo,
		"":        StatusInfo,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Fatalf("ParseStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
