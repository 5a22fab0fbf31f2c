package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/mobiletrace/internal/logs"
)

type received struct {
	status  logs.Status
	message string
	attrs   map[string]any
}

type memSink struct {
	mu    sync.Mutex
	lines []received
}

func (m *memSink) Log(status logs.Status, message string, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, received{status, message, attrs})
}

type fixedSessions string

func (f fixedSessions) NewSession() string { return string(f) }

func TestPostLogsAcceptsObjectAndArray(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	srv := httptest.NewServer(New(":0", http.NotFoundHandler(), nil, NewLogHandlers(sink, nil)).Handler)
	defer srv.Close()

	bodies := []string{
		`{"status":"error","message":"checkout failed","attributes":{"order":"A1"}}`,
		`[{"message":"one"},{"status":"debug","message":"two"}]`,
	}
	for _, body := range bodies {
		start := time.Now()
		resp, err := http.Post(srv.URL+"/v1/logs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST /v1/logs: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status code = %d, want 202", resp.StatusCode)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("handler took too long: %s", elapsed)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(sink.lines))
	}
	if sink.lines[0].status != logs.StatusError || sink.lines[0].attrs["order"] != "A1" {
		t.Fatalf("first line = %+v", sink.lines[0])
	}
	if sink.lines[1].status != logs.StatusInfo || sink.lines[2].status != logs.StatusDebug {
		t.Fatalf("statuses = %s, %s", sink.lines[1].status, sink.lines[2].status)
	}
}

func TestPostLogsRejectsBadInput(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	h := NewLogHandlers(sink, nil)
	for _, body := range []string{`not json`, `{"status":"info"}`, `[{"message":"ok"},{"message":""}]`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		h.PostLogs(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(sink.lines) != 0 {
		t.Fatalf("rejected requests reached the sink: %+v", sink.lines)
	}
}

func TestPostSessionReturnsNewID(t *testing.T) {
	t.Parallel()

	h := NewLogHandlers(&memSink{}, fixedSessions("session-2"))
	rec := httptest.NewRecorder()
	h.PostSession(rec, httptest.NewRequest(http.MethodPost, "/v1/session", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["session_id"] != "session-2" {
		t.Fatalf("session_id = %q", body["session_id"])
	}
}
