package server

import (
	"encoding/json"
	"net/http"

	"github.com/kon-rad/mobiletrace/internal/logs"
)

const maxLogBodyBytes = 1 << 20

// LogSink accepts a log line. logs.Logger satisfies it.
type LogSink interface {
	Log(status logs.Status, message string, attrs map[string]any)
}

// SessionRotator starts a new session.
type SessionRotator interface {
	NewSession() string
}

type LogHandlers struct {
	sink     LogSink
	sessions SessionRotator
}

type logRequest struct {
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes"`
}

func NewLogHandlers(sink LogSink, sessions SessionRotator) *LogHandlers {
	return &LogHandlers{sink: sink, sessions: sessions}
}

// PostLogs accepts one log object or an array of them. Accepted lines are
// handed off without waiting on disk, so the response is 202 even if the
// write queue later drops them.
func (h *LogHandlers) PostLogs(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLogBodyBytes)).Decode(&raw); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var reqs []logRequest
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	} else {
		var one logRequest
		if err := json.Unmarshal(raw, &one); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		reqs = append(reqs, one)
	}
	for _, req := range reqs {
		if req.Message == "" {
			http.Error(w, "message is required", http.StatusBadRequest)
			return
		}
	}

	for _, req := range reqs {
		h.sink.Log(logs.ParseStatus(req.Status), req.Message, req.Attributes)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *LogHandlers) PostSession(w http.ResponseWriter, _ *http.Request) {
	id := h.sessions.NewSession()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"session_id": id})
}
