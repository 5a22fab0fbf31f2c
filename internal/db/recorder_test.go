package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/kon-rad/mobiletrace/internal/storage"
	"github.com/kon-rad/mobiletrace/internal/upload"
)

func TestRecorderPersistsDiagnostics(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()

	rec := NewRecorder(dbm, 16, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- rec.Run() }()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.StorageEvent(storage.Event{Feature: "logging", File: "100", Reason: storage.ReasonEvicted, Bytes: 42, At: at})
	rec.UploadAttempt(upload.Attempt{
		Feature: "logging", File: "101", Events: 3, Bytes: 90, At: at,
		Status: upload.Status{StatusCode: http.StatusServiceUnavailable, RequestID: "req-1"},
	})
	rec.UploadAttempt(upload.Attempt{
		Feature: "logging", File: "101", Events: 3, Bytes: 90, At: at,
		Status: upload.Status{Err: errors.New("dial tcp: connection refused")},
	})
	rec.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after Close")
	}

	ctx := context.Background()
	uploads, err := dbm.UploadCounts(ctx, 0)
	if err != nil {
		t.Fatalf("upload counts: %v", err)
	}
	if len(uploads) != 1 || uploads[0].Status != "failure" || uploads[0].Attempts != 2 {
		t.Fatalf("upload counts = %+v", uploads)
	}
	latest, err := dbm.LatestUpload(ctx, "logging")
	if err != nil {
		t.Fatalf("latest upload: %v", err)
	}
	if latest.ErrorMessage != "dial tcp: connection refused" {
		t.Fatalf("error message = %q", latest.ErrorMessage)
	}
	removals, err := dbm.StorageCounts(ctx, 0)
	if err != nil {
		t.Fatalf("storage counts: %v", err)
	}
	if len(removals) != 1 || removals[0].Reason != "evicted" || removals[0].Bytes != 42 {
		t.Fatalf("storage counts = %+v", removals)
	}

	rec.StorageEvent(storage.Event{Feature: "logging", Reason: storage.ReasonEvicted, At: at})
	if got := rec.Dropped(); got != 1 {
		t.Fatalf("dropped after close = %d, want 1", got)
	}
}
