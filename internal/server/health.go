package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kon-rad/mobiletrace/internal/db"
)

// Consecutive upload failures after which a feature reports degraded.
const degradedAfterFailures = 3

type FeatureSnapshot struct {
	Feature             string `json:"feature"`
	PendingFiles        int    `json:"pending_files"`
	PendingBytes        int64  `json:"pending_bytes"`
	QueueDepth          int    `json:"queue_depth"`
	EventsAccepted      int64  `json:"events_accepted"`
	EventsDropped       int64  `json:"events_dropped"`
	UploadState         string `json:"upload_state"`
	UploadDelayMS       int64  `json:"upload_delay_ms"`
	LastOutcome         string `json:"last_outcome"`
	LastStatusCode      int    `json:"last_status_code"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Uploads             int64  `json:"uploads"`
	Successes           int64  `json:"successes"`
}

type TelemetrySnapshot struct {
	Recorded   int64 `json:"recorded"`
	SampledOut int64 `json:"sampled_out"`
	Duplicates int64 `json:"duplicates"`
	SessionCap int64 `json:"session_cap"`
}

type RuntimeSnapshot struct {
	SessionID string
	Features  []FeatureSnapshot
	Telemetry TelemetrySnapshot
	// LedgerDropped counts diagnostics rows the ledger recorder refused.
	LedgerDropped int64
}

type SnapshotProvider interface {
	Snapshot() RuntimeSnapshot
}

type HealthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Version       string            `json:"version"`
	SessionID     string            `json:"session_id"`
	Features      []FeatureSnapshot `json:"features"`
	Telemetry     TelemetrySnapshot `json:"telemetry"`
	Ledger        db.HealthStats    `json:"ledger"`
	Uploads24h    []db.UploadCount  `json:"uploads_24h,omitempty"`
	Removals24h   []db.StorageCount `json:"removals_24h,omitempty"`
	LastUploads   []db.UploadRow    `json:"last_uploads,omitempty"`
	GeneratedAt   string            `json:"generated_at"`
	Warnings      []string          `json:"warnings,omitempty"`
}

type HealthHandler struct {
	dbm         *db.Manager
	startTime   time.Time
	version     string
	snapshotter SnapshotProvider
}

// NewHealthHandler reports runtime state. dbm may be nil when the ledger
// is disabled.
func NewHealthHandler(dbm *db.Manager, start time.Time, version string, snapshotter SnapshotProvider) *HealthHandler {
	return &HealthHandler{
		dbm:         dbm,
		startTime:   start,
		version:     version,
		snapshotter: snapshotter,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.snapshotter.Snapshot()
	now := time.Now()

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Version:       h.version,
		SessionID:     snapshot.SessionID,
		Features:      snapshot.Features,
		Telemetry:     snapshot.Telemetry,
		Ledger:        db.HealthStats{Status: "disabled"},
		GeneratedAt:   now.UTC().Format(time.RFC3339),
	}

	for _, f := range snapshot.Features {
		if f.ConsecutiveFailures >= degradedAfterFailures {
			resp.Status = "degraded"
			resp.Warnings = append(resp.Warnings, f.Feature+"_uploads_failing")
		}
	}

	if h.dbm != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Ledger = h.dbm.Stats(ctx)
		resp.Ledger.DroppedRows = snapshot.LedgerDropped
		if resp.Ledger.Status != "ok" {
			resp.Status = "degraded"
		}
		since := now.Add(-24 * time.Hour).UnixMilli()
		uploads, err := h.dbm.UploadCounts(ctx, since)
		if err != nil {
			resp.Warnings = append(resp.Warnings, "upload_history_unavailable")
		}
		removals, err := h.dbm.StorageCounts(ctx, since)
		if err != nil {
			resp.Warnings = append(resp.Warnings, "storage_history_unavailable")
		}
		resp.Uploads24h = uploads
		resp.Removals24h = removals

		for _, f := range snapshot.Features {
			last, err := h.dbm.LatestUpload(ctx, f.Feature)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				resp.Warnings = append(resp.Warnings, "last_upload_unavailable")
			default:
				resp.LastUploads = append(resp.LastUploads, last)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
