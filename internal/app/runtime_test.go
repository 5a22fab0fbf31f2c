package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/kon-rad/mobiletrace/internal/config"
	"github.com/kon-rad/mobiletrace/internal/sdkcontext"
	"github.com/kon-rad/mobiletrace/internal/storage"
)

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	base := map[string]string{
		"MT_PORT":         "0",
		"MT_STORAGE_ROOT": t.TempDir(),
		"MT_SITE":         "http://127.0.0.1:1",
		"MT_CLIENT_TOKEN": "token",
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(base))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func startTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), "test")
	if err := rt.Start(context.Background()); err != nil {
		_ = rt.Shutdown(context.Background())
		t.Skipf("runtime unavailable in sandbox: %v", err)
	}
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func TestNewSessionRotatesContext(t *testing.T) {
	rt := startTestRuntime(t, testConfig(t, nil))

	before := rt.Snapshot().SessionID
	if before == "" {
		t.Fatal("expected an initial session id")
	}

	rt.provider.Update(func(c *sdkcontext.Context) {
		c.ViewID = sdkcontext.Some("view-1")
	})
	after := rt.NewSession()
	if after == before {
		t.Fatal("session id did not change")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cur, err := rt.provider.Current(ctx)
	if err != nil {
		t.Fatalf("current context: %v", err)
	}
	if id, _ := cur.SessionID.Get(); id != after {
		t.Fatalf("context session = %q, want %q", id, after)
	}
	if cur.ViewID.IsSome() {
		t.Fatal("view id should be cleared on a new session")
	}
	if got := rt.Snapshot().SessionID; got != after {
		t.Fatalf("snapshot session = %q, want %q", got, after)
	}
}

func TestSnapshotListsBothFeatures(t *testing.T) {
	rt := startTestRuntime(t, testConfig(t, nil))

	snap := rt.Snapshot()
	if len(snap.Features) != 2 {
		t.Fatalf("features = %d, want 2", len(snap.Features))
	}
	if snap.Features[0].Feature != config.FeatureLogging || snap.Features[1].Feature != config.FeatureRUM {
		t.Fatalf("unexpected feature order: %+v", snap.Features)
	}
	if snap.Features[0].UploadState != "idle" {
		t.Fatalf("upload state = %q, want idle", snap.Features[0].UploadState)
	}
}

func TestStorageLossIsReportedAsTelemetry(t *testing.T) {
	rt := startTestRuntime(t, testConfig(t, map[string]string{"MT_TELEMETRY_SAMPLE_RATE": "100"}))

	diag := telemetryDiagnostics{rt}
	ev := storage.Event{Feature: config.FeatureLogging, Reason: storage.ReasonEvicted, Bytes: 10}
	diag.StorageEvent(ev)
	diag.StorageEvent(ev)
	diag.StorageEvent(storage.Event{Feature: config.FeatureLogging, Reason: storage.ReasonUploaded})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := rt.Telemetry().Stats()
		if st.Recorded == 1 && st.Duplicates == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("telemetry stats = %+v, want one recorded and one duplicate", rt.Telemetry().Stats())
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"MT_LEDGER_PATH": filepath.Join(t.TempDir(), "ledger.db"),
	})
	rt := startTestRuntime(t, cfg)

	rt.Logs().Info("before shutdown", nil)
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	st, err := rt.feature(config.FeatureLogging).store.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Files != 1 {
		t.Fatalf("files on disk after shutdown = %d, want 1", st.Files)
	}
}
