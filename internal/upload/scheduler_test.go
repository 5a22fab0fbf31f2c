package upload

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/mobiletrace/internal/clock"
	"github.com/kon-rad/mobiletrace/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scriptedUploader struct {
	mu       sync.Mutex
	statuses []int
	batches  [][][]byte
	started  chan context.Context
	release  chan struct{}
}

func (u *scriptedUploader) Upload(ctx context.Context, events [][]byte) Status {
	if u.started != nil {
		u.started <- ctx
	}
	if u.release != nil {
		<-u.release
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.batches = append(u.batches, events)
	code := http.StatusAccepted
	if len(u.statuses) > 0 {
		code = u.statuses[0]
		u.statuses = u.statuses[1:]
	}
	return Status{StatusCode: code}
}

func (u *scriptedUploader) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.batches)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *recordingObserver) UploadAttempt(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func testDelay() DelayConfig {
	return DelayConfig{
		Initial:    10 * time.Second,
		Min:        2 * time.Second,
		Max:        20 * time.Second,
		ChangeRate: 0.1,
	}
}

type recordingDiag struct {
	mu     sync.Mutex
	events []storage.Event
}

func (d *recordingDiag) StorageEvent(ev storage.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDiag) reasons() []storage.Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]storage.Reason, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev.Reason)
	}
	return out
}

func newTestStore(t *testing.T, clk clock.Clock) *storage.Manager {
	t.Helper()
	return newTestStoreWithDiag(t, clk, nil)
}

func newTestStoreWithDiag(t *testing.T, clk clock.Clock, diag storage.Diagnostics) *storage.Manager {
	t.Helper()
	perf := storage.Performance{
		MaxFileSize:        64 * 1024,
		MaxDirectorySize:   1024 * 1024,
		MaxFileAgeForWrite: 1900 * time.Millisecond,
		MinFileAgeForRead:  2100 * time.Millisecond,
		MaxFileAgeForRead:  18 * time.Hour,
		MaxObjectsInFile:   500,
		MaxObjectSize:      4 * 1024,
	}
	m, err := storage.Open("logging", t.TempDir(), perf, clk, discardLogger(), diag)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func storedFiles(t *testing.T, m *storage.Manager) int {
	t.Helper()
	st, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	return st.Files
}

func TestTickWithoutBatchIncreasesDelay(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	up := &scriptedUploader{}
	s := NewScheduler(SchedulerConfig{Feature: "logging", Delay: testDelay()}, newTestStore(t, clk), up, clk, discardLogger(), nil)

	if got := s.Tick(context.Background()); got != OutcomeNone {
		t.Fatalf("Tick() = %s, want %s", got, OutcomeNone)
	}
	if got, want := s.CurrentDelay(), 11*time.Second; !near(got, want) {
		t.Fatalf("delay = %s, want %s", got, want)
	}
	if up.calls() != 0 {
		t.Fatalf("uploader called without a batch")
	}
}

func TestEmptyBatchIsDiscardedWithoutUpload(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	diag := &recordingDiag{}
	store := newTestStoreWithDiag(t, clk, diag)
	up := &scriptedUploader{}
	s := NewScheduler(SchedulerConfig{Feature: "logging", Delay: testDelay()}, store, up, clk, discardLogger(), nil)

	// A header cut short by process death: no readable event.
	name := strconv.FormatInt(epoch.UnixMilli(), 10)
	if err := os.WriteFile(filepath.Join(store.Dir(), name), []byte{0, 1, 0}, 0o644); err != nil {
		t.Fatalf("seed truncated batch: %v", err)
	}
	clk.Advance(3 * time.Second)

	if got := s.Tick(context.Background()); got != OutcomeNone {
		t.Fatalf("Tick() = %s, want %s", got, OutcomeNone)
	}
	if up.calls() != 0 {
		t.Fatalf("uploader called for an empty batch")
	}
	if got := storedFiles(t, store); got != 0 {
		t.Fatalf("files after discard = %d, want 0", got)
	}
	reasons := diag.reasons()
	if len(reasons) != 1 || reasons[0] != storage.ReasonEmpty {
		t.Fatalf("storage reasons = %v, want [%s]", reasons, storage.ReasonEmpty)
	}
}

func TestFailedBatchIsRetainedThenDeletedOnSuccess(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	store := newTestStore(t, clk)
	up := &scriptedUploader{statuses: []int{http.StatusInternalServerError, http.StatusAccepted}}
	obs := &recordingObserver{}
	s := NewScheduler(SchedulerConfig{Feature: "logging", Delay: testDelay()}, store, up, clk, discardLogger(), obs)

	for _, msg := range []string{"log 1", "log 2"} {
		if err := store.Writer().Write(map[string]string{"message": msg}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	clk.Advance(3 * time.Second)

	if got := s.Tick(context.Background()); got != OutcomeFailure {
		t.Fatalf("first Tick() = %s, want failure", got)
	}
	if got := storedFiles(t, store); got != 1 {
		t.Fatalf("files after failure = %d, want 1", got)
	}
	if got, want := s.CurrentDelay(), 11*time.Second; !near(got, want) {
		t.Fatalf("delay after failure = %s, want %s", got, want)
	}
	if got := s.Snapshot().ConsecutiveFailures; got != 1 {
		t.Fatalf("consecutive failures = %d, want 1", got)
	}

	if got := s.Tick(context.Background()); got != OutcomeSuccess {
		t.Fatalf("second Tick() = %s, want success", got)
	}
	if got := storedFiles(t, store); got != 0 {
		t.Fatalf("files after success = %d, want 0", got)
	}
	if got, want := s.CurrentDelay(), 9900*time.Millisecond; !near(got, want) {
		t.Fatalf("delay after success = %s, want %s", got, want)
	}

	up.mu.Lock()
	first, second := up.batches[0], up.batches[1]
	up.mu.Unlock()
	if len(first) != 2 || string(first[0]) != string(second[0]) {
		t.Fatalf("retry did not resend the same batch: %q vs %q", first, second)
	}

	snap := s.Snapshot()
	if snap.Attempts != 2 || snap.Successes != 1 || snap.ConsecutiveFailures != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.attempts) != 2 || obs.attempts[1].Events != 2 {
		t.Fatalf("observer attempts = %+v", obs.attempts)
	}
}

func TestRunTicksAfterCurrentDelay(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	store := newTestStore(t, clk)
	up := &scriptedUploader{started: make(chan context.Context, 1)}
	s := NewScheduler(SchedulerConfig{Feature: "logging", Delay: testDelay()}, store, up, clk, discardLogger(), nil)

	if err := store.Writer().Write(map[string]string{"message": "hello"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clk.WaitForTimers(1)
	clk.Advance(9 * time.Second)
	select {
	case <-up.started:
		t.Fatalf("upload before the delay elapsed")
	default:
	}
	clk.Advance(time.Second)

	select {
	case <-up.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for upload")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if got := s.Snapshot().State; got != StateStopped {
		t.Fatalf("state = %s, want %s", got, StateStopped)
	}
}

func TestShutdownLetsInFlightUploadFinish(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(epoch)
	store := newTestStore(t, clk)
	up := &scriptedUploader{
		started: make(chan context.Context, 1),
		release: make(chan struct{}),
	}
	s := NewScheduler(SchedulerConfig{Feature: "logging", Delay: testDelay()}, store, up, clk, discardLogger(), nil)

	if err := store.Writer().Write(map[string]string{"message": "last words"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clk.WaitForTimers(1)
	clk.Advance(testDelay().Initial)

	var uploadCtx context.Context
	select {
	case uploadCtx = <-up.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for upload")
	}
	if got := s.Snapshot().State; got != StateUploading {
		t.Fatalf("state = %s, want %s", got, StateUploading)
	}

	cancel()
	if err := uploadCtx.Err(); err != nil {
		t.Fatalf("upload context cancelled by shutdown: %v", err)
	}
	close(up.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after the upload finished")
	}
	if got := storedFiles(t, store); got != 0 {
		t.Fatalf("files after in-flight success = %d, want 0", got)
	}
}
