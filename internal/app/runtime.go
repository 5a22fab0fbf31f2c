package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kon-rad/mobiletrace/internal/clock"
	"github.com/kon-rad/mobiletrace/internal/config"
	"github.com/kon-rad/mobiletrace/internal/db"
	"github.com/kon-rad/mobiletrace/internal/ingest"
	"github.com/kon-rad/mobiletrace/internal/logs"
	"github.com/kon-rad/mobiletrace/internal/logtail"
	"github.com/kon-rad/mobiletrace/internal/metrics"
	"github.com/kon-rad/mobiletrace/internal/sdkcontext"
	"github.com/kon-rad/mobiletrace/internal/server"
	"github.com/kon-rad/mobiletrace/internal/storage"
	"github.com/kon-rad/mobiletrace/internal/telemetry"
	"github.com/kon-rad/mobiletrace/internal/upload"
)

// feature is one independent storage + upload track.
type feature struct {
	name      string
	store     *storage.Manager
	queue     *ingest.Queue
	queueDone chan error
	scheduler *upload.Scheduler
}

type Option func(*Runtime)

func WithClock(c clock.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) { r.httpClient = c }
}

// Runtime owns every component and is passed explicitly to whatever needs
// it; nothing is process-global.
type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	startedAt  time.Time
	clock      clock.Clock
	httpClient *http.Client

	dbm        *db.Manager
	ledger     *db.Recorder
	ledgerDone chan error
	metrics    *metrics.Metrics
	corrector  *sdkcontext.ServerOffsetCorrector
	provider   *sdkcontext.Provider
	features   []*feature
	recorder   *telemetry.Recorder
	logs       *logs.Logger

	httpServer *http.Server
	listener   net.Listener
	serverErr  chan error
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup

	sessionID    atomic.Value
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg *config.Config, logger *slog.Logger, version string, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: cfg.UploadTimeout}
	}
	r.sessionID.Store("")
	return r
}

// Run starts the runtime and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return errors.Join(err, r.Shutdown(context.Background()))
	}

	select {
	case err := <-r.serverErr:
		shutdownErr := r.Shutdown(context.Background())
		if err != nil {
			return errors.Join(fmt.Errorf("http server failed: %w", err), shutdownErr)
		}
		return shutdownErr
	case <-ctx.Done():
		r.logger.Info("Shutdown signal received, shutting down...")
		return r.Shutdown(context.Background())
	}
}

// Start opens storage, starts workers, schedulers and background loops,
// and begins serving HTTP. It returns once everything is running.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cfg.LedgerPath != "" {
		if err := r.openLedger(ctx); err != nil {
			return err
		}
	}

	r.metrics = metrics.New()
	if r.ledger != nil {
		r.metrics.TrackLedger(r.ledger.Dropped)
	}
	r.corrector = sdkcontext.NewServerOffsetCorrector(r.logger)

	sessionID := uuid.NewString()
	r.sessionID.Store(sessionID)
	r.provider = sdkcontext.NewProvider(sdkcontext.Context{
		ApplicationID: sdkcontext.Some(uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.cfg.AppName)).String()),
		SessionID:     sdkcontext.Some(sessionID),
		Service:       r.cfg.Service,
		Source:        r.cfg.Source,
		Version:       r.cfg.SDKVersion,
		Env:           r.cfg.Env,
	}, r.logger)

	diagSinks := []storage.Diagnostics{r.metrics, telemetryDiagnostics{r}}
	observers := []upload.Observer{r.metrics, r.corrector}
	if r.ledger != nil {
		diagSinks = append(diagSinks, r.ledger)
		observers = append(observers, r.ledger)
	}
	diag := storage.Tee(diagSinks...)
	observer := upload.Observers(observers...)

	for _, name := range []string{config.FeatureLogging, config.FeatureRUM} {
		f, err := r.openFeature(name, diag, observer)
		if err != nil {
			return err
		}
		r.features = append(r.features, f)
	}

	r.recorder = telemetry.NewRecorder(telemetry.Config{
		Sampler:   telemetry.NewRateSampler(r.cfg.TelemetrySampleRate),
		Corrector: r.corrector,
		Clock:     r.clock,
		OnDrop:    r.metrics.TelemetryDrop,
	}, r.provider, r.feature(config.FeatureRUM).queue, r.logger)
	r.logs = logs.NewLogger(logs.Config{
		Service:   r.cfg.Service,
		Source:    r.cfg.Source,
		Corrector: r.corrector,
		Clock:     r.clock,
	}, r.provider, r.feature(config.FeatureLogging).queue, r.logger)

	for _, f := range r.features {
		f := f
		f.queueDone = make(chan error, 1)
		go func() {
			f.queueDone <- f.queue.Run()
		}()
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)

	return r.startServer()
}

func (r *Runtime) openLedger(ctx context.Context) error {
	dbm, err := db.Open(r.cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	r.dbm = dbm

	journalMode, busyTimeout, autoVacuum, err := dbm.Pragmas(ctx)
	if err != nil {
		return fmt.Errorf("query sqlite pragmas: %w", err)
	}
	r.logger.Info("SQLite ledger opened",
		"path", r.cfg.LedgerPath,
		"journal_mode", journalMode,
		"busy_timeout", busyTimeout,
		"auto_vacuum", autoVacuum,
	)

	r.ledger = db.NewRecorder(dbm, ingest.QueueCapacity, r.logger)
	r.ledgerDone = make(chan error, 1)
	go func() {
		r.ledgerDone <- r.ledger.Run()
	}()
	return nil
}

func (r *Runtime) openFeature(name string, diag storage.Diagnostics, observer upload.Observer) (*feature, error) {
	perf := r.cfg.Performance()
	dir := filepath.Join(r.cfg.StorageRoot, name, "v1")
	store, err := storage.Open(name, dir, perf, r.clock, r.logger, diag)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", name, err)
	}
	if err := store.EnforceDirectoryBound(); err != nil {
		r.logger.Warn("enforcing directory bound failed", "feature", name, "error", err)
	}
	if st, err := store.Stats(); err == nil {
		r.logger.Info("Storage opened",
			"feature", name,
			"dir", dir,
			"pending_files", st.Files,
			"pending_size", humanize.IBytes(uint64(st.Bytes)),
			"max_directory_size", humanize.IBytes(uint64(perf.MaxDirectorySize)),
		)
	}

	builder, err := upload.NewRequestBuilder(upload.RequestConfig{
		URL:         r.cfg.Endpoint(name),
		Source:      r.cfg.Source,
		ClientToken: r.cfg.ClientToken,
		Origin:      r.cfg.Origin,
		SDKVersion:  r.cfg.SDKVersion,
		AppName:     r.cfg.AppName,
		AppVersion:  r.cfg.AppVersion,
		DeviceModel: r.cfg.DeviceModel,
		OSName:      r.cfg.OSName,
		OSVersion:   r.cfg.OSVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("%s uploader: %w", name, err)
	}

	queue := ingest.NewQueue(name, r.cfg.QueueCapacity, store.Writer(), r.clock, r.logger, diag)
	r.metrics.TrackQueue(name,
		func() int64 { return queue.Stats().Accepted },
		func() int64 { return queue.Stats().Dropped },
	)

	return &feature{
		name:  name,
		store: store,
		queue: queue,
		scheduler: upload.NewScheduler(upload.SchedulerConfig{
			Feature:       name,
			Delay:         r.cfg.UploadDelay(),
			UploadTimeout: r.cfg.UploadTimeout,
		}, store, upload.NewHTTPUploader(builder, r.httpClient), r.clock, r.logger, observer),
	}, nil
}

func (r *Runtime) startServer() error {
	addr := ":" + r.cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln

	healthHandler := server.NewHealthHandler(r.dbm, r.startedAt, r.version, r)
	r.httpServer = server.New(addr, healthHandler, r.metrics.Handler(), server.NewLogHandlers(r.logs, r))
	r.serverErr = make(chan error, 1)
	go func() {
		r.logger.Info("Listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.serverErr <- err
			return
		}
		r.serverErr <- nil
	}()
	return nil
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	for _, f := range r.features {
		f := f
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			f.scheduler.Run(ctx)
		}()
	}

	sources := make([]metrics.Source, 0, len(r.features))
	for _, f := range r.features {
		sources = append(sources, metrics.Source{
			Feature:   f.name,
			Storage:   f.store,
			Scheduler: f.scheduler,
			Queue:     f.queue,
		})
	}
	collector := metrics.NewCollector(r.cfg.MetricsInterval, r.metrics, r.cfg.StorageRoot, r.logger, sources...)
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		if err := collector.Run(ctx); err != nil {
			r.logger.Warn("metrics collector stopped", "error", err)
		}
	}()

	if r.cfg.TailPath != "" {
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			tailer := logtail.New(r.cfg.TailPath, 500*time.Millisecond, r.logs, r.logger)
			if err := tailer.Run(ctx); err != nil {
				r.logger.Warn("log tail stopped", "error", err)
			}
		}()
	}

	if r.dbm == nil {
		return
	}

	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				deleted, err := r.dbm.CleanupOld(cleanupCtx, time.Now(), r.cfg.LedgerRetention)
				cancel()
				if err != nil {
					r.logger.Warn("cleanup failed", "error", err)
				} else if deleted > 0 {
					r.logger.Debug("ledger rows expired", "deleted", deleted)
				}
			}
		}
	}()

	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.WALCheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_, err := r.dbm.CheckpointIfWALExceeds(cpCtx, int64(r.cfg.WALRestartThreshold))
				cancel()
				if err != nil {
					r.logger.Warn("wal checkpoint loop failed", "error", err)
				}
			}
		}
	}()
}

// Shutdown stops intake first and storage last so that every event
// accepted before the call reaches disk. Batches still on disk are sent
// by the next run. It is safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}

	// Schedulers let an in-flight upload finish, bounded by its timeout.
	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.cfg.UploadTimeout + 5*time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	// Pending producer tasks enqueue into the feature queues, so the
	// provider drains before the queues close.
	if r.provider != nil {
		r.provider.Close()
	}

	for _, f := range r.features {
		r.logger.Info("Draining write queue", "feature", f.name, "remaining", f.queue.Depth())
		f.queue.Close()
		if f.queueDone == nil {
			continue
		}
		select {
		case err := <-f.queueDone:
			if err != nil {
				joined = errors.Join(joined, fmt.Errorf("%s writer shutdown: %w", f.name, err))
			}
		case <-time.After(5 * time.Second):
			joined = errors.Join(joined, fmt.Errorf("%s writer drain timeout", f.name))
		}
	}

	if r.ledger != nil {
		r.ledger.Close()
		select {
		case err := <-r.ledgerDone:
			if err != nil {
				joined = errors.Join(joined, fmt.Errorf("ledger flush: %w", err))
			}
		case <-time.After(5 * time.Second):
			joined = errors.Join(joined, errors.New("ledger drain timeout"))
		}
	}

	if r.dbm != nil {
		cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := r.dbm.Checkpoint(cpCtx); err != nil {
			r.logger.Warn("WAL checkpoint failed", "error", err)
			joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
		}
		cancel()
		if err := r.dbm.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("ledger close: %w", err))
		}
	}

	var accepted int64
	for _, f := range r.features {
		accepted += f.queue.Stats().Accepted
	}
	r.logger.Info("Shutdown complete",
		"total_events", accepted,
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}

func (r *Runtime) feature(name string) *feature {
	for _, f := range r.features {
		if f.name == name {
			return f
		}
	}
	return nil
}

// Logs is the producer for the logging feature.
func (r *Runtime) Logs() *logs.Logger {
	return r.logs
}

// Telemetry is the recorder feeding the rum feature.
func (r *Runtime) Telemetry() *telemetry.Recorder {
	return r.recorder
}

// Addr is the address the HTTP server listens on, once started.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// NewSession starts a new session. View and action ids belong to the old
// session and are cleared.
func (r *Runtime) NewSession() string {
	id := uuid.NewString()
	r.sessionID.Store(id)
	r.provider.Update(func(c *sdkcontext.Context) {
		c.SessionID = sdkcontext.Some(id)
		c.ViewID = sdkcontext.None[string]()
		c.ActionID = sdkcontext.None[string]()
	})
	r.logger.Info("Session started", "session_id", id)
	return id
}

func (r *Runtime) Snapshot() server.RuntimeSnapshot {
	snap := server.RuntimeSnapshot{SessionID: r.sessionID.Load().(string)}
	for _, f := range r.features {
		fs := server.FeatureSnapshot{Feature: f.name, QueueDepth: f.queue.Depth()}
		if st, err := f.store.Stats(); err == nil {
			fs.PendingFiles = st.Files
			fs.PendingBytes = st.Bytes
		}
		qs := f.queue.Stats()
		fs.EventsAccepted = qs.Accepted
		fs.EventsDropped = qs.Dropped

		us := f.scheduler.Snapshot()
		fs.UploadState = string(us.State)
		fs.UploadDelayMS = us.CurrentDelay.Milliseconds()
		fs.LastOutcome = string(us.LastOutcome)
		fs.LastStatusCode = us.LastStatusCode
		fs.ConsecutiveFailures = us.ConsecutiveFailures
		fs.Uploads = us.Attempts
		fs.Successes = us.Successes
		snap.Features = append(snap.Features, fs)
	}
	if r.ledger != nil {
		snap.LedgerDropped = r.ledger.Dropped()
	}
	if r.recorder != nil {
		ts := r.recorder.Stats()
		snap.Telemetry = server.TelemetrySnapshot{
			Recorded:   ts.Recorded,
			SampledOut: ts.SampledOut,
			Duplicates: ts.Duplicates,
			SessionCap: ts.SessionCap,
		}
	}
	return snap
}
