package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/kon-rad/mobiletrace/internal/storage"
	"github.com/kon-rad/mobiletrace/internal/upload"
)

const (
	FeatureLogging = "logging"
	FeatureRUM     = "rum"
)

// Config is read from MT_* environment variables. Storage and upload
// knobs start from the UploadFrequency and BatchSize presets; any knob
// set explicitly overrides its preset value.
type Config struct {
	Port        string `env:"MT_PORT,default=9090"`
	LogLevel    string `env:"MT_LOG_LEVEL,default=info"`
	StorageRoot string `env:"MT_STORAGE_ROOT,default=/data/mobiletrace"`
	LedgerPath  string `env:"MT_LEDGER_PATH"`

	Site        string `env:"MT_SITE,default=https://browser-intake-datadoghq.com"`
	ClientToken string `env:"MT_CLIENT_TOKEN"`
	Source      string `env:"MT_SOURCE,default=ios"`
	Origin      string `env:"MT_ORIGIN,default=ios"`
	SDKVersion  string `env:"MT_SDK_VERSION,default=1.0.0"`
	Service     string `env:"MT_SERVICE,default=mobiletrace"`
	Env         string `env:"MT_ENV,default=prod"`
	AppName     string `env:"MT_APP_NAME,default=mobiletrace"`
	AppVersion  string `env:"MT_APP_VERSION,default=1.0.0"`
	DeviceModel string `env:"MT_DEVICE_MODEL,default=unknown"`
	OSName      string `env:"MT_OS_NAME,default=linux"`
	OSVersion   string `env:"MT_OS_VERSION"`

	UploadFrequency string `env:"MT_UPLOAD_FREQUENCY,default=average"`
	BatchSize       string `env:"MT_BATCH_SIZE,default=medium"`

	MaxFileSize           ByteSize      `env:"MT_MAX_FILE_SIZE"`
	MaxDirectorySize      ByteSize      `env:"MT_MAX_DIRECTORY_SIZE"`
	MaxObjectSize         ByteSize      `env:"MT_MAX_OBJECT_SIZE"`
	MaxObjectsInFile      int           `env:"MT_MAX_OBJECTS_IN_FILE"`
	MaxFileAgeForWrite    time.Duration `env:"MT_MAX_FILE_AGE_FOR_WRITE"`
	MinFileAgeForRead     time.Duration `env:"MT_MIN_FILE_AGE_FOR_READ"`
	MaxFileAgeForRead     time.Duration `env:"MT_MAX_FILE_AGE_FOR_READ"`
	InitialUploadDelay    time.Duration `env:"MT_INITIAL_UPLOAD_DELAY"`
	MinUploadDelay        time.Duration `env:"MT_MIN_UPLOAD_DELAY"`
	MaxUploadDelay        time.Duration `env:"MT_MAX_UPLOAD_DELAY"`
	UploadDelayChangeRate float64       `env:"MT_UPLOAD_DELAY_CHANGE_RATE"`

	TelemetrySampleRate float64       `env:"MT_TELEMETRY_SAMPLE_RATE,default=20"`
	QueueCapacity       int           `env:"MT_QUEUE_CAPACITY,default=512"`
	UploadTimeout       time.Duration `env:"MT_UPLOAD_TIMEOUT,default=30s"`
	TailPath            string        `env:"MT_TAIL_PATH"`

	MetricsInterval       time.Duration `env:"MT_METRICS_INTERVAL,default=15s"`
	LedgerRetention       time.Duration `env:"MT_LEDGER_RETENTION,default=72h"`
	CleanupInterval       time.Duration `env:"MT_CLEANUP_INTERVAL,default=5m"`
	WALCheckpointInterval time.Duration `env:"MT_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThreshold   ByteSize      `env:"MT_WAL_RESTART_THRESHOLD,default=50MiB"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads configuration through l, so tests can pass a map.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Mean time a batch file stays open, per upload frequency.
var meanFileAge = map[string]time.Duration{
	"frequent": 500 * time.Millisecond,
	"average":  2 * time.Second,
	"rare":     5 * time.Second,
}

var objectsPerFile = map[string]int{
	"small":  50,
	"medium": 500,
	"large":  1000,
}

const (
	defaultMaxFileSize       = 4 << 20
	defaultMaxDirectorySize  = 512 << 20
	defaultMaxObjectSize     = 512 << 10
	defaultMaxFileAgeForRead = 18 * time.Hour
	defaultDelayChangeRate   = 0.1
)

func (c *Config) mean() time.Duration {
	if d, ok := meanFileAge[strings.ToLower(c.UploadFrequency)]; ok {
		return d
	}
	return meanFileAge["average"]
}

// Performance resolves storage knobs from presets and overrides.
func (c *Config) Performance() storage.Performance {
	mean := c.mean()
	objects, ok := objectsPerFile[strings.ToLower(c.BatchSize)]
	if !ok {
		objects = objectsPerFile["medium"]
	}
	return storage.Performance{
		MaxFileSize:        pick(int64(c.MaxFileSize), defaultMaxFileSize),
		MaxDirectorySize:   pick(int64(c.MaxDirectorySize), defaultMaxDirectorySize),
		MaxFileAgeForWrite: pick(c.MaxFileAgeForWrite, scale(mean, 0.95)),
		MinFileAgeForRead:  pick(c.MinFileAgeForRead, scale(mean, 1.05)),
		MaxFileAgeForRead:  pick(c.MaxFileAgeForRead, defaultMaxFileAgeForRead),
		MaxObjectsInFile:   pick(c.MaxObjectsInFile, objects),
		MaxObjectSize:      pick(int64(c.MaxObjectSize), defaultMaxObjectSize),
	}
}

// UploadDelay resolves the scheduler's delay curve.
func (c *Config) UploadDelay() upload.DelayConfig {
	mean := c.mean()
	return upload.DelayConfig{
		Initial:    pick(c.InitialUploadDelay, 5*mean),
		Min:        pick(c.MinUploadDelay, mean),
		Max:        pick(c.MaxUploadDelay, 10*mean),
		ChangeRate: pick(c.UploadDelayChangeRate, defaultDelayChangeRate),
	}
}

// Endpoint is the intake URL for a feature.
func (c *Config) Endpoint(feature string) string {
	site := strings.TrimRight(c.Site, "/")
	switch feature {
	case FeatureRUM:
		return site + "/api/v2/rum"
	default:
		return site + "/api/v2/logs"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if _, ok := meanFileAge[strings.ToLower(c.UploadFrequency)]; !ok {
		errs = append(errs, fmt.Errorf("MT_UPLOAD_FREQUENCY %q: want frequent, average or rare", c.UploadFrequency))
	}
	if _, ok := objectsPerFile[strings.ToLower(c.BatchSize)]; !ok {
		errs = append(errs, fmt.Errorf("MT_BATCH_SIZE %q: want small, medium or large", c.BatchSize))
	}
	if c.ClientToken == "" {
		errs = append(errs, errors.New("MT_CLIENT_TOKEN is required"))
	}
	if c.Site == "" {
		errs = append(errs, errors.New("MT_SITE is required"))
	}

	p := c.Performance()
	if p.MaxObjectSize <= 0 || p.MaxObjectSize+storage.BlockHeaderSize > p.MaxFileSize || p.MaxFileSize > p.MaxDirectorySize {
		errs = append(errs, fmt.Errorf("sizes must satisfy 0 < max object (%d) + %d <= max file (%d) <= max directory (%d)",
			p.MaxObjectSize, storage.BlockHeaderSize, p.MaxFileSize, p.MaxDirectorySize))
	}
	if p.MaxObjectsInFile <= 0 {
		errs = append(errs, fmt.Errorf("max objects in file must be positive, got %d", p.MaxObjectsInFile))
	}
	if p.MaxFileAgeForWrite <= 0 || p.MaxFileAgeForWrite >= p.MinFileAgeForRead || p.MinFileAgeForRead > p.MaxFileAgeForRead {
		errs = append(errs, fmt.Errorf("file ages must satisfy 0 < max for write (%s) < min for read (%s) <= max for read (%s)",
			p.MaxFileAgeForWrite, p.MinFileAgeForRead, p.MaxFileAgeForRead))
	}

	d := c.UploadDelay()
	if d.Min <= 0 || d.Min > d.Max {
		errs = append(errs, fmt.Errorf("upload delays must satisfy 0 < min (%s) <= max (%s)", d.Min, d.Max))
	}
	if d.Initial < d.Min {
		errs = append(errs, fmt.Errorf("initial upload delay %s is below min %s", d.Initial, d.Min))
	}
	if d.ChangeRate <= 0 || d.ChangeRate >= 1 {
		errs = append(errs, fmt.Errorf("upload delay change rate must be in (0, 1), got %v", d.ChangeRate))
	}

	if c.TelemetrySampleRate < 0 || c.TelemetrySampleRate > 100 {
		errs = append(errs, fmt.Errorf("MT_TELEMETRY_SAMPLE_RATE must be within 0..100, got %v", c.TelemetrySampleRate))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("MT_QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func pick[T comparable](override, fallback T) T {
	var zero T
	if override == zero {
		return fallback
	}
	return override
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d) * f))
}

var helpVars = []struct{ name, def string }{
	{"MT_PORT", "9090"},
	{"MT_LOG_LEVEL", "info"},
	{"MT_STORAGE_ROOT", "/data/mobiletrace"},
	{"MT_LEDGER_PATH", ""},
	{"MT_SITE", "https://browser-intake-datadoghq.com"},
	{"MT_CLIENT_TOKEN", "(required)"},
	{"MT_SOURCE", "ios"},
	{"MT_ORIGIN", "ios"},
	{"MT_SDK_VERSION", "1.0.0"},
	{"MT_SERVICE", "mobiletrace"},
	{"MT_ENV", "prod"},
	{"MT_APP_NAME", "mobiletrace"},
	{"MT_APP_VERSION", "1.0.0"},
	{"MT_DEVICE_MODEL", "unknown"},
	{"MT_OS_NAME", "linux"},
	{"MT_OS_VERSION", ""},
	{"MT_UPLOAD_FREQUENCY", "average (frequent|average|rare)"},
	{"MT_BATCH_SIZE", "medium (small|medium|large)"},
	{"MT_MAX_FILE_SIZE", "4MiB"},
	{"MT_MAX_DIRECTORY_SIZE", "512MiB"},
	{"MT_MAX_OBJECT_SIZE", "512KiB"},
	{"MT_MAX_OBJECTS_IN_FILE", "from MT_BATCH_SIZE"},
	{"MT_MAX_FILE_AGE_FOR_WRITE", "0.95 x mean file age"},
	{"MT_MIN_FILE_AGE_FOR_READ", "1.05 x mean file age"},
	{"MT_MAX_FILE_AGE_FOR_READ", "18h"},
	{"MT_INITIAL_UPLOAD_DELAY", "5 x mean file age"},
	{"MT_MIN_UPLOAD_DELAY", "1 x mean file age"},
	{"MT_MAX_UPLOAD_DELAY", "10 x mean file age"},
	{"MT_UPLOAD_DELAY_CHANGE_RATE", "0.1"},
	{"MT_TELEMETRY_SAMPLE_RATE", "20"},
	{"MT_QUEUE_CAPACITY", "512"},
	{"MT_UPLOAD_TIMEOUT", "30s"},
	{"MT_TAIL_PATH", ""},
	{"MT_METRICS_INTERVAL", "15s"},
	{"MT_LEDGER_RETENTION", "72h"},
	{"MT_CLEANUP_INTERVAL", "5m"},
	{"MT_WAL_CHECKPOINT_INTERVAL", "10m"},
	{"MT_WAL_RESTART_THRESHOLD", "50MiB"},
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "mobiletrace %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	for _, v := range helpVars {
		fmt.Fprintf(w, "  %s=%s\n", v.name, v.def)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
}
