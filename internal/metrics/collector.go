package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kon-rad/mobiletrace/internal/storage"
	"github.com/kon-rad/mobiletrace/internal/upload"
)

// Source is one feature the collector samples.
type Source struct {
	Feature   string
	Storage   interface{ Stats() (storage.Stats, error) }
	Scheduler interface{ Snapshot() upload.Snapshot }
	Queue     interface{ Depth() int }
}

// Collector samples feature state and process vitals into gauges on a
// fixed interval.
type Collector struct {
	interval    time.Duration
	metrics     *Metrics
	sources     []Source
	storageRoot string
	logger      *slog.Logger

	lastCPUSample *cpuSample
	lastIO        *ioSample
}

type cpuSample struct {
	usageUsec int64
	at        time.Time
}

type ioSample struct {
	readBytes  int64
	writeBytes int64
	at         time.Time
}

func NewCollector(interval time.Duration, m *Metrics, storageRoot string, logger *slog.Logger, sources ...Source) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		interval:    interval,
		metrics:     m,
		sources:     sources,
		storageRoot: storageRoot,
		logger:      logger,
	}
}

func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.collect(now)
		}
	}
}

func (c *Collector) collect(now time.Time) {
	for _, src := range c.sources {
		c.collectSource(src)
	}

	if usage, err := readCPUUsageUsec(); err == nil {
		if pct, ok := c.cpuPercent(cpuSample{usageUsec: usage, at: now}); ok {
			c.metrics.CPUPercent.Set(pct)
		}
	}
	if rss, err := currentRSSBytes(); err == nil {
		c.metrics.RSSBytes.Set(float64(rss))
	}
	if mem, _ := readMemoryCgroup(); mem > 0 {
		c.metrics.CgroupMemory.Set(float64(mem))
	}
	_, total, free := readDiskStats(c.storageRoot)
	if total > 0 {
		c.metrics.DiskFreeBytes.Set(float64(free))
	}
	readRate, writeRate := c.readIORates(now)
	c.metrics.IOReadRate.Set(float64(readRate))
	c.metrics.IOWriteRate.Set(float64(writeRate))
}

func (c *Collector) collectSource(src Source) {
	if src.Storage != nil {
		st, err := src.Storage.Stats()
		if err != nil {
			c.logger.Warn("storage stats failed", "feature", src.Feature, "error", err)
		} else {
			c.metrics.PendingFiles.WithLabelValues(src.Feature).Set(float64(st.Files))
			c.metrics.PendingBytes.WithLabelValues(src.Feature).Set(float64(st.Bytes))
			c.logger.Debug("storage sampled", "feature", src.Feature, "files", st.Files, "size", humanize.IBytes(uint64(st.Bytes)))
		}
	}
	if src.Scheduler != nil {
		c.metrics.UploadDelay.WithLabelValues(src.Feature).Set(src.Scheduler.Snapshot().CurrentDelay.Seconds())
	}
	if src.Queue != nil {
		c.metrics.QueueDepth.WithLabelValues(src.Feature).Set(float64(src.Queue.Depth()))
	}
}

// cpuPercent compares cur with the previous sample. The first sample only
// primes the baseline.
func (c *Collector) cpuPercent(cur cpuSample) (float64, bool) {
	prev := c.lastCPUSample
	c.lastCPUSample = &cur
	if prev == nil {
		return 0, false
	}
	deltaUsage := float64(cur.usageUsec-prev.usageUsec) / 1_000_000.0
	deltaTime := cur.at.Sub(prev.at).Seconds()
	if deltaTime <= 0 {
		return 0, false
	}
	pct := (deltaUsage / deltaTime) * 100.0 / readCPUCgroupCores()
	return max(pct, 0), true
}

func (c *Collector) readIORates(now time.Time) (int64, int64) {
	readBytes, writeBytes := readProcSelfIO()
	cur := &ioSample{readBytes: readBytes, writeBytes: writeBytes, at: now}
	if c.lastIO == nil {
		c.lastIO = cur
		return 0, 0
	}
	seconds := cur.at.Sub(c.lastIO.at).Seconds()
	if seconds <= 0 {
		return 0, 0
	}
	readRate := int64(float64(cur.readBytes-c.lastIO.readBytes) / seconds)
	writeRate := int64(float64(cur.writeBytes-c.lastIO.writeBytes) / seconds)
	c.lastIO = cur
	return max(readRate, 0), max(writeRate, 0)
}
