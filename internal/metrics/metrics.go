// Package metrics exposes pipeline and process health as Prometheus
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kon-rad/mobiletrace/internal/storage"
	"github.com/kon-rad/mobiletrace/internal/telemetry"
	"github.com/kon-rad/mobiletrace/internal/upload"
)

const namespace = "mobiletrace"

// Metrics owns a private registry. It implements storage.Diagnostics and
// upload.Observer so it can be handed to both directly.
type Metrics struct {
	registry *prometheus.Registry

	StorageEvents    *prometheus.CounterVec
	Uploads          *prometheus.CounterVec
	UploadedEvents   *prometheus.CounterVec
	UploadDuration   *prometheus.HistogramVec
	TelemetryDropped *prometheus.CounterVec

	UploadDelay  *prometheus.GaugeVec
	PendingFiles *prometheus.GaugeVec
	PendingBytes *prometheus.GaugeVec
	QueueDepth   *prometheus.GaugeVec

	CPUPercent    prometheus.Gauge
	RSSBytes      prometheus.Gauge
	CgroupMemory  prometheus.Gauge
	DiskFreeBytes prometheus.Gauge
	IOReadRate    prometheus.Gauge
	IOWriteRate   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StorageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "storage_events_total",
			Help: "Batch files and events removed or refused, by reason.",
		}, []string{"feature", "reason"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_total",
			Help: "Upload attempts by outcome.",
		}, []string{"feature", "outcome"}),
		UploadedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploaded_events_total",
			Help: "Events accepted by the intake.",
		}, []string{"feature"}),
		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "upload_duration_seconds",
			Help:    "Time spent per upload attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"feature"}),
		TelemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_dropped_total",
			Help: "Telemetry events discarded before writing, by reason.",
		}, []string{"reason"}),
		UploadDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "upload_delay_seconds",
			Help: "Current pause between upload ticks.",
		}, []string{"feature"}),
		PendingFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_files",
			Help: "Batch files on disk.",
		}, []string{"feature"}),
		PendingBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_bytes",
			Help: "Bytes of batch files on disk.",
		}, []string{"feature"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Events waiting for the writer goroutine.",
		}, []string{"feature"}),
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cgroup_cpu_percent",
			Help: "CPU use of the cgroup relative to its quota.",
		}),
		RSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rss_bytes",
			Help: "Resident set size of this process.",
		}),
		CgroupMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cgroup_memory_bytes",
			Help: "memory.current of the cgroup.",
		}),
		DiskFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "storage_free_bytes",
			Help: "Free bytes on the filesystem holding batch files.",
		}),
		IOReadRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "io_read_bytes_per_second",
			Help: "Process read throughput.",
		}),
		IOWriteRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "io_write_bytes_per_second",
			Help: "Process write throughput.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StorageEvents, m.Uploads, m.UploadedEvents, m.UploadDuration, m.TelemetryDropped,
		m.UploadDelay, m.PendingFiles, m.PendingBytes, m.QueueDepth,
		m.CPUPercent, m.RSSBytes, m.CgroupMemory, m.DiskFreeBytes, m.IOReadRate, m.IOWriteRate,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackQueue exports a feature queue's accepted and dropped totals.
func (m *Metrics) TrackQueue(feature string, accepted, dropped func() int64) {
	labels := prometheus.Labels{"feature": feature}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_enqueued_total",
			Help: "Events accepted by the write queue.", ConstLabels: labels,
		}, func() float64 { return float64(accepted()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events refused because the write queue was full or closed.", ConstLabels: labels,
		}, func() float64 { return float64(dropped()) }),
	)
}

// TrackLedger exports how many diagnostics rows the ledger recorder
// refused because its buffer was full or closed.
func (m *Metrics) TrackLedger(dropped func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "ledger_rows_dropped_total",
		Help: "Diagnostics rows not written to the ledger.",
	}, func() float64 { return float64(dropped()) }))
}

func (m *Metrics) StorageEvent(ev storage.Event) {
	m.StorageEvents.WithLabelValues(ev.Feature, string(ev.Reason)).Inc()
}

func (m *Metrics) UploadAttempt(a upload.Attempt) {
	outcome := upload.OutcomeFailure
	if a.Status.Delivered() {
		outcome = upload.OutcomeSuccess
		m.UploadedEvents.WithLabelValues(a.Feature).Add(float64(a.Events))
	}
	m.Uploads.WithLabelValues(a.Feature, string(outcome)).Inc()
	m.UploadDuration.WithLabelValues(a.Feature).Observe(a.Duration.Seconds())
	m.UploadDelay.WithLabelValues(a.Feature).Set(a.Delay.Seconds())
}

func (m *Metrics) TelemetryDrop(reason telemetry.DropReason) {
	m.TelemetryDropped.WithLabelValues(string(reason)).Inc()
}
