package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Archive operations
	OperationsTotal   *prometheus.CounterVec   // by operation (create, unpack, stream) and status (success, failure)
	OperationDuration *prometheus.HistogramVec // by operation
	ActiveStreams     prometheus.Gauge

	// Archive statistics
	UncompressedBytesHist prometheus.Histogram
	CompressedBytesHist   prometheus.Histogram
	CompressionRatio      prometheus.Histogram
	FilesPerArchive       prometheus.Histogram
	SkippedEntriesTotal   prometheus.Counter

	// Input sources
	SourceFetchDuration *prometheus.HistogramVec // by source (file, http, s3) and result
	SourceBytesTotal    *prometheus.CounterVec   // by source

	// HTTP requests
	RequestsTotal *prometheus.CounterVec

	// Authentication/Security
	SignatureFailuresTotal prometheus.Counter
	ExpiredRequestsTotal   prometheus.Counter

	// Client behavior
	ClientDisconnectsTotal prometheus.Counter

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec // by backend: http, s3

	// Health checks
	HealthStatus       *prometheus.GaugeVec // by component: storage (1=healthy, 0=unhealthy)
	HealthChecksFailed *prometheus.CounterVec

	// System metrics
	MemoryGauge     prometheus.Gauge
	GoroutinesGauge prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "dbutils_archive_operations_total",
				Help: "Total number of archive operations by operation and outcome",
			}, []string{"operation", "status"}),
			OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "dbutils_archive_operation_duration_seconds",
				Help:    "Archive operation duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200}, // 1s to 2h
			}, []string{"operation"}),
			ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "dbutils_active_archive_streams",
				Help: "Number of archive pipelines currently running",
			}),

			UncompressedBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "dbutils_archive_uncompressed_bytes",
				Help:    "Payload bytes packed or unpacked per archive",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 20), // up to ~256TB
			}),
			CompressedBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "dbutils_archive_compressed_bytes",
				Help:    "Compressed archive size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 20),
			}),
			CompressionRatio: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "dbutils_compression_ratio",
				Help:    "Compression ratio (compressed/uncompressed)",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			}),
			FilesPerArchive: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "dbutils_archive_files",
				Help:    "Number of regular files per archive",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 1000},
			}),
			SkippedEntriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dbutils_archive_skipped_entries_total",
				Help: "Directory or archive entries skipped because their type is unsupported",
			}),

			SourceFetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "dbutils_source_open_duration_seconds",
				Help:    "Time to open an input source until the first byte is available",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"source", "result"}),
			SourceBytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "dbutils_source_bytes_total",
				Help: "Compressed bytes read from input sources",
			}, []string{"source"}),

			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "dbutils_requests_total",
				Help: "Total number of HTTP requests by status code",
			}, []string{"status"}),

			SignatureFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dbutils_signature_failures_total",
				Help: "Total number of failed signature verifications",
			}),
			ExpiredRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dbutils_expired_requests_total",
				Help: "Total number of requests with expired timestamps",
			}),

			ClientDisconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dbutils_client_disconnects_total",
				Help: "Total number of clients that went away during an archive stream",
			}),

			CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dbutils_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			}, []string{"backend"}),

			HealthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dbutils_health_status",
				Help: "Health status by component (1=healthy, 0=unhealthy)",
			}, []string{"component"}),
			HealthChecksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "dbutils_health_checks_failed_total",
				Help: "Total number of failed health checks by component",
			}, []string{"component"}),

			MemoryGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "dbutils_memory_heap_alloc_bytes",
				Help: "Current heap allocation in bytes",
			}),
			GoroutinesGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "dbutils_goroutines",
				Help: "Number of goroutines",
			}),
		}
	})

	return defaultMetrics
}

// StartRuntimeMetricsCollector starts a goroutine that updates runtime metrics
func (m *Metrics) StartRuntimeMetricsCollector() {
	go func() {
		for {
			m.collectRuntime()
			time.Sleep(10 * time.Second)
		}
	}()
}

func (m *Metrics) collectRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemoryGauge.Set(float64(mem.HeapAlloc))
	m.GoroutinesGauge.Set(float64(runtime.NumGoroutine()))
}

// WriteTextfile snapshots the default registry into path in the text
// exposition format, for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	m.collectRuntime()
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
