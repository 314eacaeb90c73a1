package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "spanship"

// Collector provides a central place for all application metrics
type Collector struct {
	// Discovery metrics
	FilesDiscovered    *prometheus.CounterVec
	WatchedDirectories prometheus.Gauge
	WatchErrors        prometheus.Counter

	// Worker metrics
	WorkersActive prometheus.Gauge
	WorkersFailed *prometheus.CounterVec

	// Tail metrics
	LinesRead        prometheus.Counter
	BytesRead        prometheus.Counter
	LinesUnparseable prometheus.Counter
	LinesDropped     prometheus.Counter
	LinesSkipped     prometheus.Counter

	// Sink metrics
	SpansDelivered  *prometheus.CounterVec
	DeliverFailures *prometheus.CounterVec
	DeliverDuration *prometheus.HistogramVec
	CircuitState    *prometheus.GaugeVec

	// Checkpoint metrics
	CheckpointCommits prometheus.Counter
	CheckpointErrors  prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
	}

	c.initDiscoveryMetrics()
	c.initWorkerMetrics()
	c.initTailMetrics()
	c.initSinkMetrics()
	c.initCheckpointMetrics()

	return c
}

func (c *Collector) initDiscoveryMetrics() {
	factory := promauto.With(c.registry)

	c.FilesDiscovered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "files_total",
			Help:      "Qualifying log files discovered, by discovery source",
		},
		[]string{"source"},
	)

	c.WatchedDirectories = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "watched_directories",
			Help:      "Directories currently registered for change notifications",
		},
	)

	c.WatchErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "watch_errors_total",
			Help:      "Errors reported by the filesystem watcher",
		},
	)
}

func (c *Collector) initWorkerMetrics() {
	factory := promauto.With(c.registry)

	c.WorkersActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "active",
			Help:      "Files currently being tailed",
		},
	)

	c.WorkersFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "failed_total",
			Help:      "Tail workers that stopped on an unrecoverable error",
		},
		[]string{"reason"},
	)
}

func (c *Collector) initTailMetrics() {
	factory := promauto.With(c.registry)

	c.LinesRead = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "lines_read_total",
			Help:      "Complete lines read from watched files",
		},
	)

	c.BytesRead = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "bytes_read_total",
			Help:      "Bytes of complete lines read from watched files",
		},
	)

	c.LinesUnparseable = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "lines_unparseable_total",
			Help:      "Lines that matched no known span schema",
		},
	)

	c.LinesDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "lines_dropped_total",
			Help:      "Unparseable lines dropped instead of forwarded",
		},
	)

	c.LinesSkipped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "lines_skipped_total",
			Help:      "Lines skipped after delivery retries were exhausted",
		},
	)
}

func (c *Collector) initSinkMetrics() {
	factory := promauto.With(c.registry)

	c.SpansDelivered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "spans_delivered_total",
			Help:      "Spans accepted by the sink",
		},
		[]string{"sink"},
	)

	c.DeliverFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "deliver_failures_total",
			Help:      "Failed delivery attempts, including ones later retried",
		},
		[]string{"sink"},
	)

	c.DeliverDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "deliver_duration_seconds",
			Help:      "Time taken by a single delivery attempt",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"sink"},
	)

	c.CircuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"sink"},
	)
}

func (c *Collector) initCheckpointMetrics() {
	factory := promauto.With(c.registry)

	c.CheckpointCommits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "commits_total",
			Help:      "Durable checkpoint commits",
		},
	)

	c.CheckpointErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "errors_total",
			Help:      "Checkpoint reads or writes that failed",
		},
	)
}

// Registry returns the Prometheus registry backing this collector
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
