package prommetrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
	"github.com/mihaimyh/taskgate/pkg/worker"
)

// Metrics implements taskgate.Metrics and worker.EventSink using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	checkDuration              *prometheus.HistogramVec
	failOpenTotal              *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	taskDuration               *prometheus.HistogramVec
	taskRetriesTotal           *prometheus.CounterVec
	tasksRunning               *prometheus.GaugeVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission checks by dimension and outcome.",
		}, []string{"dimension", "tier", "allowed"}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_check_duration_seconds",
			Help:      "Latency of admission checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dimension"}),

		failOpenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_fail_open_total",
			Help:      "Total number of checks allowed because the counter store failed.",
		}, []string{"dimension"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of counter store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of counter store operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of tasks reaching a terminal state.",
		}, []string{"queue", "state", "failure"}),

		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempt_duration_seconds",
			Help:      "Duration of task attempts.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"queue", "state"}),

		taskRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retries scheduled.",
		}, []string{"queue"}),

		tasksRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Number of task attempts currently running.",
		}, []string{"queue"}),
	}
}

func (m *Metrics) RecordDecision(dimension taskgate.Dimension, tier string, allowed bool) {
	m.decisionsTotal.WithLabelValues(string(dimension), tier, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordCheckDuration(dimension taskgate.Dimension, duration time.Duration) {
	m.checkDuration.WithLabelValues(string(dimension)).Observe(duration.Seconds())
}

func (m *Metrics) RecordFailOpen(dimension taskgate.Dimension) {
	m.failOpenTotal.WithLabelValues(string(dimension)).Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// OnTaskEvent implements worker.EventSink.
func (m *Metrics) OnTaskEvent(_ context.Context, ev worker.Event) {
	switch ev.Type {
	case worker.EventStarted:
		m.tasksRunning.WithLabelValues(ev.Queue).Inc()
	case worker.EventRetrying:
		m.tasksRunning.WithLabelValues(ev.Queue).Dec()
		m.taskRetriesTotal.WithLabelValues(ev.Queue).Inc()
		m.taskDuration.WithLabelValues(ev.Queue, string(worker.StateRetrying)).Observe(ev.Duration().Seconds())
	case worker.EventSucceeded:
		m.tasksRunning.WithLabelValues(ev.Queue).Dec()
		m.tasksTotal.WithLabelValues(ev.Queue, string(worker.StateSucceeded), "").Inc()
		m.taskDuration.WithLabelValues(ev.Queue, string(worker.StateSucceeded)).Observe(ev.Duration().Seconds())
	case worker.EventFailed:
		m.tasksRunning.WithLabelValues(ev.Queue).Dec()
		m.tasksTotal.WithLabelValues(ev.Queue, string(worker.StateFailed), ev.FailureKind.String()).Inc()
		m.taskDuration.WithLabelValues(ev.Queue, string(worker.StateFailed)).Observe(ev.Duration().Seconds())
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

// StatsSource reports queue depths. dispatch.Transport implementations
// satisfy it.
type StatsSource interface {
	Stats(ctx context.Context, queue string) (dispatch.QueueStats, error)
}

// QueueCollector exports queue depths, read from the broker at scrape time.
type QueueCollector struct {
	source  StatsSource
	queues  []string
	timeout time.Duration
	depth   *prometheus.Desc
	errors  *prometheus.Desc
}

// NewQueueCollector creates a collector for queues. Register it with
// reg.MustRegister.
func NewQueueCollector(source StatsSource, queues []string, namespace string) *QueueCollector {
	return &QueueCollector{
		source:  source,
		queues:  queues,
		timeout: 2 * time.Second,
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_messages"),
			"Number of messages in a queue by state.",
			[]string{"queue", "state"}, nil,
		),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_stats_errors"),
			"Whether reading the queue depth failed on this scrape.",
			[]string{"queue"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, q := range c.queues {
		stats, err := c.source.Stats(ctx, q)
		failed := 0.0
		if err != nil {
			failed = 1
		}
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, failed, q)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(stats.Ready), q, "ready")
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(stats.Delayed), q, "delayed")
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(stats.InFlight), q, "in_flight")
	}
}
