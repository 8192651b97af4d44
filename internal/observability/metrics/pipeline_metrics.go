package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lock resources instrumented for SELECT FOR UPDATE contention.
const (
	LockResourceTransactionByReference = "transaction_by_reference"
	LockResourceWalletByID             = "wallet_by_id"
	LockResourceDueDeliveries          = "due_deliveries"
)

// PipelineMetrics captures retry worker and reconciliation pipeline health signals.
type PipelineMetrics struct {
	workerRuns       *prometheus.CounterVec
	workerDuration   *prometheus.HistogramVec
	workerErrors     *prometheus.CounterVec
	deliveryOutcomes *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	dbLockWait       *prometheus.HistogramVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "reconciler"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	workerRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconciler_worker_runs_total",
		Help:        "Retry worker runs by job name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	workerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "reconciler_worker_run_duration_seconds",
		Help:        "Retry worker run latency to protect redelivery freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	workerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconciler_worker_errors_total",
		Help:        "Retry worker errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	deliveryOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "reconciler_delivery_outcomes_total",
		Help:        "Webhook delivery attempt outcomes by provider.",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "reconciler_worker_runloop_lag_seconds",
		Help:        "Retry worker run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	// Measures lock wait time to detect contention on hot references.
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "reconciler_db_lock_wait_seconds",
		Help:        "DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		workerRuns,
		workerDuration,
		workerErrors,
		deliveryOutcomes,
		runLoopLag,
		dbLockWait,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceTransactionByReference: dbLockWait.WithLabelValues(LockResourceTransactionByReference),
		LockResourceWalletByID:             dbLockWait.WithLabelValues(LockResourceWalletByID),
		LockResourceDueDeliveries:          dbLockWait.WithLabelValues(LockResourceDueDeliveries),
	}

	return &PipelineMetrics{
		workerRuns:       workerRuns,
		workerDuration:   workerDuration,
		workerErrors:     workerErrors,
		deliveryOutcomes: deliveryOutcomes,
		runLoopLag:       runLoopLag,
		dbLockWait:       dbLockWait,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncWorkerRun increments the run counter for a worker job.
func (m *PipelineMetrics) IncWorkerRun(job string) {
	if m == nil || m.workerRuns == nil {
		return
	}
	m.workerRuns.WithLabelValues(job).Inc()
}

// ObserveWorkerDuration records worker run latency in seconds.
func (m *PipelineMetrics) ObserveWorkerDuration(job string, duration time.Duration) {
	if m == nil || m.workerDuration == nil {
		return
	}
	m.workerDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncWorkerError increments the error counter for a worker job and reason.
func (m *PipelineMetrics) IncWorkerError(job, reason string) {
	if m == nil || m.workerErrors == nil {
		return
	}
	m.workerErrors.WithLabelValues(job, reason).Inc()
}

// IncDeliveryOutcome counts a delivery attempt outcome for a provider.
func (m *PipelineMetrics) IncDeliveryOutcome(provider, outcome string) {
	if m == nil || m.deliveryOutcomes == nil {
		return
	}
	m.deliveryOutcomes.WithLabelValues(provider, outcome).Inc()
}

// ObserveRunLoopLag records how far the worker loop slipped past its interval.
func (m *PipelineMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for a known resource.
func (m *PipelineMetrics) ObserveDBLockWait(resource string, wait time.Duration) {
	if m == nil {
		return
	}
	if obs, ok := m.lockWaitObserver[resource]; ok {
		obs.Observe(wait.Seconds())
		return
	}
	if m.dbLockWait != nil {
		m.dbLockWait.WithLabelValues(resource).Observe(wait.Seconds())
	}
}
