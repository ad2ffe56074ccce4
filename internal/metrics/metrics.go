// Package metrics holds the Prometheus collectors shared by the work
// queues and VM workers. A nil *Metrics is valid and records nothing, so
// components can be constructed without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildbot_vm"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Metrics struct {
	queuePending  *prometheus.GaugeVec
	queueItems    *prometheus.CounterVec
	queueDuration *prometheus.HistogramVec

	startAttempts *prometheus.CounterVec
	workerReady   *prometheus.GaugeVec
	workerActive  *prometheus.GaugeVec
	workerOnline  *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_items",
			Help:      "Work items submitted to the queue and not yet settled.",
		}, []string{"queue"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_total",
			Help:      "Work items settled by the queue, by outcome.",
		}, []string{"queue", "outcome"}),
		queueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "item_duration_seconds",
			Help:      "Time a work item spent executing.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"queue"}),
		startAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "start_attempts_total",
			Help:      "Instance start attempts, by outcome.",
		}, []string{"worker", "outcome"}),
		workerReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "ready",
			Help:      "1 once discovery of an existing domain has completed.",
		}, []string{"worker"}),
		workerActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "substantiated",
			Help:      "1 while the worker is bound to a domain.",
		}, []string{"worker"}),
		workerOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "connected",
			Help:      "1 while the worker inside the domain is connected.",
		}, []string{"worker"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.queuePending,
			m.queueItems,
			m.queueDuration,
			m.startAttempts,
			m.workerReady,
			m.workerActive,
			m.workerOnline,
		)
	}
	return m
}

// ItemQueued records a submission.
func (m *Metrics) ItemQueued(queue string) {
	if m == nil {
		return
	}
	m.queuePending.WithLabelValues(queue).Inc()
}

// ItemSettled records the end of a work item.
func (m *Metrics) ItemSettled(queue string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queuePending.WithLabelValues(queue).Dec()
	m.queueItems.WithLabelValues(queue, outcome(err == nil)).Inc()
	m.queueDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// StartAttempt records the boolean result of a start attempt.
func (m *Metrics) StartAttempt(worker string, started bool) {
	if m == nil {
		return
	}
	m.startAttempts.WithLabelValues(worker, outcome(started)).Inc()
}

// WorkerStatus publishes the gate inputs of a worker.
func (m *Metrics) WorkerStatus(worker string, ready, substantiated, connected bool) {
	if m == nil {
		return
	}
	m.workerReady.WithLabelValues(worker).Set(boolToFloat(ready))
	m.workerActive.WithLabelValues(worker).Set(boolToFloat(substantiated))
	m.workerOnline.WithLabelValues(worker).Set(boolToFloat(connected))
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
