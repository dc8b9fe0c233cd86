package orchestrator

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/sitedeploy/internal/domain"
)

var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// Metrics exposes orchestration counters. A nil *Metrics records nothing.
type Metrics struct {
	orchestrations *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	circuitOpen    prometheus.Counter
	duration       *prometheus.HistogramVec
}

// NewMetrics registers the orchestration collectors with reg, reusing any
// collectors that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		orchestrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "orchestrator",
			Name:      "orchestrations_total",
			Help:      "Finished orchestrations by final status and attempt count",
		}, []string{"status", "attempts"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "orchestrator",
			Name:      "attempts_total",
			Help:      "Deployment attempts by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "orchestrator",
			Name:      "retries_total",
			Help:      "Retries scheduled by classified error kind",
		}, []string{"error_kind"}),
		circuitOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitedeploy",
			Subsystem: "orchestrator",
			Name:      "circuit_rejections_total",
			Help:      "Deployments rejected by an open tenant circuit breaker",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitedeploy",
			Subsystem: "orchestrator",
			Name:      "orchestration_duration_seconds",
			Help:      "Wall time of finished orchestrations",
			Buckets:   durationBuckets,
		}, []string{"status"}),
	}

	m.orchestrations = register(reg, m.orchestrations)
	m.attempts = register(reg, m.attempts)
	m.retries = register(reg, m.retries)
	m.circuitOpen = register(reg, m.circuitOpen)
	m.duration = register(reg, m.duration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func (m *Metrics) orchestrationFinished(status domain.DeploymentStatus, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.orchestrations.With(prometheus.Labels{"status": string(status), "attempts": strconv.Itoa(attempts)}).Inc()
	m.duration.With(prometheus.Labels{"status": string(status)}).Observe(elapsed.Seconds())
}

func (m *Metrics) attemptFinished(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.attempts.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) retried(kind domain.ErrorKind) {
	if m == nil {
		return
	}
	m.retries.With(prometheus.Labels{"error_kind": string(kind)}).Inc()
}

func (m *Metrics) circuitRejected() {
	if m == nil {
		return
	}
	m.circuitOpen.Inc()
}
