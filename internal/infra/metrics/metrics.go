// Package metrics: prometheus-реализация tally.Hooks.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Spok95/tallycards/internal/domain/tally"
)

type Metrics struct {
	steps     *prometheus.CounterVec
	reconcile prometheus.Histogram
	apply     *prometheus.HistogramVec
	retries   *prometheus.CounterVec
}

var _ tally.Hooks = (*Metrics)(nil)

// New регистрирует метрики в reg; nil: глобальный регистратор (его отдаёт /metrics).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_saga_steps_total",
			Help: "Saga steps by outcome.",
		}, []string{"step", "status"}),
		reconcile: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_reconcile_iterations",
			Help:    "Reconcile iterations until the current version stopped moving.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		apply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_apply_duration_seconds",
			Help:    "End-to-end adjustment latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_apply_retries_total",
			Help: "Whole-operation retries after a transient failure.",
		}, []string{"mode"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveStep(step tally.Step, err error) {
	m.steps.WithLabelValues(string(step), status(err)).Inc()
}

func (m *Metrics) ObserveReconcile(iterations int) {
	m.reconcile.Observe(float64(iterations))
}

func (m *Metrics) ObserveApply(mode string, err error, dur time.Duration) {
	m.apply.WithLabelValues(mode, status(err)).Observe(dur.Seconds())
}

func (m *Metrics) IncRetry(mode string) {
	m.retries.WithLabelValues(mode).Inc()
}
