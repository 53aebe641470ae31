package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/shift-settlement/settlement"
)

// Metrics bundles settlement metrics and implements settlement.Observer.
type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	PaymentsTotal    *prometheus.CounterVec
	PaymentDuration  prometheus.Histogram
	SweepsTotal      prometheus.Counter
	SweepDuration    prometheus.Histogram
	SweepTimecards   *prometheus.CounterVec
	SweepLastDue     prometheus.Gauge

	gatherer prometheus.Gatherer
}

var _ settlement.Observer = (*Metrics)(nil)

// NewMetrics constructs metrics and registers them with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_transitions_total",
				Help: "Timecard status transitions by from/to status",
			},
			[]string{"from", "to"},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_payments_total",
				Help: "Payment executions by outcome",
			},
			[]string{"outcome"},
		),
		PaymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_payment_duration_seconds",
			Help:    "Charge plus payout duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_sweeps_total",
			Help: "Total deadline sweeps",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_sweep_duration_seconds",
			Help:    "Deadline sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SweepTimecards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_sweep_timecards_total",
				Help: "Timecards handled by deadline sweeps by result",
			},
			[]string{"result"},
		),
		SweepLastDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_sweep_last_due",
			Help: "Past-deadline timecards found by the last sweep",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.TransitionsTotal,
		m.PaymentsTotal,
		m.PaymentDuration,
		m.SweepsTotal,
		m.SweepDuration,
		m.SweepTimecards,
		m.SweepLastDue,
	)
	return m
}

func (m *Metrics) TransitionApplied(from, to settlement.Status) {
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) PaymentFinished(outcome string, elapsed time.Duration) {
	m.PaymentsTotal.WithLabelValues(outcome).Inc()
	m.PaymentDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SweepFinished(report settlement.SweepReport, elapsed time.Duration) {
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(elapsed.Seconds())
	m.SweepLastDue.Set(float64(report.Due))
	for result, n := range map[string]int{
		"auto_approved":  report.AutoApproved,
		"paid":           report.Paid,
		"blocked":        report.Blocked,
		"payment_failed": report.PaymentFailed,
		"recovered":      report.Recovered,
		"skipped":        report.Skipped,
		"error":          report.Errors,
	} {
		if n > 0 {
			m.SweepTimecards.WithLabelValues(result).Add(float64(n))
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
