package rotapool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// poolMetrics holds the pool's prometheus collectors. A nil *poolMetrics is
// valid and turns every observation into a no-op, so the pool never branches
// on whether metrics are enabled.
type poolMetrics struct {
	selectionsTotal *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	probesTotal     *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	endpointsTotal  prometheus.Gauge
	reliableTotal   prometheus.Gauge
}

func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	if reg == nil {
		return nil
	}

	factory := promauto.With(reg)

	return &poolMetrics{
		selectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotapool_selections_total",
				Help: "Total number of endpoint selections",
			},
			[]string{"strategy"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotapool_outcomes_total",
				Help: "Total number of caller-reported outcomes",
			},
			[]string{"result"},
		),
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotapool_probes_total",
				Help: "Total number of health probes",
			},
			[]string{"protocol", "result"},
		),
		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotapool_probe_duration_seconds",
				Help:    "Duration of successful health probes in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"protocol"},
		),
		endpointsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotapool_endpoints",
				Help: "Current number of endpoints in the pool",
			},
		),
		reliableTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotapool_reliable_endpoints",
				Help: "Current number of endpoints passing the reliability gate",
			},
		),
	}
}

func (m *poolMetrics) observeSelection(strategy string) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(strategy).Inc()
}

func (m *poolMetrics) observeOutcome(success bool) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(resultLabel(success)).Inc()
}

func (m *poolMetrics) observeProbe(protocol Protocol, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(protocol.String(), resultLabel(success)).Inc()
	if success {
		m.probeDuration.WithLabelValues(protocol.String()).Observe(latency.Seconds())
	}
}

func (m *poolMetrics) setPoolSize(total, reliable int) {
	if m == nil {
		return
	}
	m.endpointsTotal.Set(float64(total))
	m.reliableTotal.Set(float64(reliable))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
