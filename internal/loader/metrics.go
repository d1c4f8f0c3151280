package loader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the loader's prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	fetches     *prometheus.CounterVec
	evaluations *prometheus.CounterVec
	requests    *prometheus.CounterVec
	records     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lua_include_fetches_total",
			Help: "Script fetches by result.",
		}, []string{"result"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lua_include_evaluations_total",
			Help: "Script evaluations by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lua_include_requests_total",
			Help: "include and reload requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lua_include_registry_records",
			Help: "Scripts currently held in the registry.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.fetches, m.evaluations, m.requests, m.records} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) fetch(err error) {
	if m != nil {
		m.fetches.WithLabelValues(result(err)).Inc()
	}
}

func (m *Metrics) evaluation(err error) {
	if m != nil {
		m.evaluations.WithLabelValues(result(err)).Inc()
	}
}

// request counts one include/reload; outcome is "hit", "loaded" or an error kind.
func (m *Metrics) request(op, outcome string) {
	if m != nil {
		m.requests.WithLabelValues(op, outcome).Inc()
	}
}

func (m *Metrics) setRecords(n int) {
	if m != nil {
		m.records.Set(float64(n))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
