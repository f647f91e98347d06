package acceptor

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const _metricsNamespace = "acceptor"

// Failure reasons for Metrics.AdmissionFailures.
const (
	ReasonAccept   = "accept"
	ReasonDispatch = "dispatch"
)

// Metrics are the collectors updated by a Server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SlotsCapacity      prometheus.Gauge
	SlotsOccupied      prometheus.Gauge
	Admissions         prometheus.Counter
	AdmissionDeferrals prometheus.Counter
	AdmissionFailures  *prometheus.CounterVec
	Reclaimed          prometheus.Counter
	ForcedCloses       prometheus.Counter

	collectors []prometheus.Collector
}

// NewMetrics creates the collectors and registers them with reg (if not nil).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SlotsCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Name:      "slots_capacity",
			Help:      "Number of connection slots.",
		}),
		SlotsOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Name:      "slots_occupied",
			Help:      "Number of connection slots owning a connection.",
		}),
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "admissions_total",
			Help:      "Connections admitted into a slot.",
		}),
		AdmissionDeferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "admission_deferrals_total",
			Help:      "Inbound connections left in the backlog because every slot was occupied.",
		}),
		AdmissionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "admission_failures_total",
			Help:      "Admissions rolled back, by reason.",
		}, []string{"reason"}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "reclaimed_total",
			Help:      "Slots reclaimed from terminated connections.",
		}),
		ForcedCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "forced_closes_total",
			Help:      "Connections aborted because shutdown reached its deadline.",
		}),
	}
	m.collectors = []prometheus.Collector{
		m.SlotsCapacity, m.SlotsOccupied, m.Admissions, m.AdmissionDeferrals,
		m.AdmissionFailures, m.Reclaimed, m.ForcedCloses,
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
	}
	return m, nil
}

func (m *Metrics) setCapacity(n int) {
	if m != nil {
		m.SlotsCapacity.Set(float64(n))
	}
}

func (m *Metrics) setOccupied(n int) {
	if m != nil {
		m.SlotsOccupied.Set(float64(n))
	}
}

func (m *Metrics) admitted() {
	if m != nil {
		m.Admissions.Inc()
	}
}

func (m *Metrics) deferred() {
	if m != nil {
		m.AdmissionDeferrals.Inc()
	}
}

func (m *Metrics) failed(reason string) {
	if m != nil {
		m.AdmissionFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) reclaimed(n int) {
	if m != nil && n > 0 {
		m.Reclaimed.Add(float64(n))
	}
}

func (m *Metrics) forced(n int) {
	if m != nil && n > 0 {
		m.ForcedCloses.Add(float64(n))
	}
}
