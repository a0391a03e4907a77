package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts channel-level anomalies. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Fallbacks  *prometheus.CounterVec
	Sanitized  prometheus.Counter
	Reconnects prometheus.Counter
}

// NewMetrics registers the progress metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_progress_fallbacks_total",
			Help: "Training runs that switched to local simulation, by reason.",
		}, []string{"reason"}),
		Sanitized: f.NewCounter(prometheus.CounterOpts{
			Name: "onboard_progress_sanitized_total",
			Help: "Progress values replaced because they were not finite or out of range.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "onboard_progress_reconnects_total",
			Help: "Progress channel reconnect attempts.",
		}),
	}
}

func (m *Metrics) fallback(reason string) {
	if m != nil {
		m.Fallbacks.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) sanitized() {
	if m != nil {
		m.Sanitized.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}
