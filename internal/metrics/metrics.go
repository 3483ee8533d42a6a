// Package metrics holds the Prometheus collectors of the session subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is one set of session collectors. Each Lifecycle owns its own set so
// several isolated sessions can live in one process; register them with
// Register when they should be exported.
type Metrics struct {
	RefreshTotal   *prometheus.CounterVec
	RefreshSeconds prometheus.Histogram
	RefreshWaiters prometheus.Counter
	GatewayRetries prometheus.Counter
	LogoutsTotal   *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "refresh_total",
			Help:      "Token renewal network calls by outcome.",
		}, []string{"outcome"}),
		RefreshSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "session",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of token renewal network calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "refresh_waiters_total",
			Help:      "Callers that joined an in-flight renewal instead of starting one.",
		}),
		GatewayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "gateway_retries_total",
			Help:      "Requests resent after a successful renewal.",
		}),
		LogoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "logouts_total",
			Help:      "Session teardowns by reason.",
		}, []string{"reason"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.RefreshTotal, m.RefreshSeconds, m.RefreshWaiters, m.GatewayRetries, m.LogoutsTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
