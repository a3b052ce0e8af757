package tokencache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ensure outcomes.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

// Metrics counts Ensure outcomes.
type Metrics struct {
	Requests *prometheus.CounterVec
}

// NewMetrics creates the token cache metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indiepost_service_token_requests_total",
			Help: "Service token lookups by result: hit (cached), miss (fetched) or error",
		}, []string{"result"}),
	}
}

func (m *Metrics) observe(result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(result).Inc()
}
