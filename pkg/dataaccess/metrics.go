package dataaccess

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the request engine's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	tokensIssued      prometheus.Counter
	requestsCompleted *prometheus.CounterVec
	reaped            *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	liveTokens        prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tokensIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "gxs_engine_tokens_issued_total",
			Help: "Tokens handed out, including public tokens",
		}),
		requestsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gxs_engine_requests_completed_total",
			Help: "Requests processed by kind and outcome",
		}, []string{"kind", "outcome"}),
		reaped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gxs_engine_tokens_reaped_total",
			Help: "Token entries removed by the reaper by reason",
		}, []string{"reason"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gxs_engine_handler_duration_seconds",
			Help:    "Time spent in request handlers",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"kind"}),
		liveTokens: f.NewGauge(prometheus.GaugeOpts{
			Name: "gxs_engine_live_tokens",
			Help: "Entries currently in the token table",
		}),
	}
}

func (m *Metrics) RecordTokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) RecordCompleted(kind RequestType, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "complete"
	if failed {
		outcome = "failed"
	}
	m.requestsCompleted.WithLabelValues(kind.String(), outcome).Inc()
	m.handlerDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *Metrics) RecordReaped(reason string) {
	if m == nil {
		return
	}
	m.reaped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLiveTokens(n int) {
	if m == nil {
		return
	}
	m.liveTokens.Set(float64(n))
}
