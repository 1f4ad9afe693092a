package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_relay"

// Metrics groups the relay's collectors. Build one per registry.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	FramesTotal       prometheus.Counter
	DecodeAnomalies   prometheus.Counter
	BackgroundWrites  *prometheus.CounterVec
	TimeToFirstDelta  prometheus.Histogram
	StreamDuration    prometheus.Histogram
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Chat relay requests by outcome (ok, validation, auth, rate_limit, quota, upstream, persistence).",
		}, []string{"outcome"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_streams",
			Help:      "Streams currently being relayed.",
		}),
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Data frames re-emitted to clients.",
		}),
		DecodeAnomalies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "decode_anomalies_total",
			Help:      "Upstream data lines dropped because they never parsed.",
		}),
		BackgroundWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "background_writes_total",
			Help:      "Detached assistant-message writes by result.",
		}, []string{"result"}),
		TimeToFirstDelta: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "time_to_first_delta_seconds",
			Help:      "Time from upstream response to first content delta.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "stream_duration_seconds",
			Help:      "Duration of relayed streams.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
	}
}

// Nop returns metrics bound to a throwaway registry.
func Nop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) ObserveStream(start time.Time) {
	m.StreamDuration.Observe(time.Since(start).Seconds())
}
