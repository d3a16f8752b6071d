package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrumentation on its own registry, so tests
// can construct isolated instances.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	RotationTicks   *prometheus.CounterVec
	Checkins        *prometheus.CounterVec
	CheckinSeconds  prometheus.Histogram

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_sessions_started_total",
			Help: "Total attendance sessions created.",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "presence_sessions_ended_total",
			Help: "Total attendance sessions ended.",
		}),
		RotationTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_rotation_ticks_total",
			Help: "Total credential rotations by status.",
		}, []string{"status"}),
		Checkins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_checkins_total",
			Help: "Total check-in attempts by result.",
		}, []string{"result"}),
		CheckinSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_checkin_duration_seconds",
			Help:    "Check-in handling latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		registry: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
