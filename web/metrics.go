package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"locator-go/fusion"
)

// Metrics implements server.Observer on a dedicated Prometheus registry.
type Metrics struct {
	registry   *prometheus.Registry
	ingests    *prometheus.CounterVec
	locates    *prometheus.CounterVec
	duration   prometheus.Histogram
	iterations prometheus.Histogram
	hdop       prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_readings_ingested_total",
				Help: "Readings received, by result",
			},
			[]string{"result"},
		),
		locates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_locates_total",
				Help: "Location solves, by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locator_locate_duration_seconds",
			Help:    "Duration of location solves",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locator_solver_iterations",
			Help:    "Levenberg-Marquardt iterations per successful solve",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 100},
		}),
		hdop: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locator_fix_hdop",
			Help:    "Horizontal dilution of precision of successful fixes",
			Buckets: []float64{0.5, 1, 1.5, 2, 3, 5, 10, 20, fusion.HDOPMax},
		}),
	}
	m.registry.MustRegister(m.ingests, m.locates, m.duration, m.iterations, m.hdop)
	return m
}

// RegisterHubGauge exposes the websocket client count.
func (m *Metrics) RegisterHubGauge(h *Hub) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "locator_ws_clients",
			Help: "Connected websocket clients",
		},
		func() float64 { return float64(h.Clients()) },
	))
}

func (m *Metrics) ObserveIngest(err error) {
	m.ingests.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) ObserveLocate(est fusion.PositionEstimate, elapsed time.Duration, err error) {
	m.locates.WithLabelValues(resultLabel(err)).Inc()
	m.duration.Observe(elapsed.Seconds())
	if err == nil {
		m.iterations.Observe(float64(est.Iterations))
		m.hdop.Observe(est.HDOP)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fusion.ErrInsufficientAnchors):
		return "insufficient_anchors"
	case errors.Is(err, fusion.ErrConfiguration):
		return "configuration"
	case errors.Is(err, fusion.ErrNumericDivergence):
		return "diverged"
	default:
		return classify(err)
	}
}
