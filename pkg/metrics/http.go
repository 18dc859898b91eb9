package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_http_requests_total",
			Help: "HTTP requests served, by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hacep_http_request_duration_seconds",
			Help:    "Latency of HTTP requests by route",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "method"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_http_in_flight_requests",
			Help: "HTTP requests currently being served",
		},
	)
)

func init() {
	MustRegister(httpRequestsTotal, httpRequestDurationSeconds, httpInFlight)
}

// InstrumentHTTP counts and times requests to h under route.
func InstrumentHTTP(route string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	h = promhttp.InstrumentHandlerCounter(httpRequestsTotal.MustCurryWith(labels), h)
	h = promhttp.InstrumentHandlerDuration(httpRequestDurationSeconds.MustCurryWith(labels), h)
	return promhttp.InstrumentHandlerInFlight(httpInFlight, h)
}
