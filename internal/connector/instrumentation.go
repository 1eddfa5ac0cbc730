package connector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestCounter counts outbound calls by status code and method.
	RequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "connector",
		Name:      "http_requests_total",
		Help:      "total number of outbound http requests",
	},
		[]string{"code", "method"},
	)

	// RequestDuration observes outbound call latency.
	RequestDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "governor",
		Subsystem: "connector",
		Name:      "http_request_duration_seconds",
		Help:      "duration of outbound http requests",
	},
		[]string{"code", "method"},
	)
)

// InstrumentedTransport wraps base with the request counter and duration metrics.
func InstrumentedTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(RequestCounter,
		promhttp.InstrumentRoundTripperDuration(RequestDuration,
			base,
		),
	)
}
