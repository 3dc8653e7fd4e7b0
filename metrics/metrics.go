// Package metrics exposes Prometheus instrumentation for the download
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts pipeline sessions by kind: "split",
	// "combined" or "audio".
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offtube",
		Subsystem: "pipeline",
		Name:      "sessions_started_total",
		Help:      "Download sessions started, by plan kind.",
	}, []string{"kind"})

	// SessionErrors counts terminal session failures by stage: "fetch",
	// "mux", "relay" or "http".
	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offtube",
		Subsystem: "pipeline",
		Name:      "session_errors_total",
		Help:      "Terminal session errors, by pipeline stage.",
	}, []string{"stage"})

	// BytesRelayed totals output bytes handed to clients.
	BytesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "offtube",
		Subsystem: "pipeline",
		Name:      "bytes_relayed_total",
		Help:      "Bytes of media output delivered to clients.",
	})

	// InfoRequests counts metadata lookups and whether the TTL cache
	// answered them.
	InfoRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offtube",
		Subsystem: "api",
		Name:      "info_requests_total",
		Help:      "Video info lookups, by cache outcome.",
	}, []string{"cache"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
