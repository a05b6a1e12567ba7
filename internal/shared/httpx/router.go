package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes is implemented by every handler group mounted on the router.
type Routes interface {
	Register(mux *http.ServeMux)
}

// NewRouter mounts health probes and the given routes. When reg is non-nil the
// router also serves /metrics from it and records per-route request metrics.
func NewRouter(log *slog.Logger, reg *prometheus.Registry, routes ...Routes) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	for _, rt := range routes {
		rt.Register(mux)
	}

	var h http.Handler = mux
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		h = NewMetrics(reg).Middleware(h)
	}
	h = AccessLog(log)(h)
	h = RequestID(h)

	return h
}

// Handle registers h under pattern and labels its metrics with the pattern.
func Handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, WithRoute(pattern, h))
}
