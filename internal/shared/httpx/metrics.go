package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ctxKeyRoute struct{}

type routeHolder struct {
	route string
}

func WithRoute(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := r.Context().Value(ctxKeyRoute{}).(*routeHolder); ok && h != nil {
			h.route = route
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyRoute{}, &routeHolder{route: route})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Metrics records request counts and latency per route. Routes are labelled
// with the pattern passed to WithRoute, falling back to "other" so unmatched
// paths cannot blow up label cardinality. Upgraded websocket sessions are
// tracked by a gauge instead of the latency histogram, which they would skew.
type Metrics struct {
	reqTotal    *prometheus.CounterVec
	reqLatency  *prometheus.HistogramVec
	req5xxTotal prometheus.Counter
	wsSessions  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reqTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"route", "method", "status"},
		),
		req5xxTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "http_requests_5xx_total",
				Help: "Total number of HTTP 5xx responses.",
			},
		),
		reqLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds, websocket sessions excluded.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		wsSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_websocket_sessions",
				Help: "Websocket sessions currently open.",
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(m.reqTotal, m.reqLatency, m.req5xxTotal, m.wsSessions)
	return m
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		holder := &routeHolder{route: "other"}
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRoute{}, holder))

		start := time.Now()
		mw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mw.onHijack = func() {
			m.wsSessions.WithLabelValues(holder.route).Inc()
		}

		next.ServeHTTP(mw, r)

		route := holder.route
		m.reqTotal.WithLabelValues(route, r.Method, strconv.Itoa(mw.status)).Inc()
		if mw.status == http.StatusSwitchingProtocols {
			// The handler returns when the session ends.
			m.wsSessions.WithLabelValues(route).Dec()
			return
		}
		m.reqLatency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		if mw.status >= 500 {
			m.req5xxTotal.Inc()
		}
	})
}
