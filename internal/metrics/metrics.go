// Package metrics exposes gateway activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/guac"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "sessions",
			Name:      "events_total",
			Help:      "Session lifecycle events.",
		},
		[]string{"type", "kind"},
	)
	tunnelTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "tunnel",
			Name:      "transitions_total",
			Help:      "Display tunnel state transitions.",
		},
		[]string{"from", "to"},
	)
	tunnelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "tunnel",
			Name:      "active",
			Help:      "Display tunnels not yet closed.",
		},
	)
	fileOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "files",
			Name:      "operations_total",
			Help:      "Side channel file operations.",
		},
		[]string{"op", "success"},
	)
	fileOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "files",
			Name:      "operation_duration_seconds",
			Help:      "Side channel file operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	activeOnce sync.Once
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionEvents, tunnelTransitions, tunnelsOpen, fileOps, fileOpDuration, httpRequests, httpDuration)
	})
}

// TrackActiveSessions exports count as the number of live sessions. Only the
// first call registers.
func TrackActiveSessions(count func() int) {
	activeOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Sessions held in the registry.",
			},
			func() float64 { return float64(count()) },
		))
	})
}

// RecordSessionEvent counts ev. It matches sessions.EventListener.
func RecordSessionEvent(ev sessions.Event) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(string(ev.Type), string(ev.Kind)).Inc()
}

// RecordTunnelTransition counts a display tunnel state change.
func RecordTunnelTransition(from, to guac.State) {
	RegisterMetrics()
	tunnelTransitions.WithLabelValues(from.String(), to.String()).Inc()
	switch {
	case from == guac.StateConnecting && to != guac.StateClosed:
		tunnelsOpen.Inc()
	case to == guac.StateClosed && from != guac.StateConnecting:
		tunnelsOpen.Dec()
	}
}

// RecordFileOp records one side channel operation.
func RecordFileOp(op string, elapsed time.Duration, err error) {
	RegisterMetrics()
	fileOps.WithLabelValues(op, strconv.FormatBool(err == nil)).Inc()
	fileOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// Middleware records every request under its chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordHTTPRequest(r.Method, path, status, time.Since(start))
	})
}
