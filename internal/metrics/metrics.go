// Package metrics holds the Prometheus collectors shared by the server.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_http_requests_total",
			Help: "Total count of HTTP requests received.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portfolio_http_request_duration_seconds",
			Help:    "Histogram of request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portfolio_http_inflight_requests",
			Help: "Number of requests currently being handled.",
		},
	)
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portfolio_ws_connections",
			Help: "Current number of active chat websocket connections.",
		},
	)
	chatSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_chat_sessions_started_total",
			Help: "Total chat sessions started.",
		},
	)
	chatMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_chat_messages_sent_total",
			Help: "Total chat messages written, by sender role.",
		},
		[]string{"role"},
	)
	likeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_like_operations_total",
			Help: "Like, unlike, dislike and react operations by outcome.",
		},
		[]string{"op", "result"},
	)
	activeDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portfolio_active_devices",
			Help: "Devices with a cached like reconciler.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequests, httpDuration, httpInFlight,
		wsConnections, chatSessions, chatMessages,
		likeOperations, activeDevices,
	)
}

func IncConnections() {
	wsConnections.Inc()
}

func DecConnections() {
	wsConnections.Dec()
}

func SessionStarted() {
	chatSessions.Inc()
}

func MessageSent(role string) {
	chatMessages.WithLabelValues(role).Inc()
}

// LikeOperation records one reconciler operation; result is "ok", "skipped",
// "identity_error" or "remote_error".
func LikeOperation(op, result string) {
	likeOperations.WithLabelValues(op, result).Inc()
}

func SetActiveDevices(n int) {
	activeDevices.Set(float64(n))
}

// Handler exposes /metrics using the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps next with request counters and latency histograms.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start).Seconds()

		labels := []string{r.Method, sanitizePath(r.URL.Path), strconv.Itoa(rec.status)}
		httpRequests.WithLabelValues(labels...).Inc()
		httpDuration.WithLabelValues(labels...).Observe(elapsed)
	})
}

// sanitizePath keeps at most the first three segments to bound label cardinality.
func sanitizePath(p string) string {
	clean := path.Clean(p)
	if clean == "" || clean == "." {
		return "/"
	}

	segments := strings.Split(clean, "/")
	if len(segments) > 4 {
		segments = append(segments[:4], "...")
	}

	res := strings.Join(segments, "/")
	if !strings.HasPrefix(res, "/") {
		res = "/" + res
	}
	return res
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
