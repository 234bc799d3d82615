// Package metrics exposes call, settlement and HTTP metrics in the
// Prometheus exposition format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector used by the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	calls            *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	endpointDuration *prometheus.HistogramVec
	settlements      *prometheus.CounterVec
	rebuilds         prometheus.Counter
	confirmPolls     prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpErrors       *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_calls_total",
			Help: "Total number of agent calls by terminal state.",
		}, []string{"agent", "state"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_call_duration_seconds",
			Help:    "End-to-end call duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent", "state"}),
		endpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_endpoint_duration_seconds",
			Help:    "Agent endpoint invocation latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_settlements_total",
			Help: "Settlement attempts by asset kind and result.",
		}, []string{"asset", "result"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentpay_settlement_rebuilds_total",
			Help: "Settlement plans rebuilt after a stale freshness token or account race.",
		}),
		confirmPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpay_confirmation_polls",
			Help:    "Number of confirmation polls needed per settlement.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calls, m.callDuration, m.endpointDuration, m.settlements,
		m.rebuilds, m.confirmPolls, m.httpRequests, m.httpErrors, m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCall records a finished call.
func (m *Metrics) ObserveCall(agentID, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(agentID, state).Inc()
	m.callDuration.WithLabelValues(agentID, state).Observe(d.Seconds())
}

// ObserveEndpoint records the latency of one endpoint invocation.
func (m *Metrics) ObserveEndpoint(agentID string, d time.Duration) {
	if m == nil {
		return
	}
	m.endpointDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// ObserveSettlement records a settlement result ("confirmed" or "failed").
func (m *Metrics) ObserveSettlement(assetKind, result string, polls int) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(assetKind, result).Inc()
	if polls > 0 {
		m.confirmPolls.Observe(float64(polls))
	}
}

// IncRebuild counts a settlement plan rebuild.
func (m *Metrics) IncRebuild() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
