package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall("summarizer", "Receipted", 120*time.Millisecond)
	m.ObserveCall("summarizer", "Receipted", 80*time.Millisecond)
	m.ObserveCall("summarizer", "OutputRejected", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.calls.WithLabelValues("summarizer", "Receipted")); got != 2 {
		t.Fatalf("expected 2 receipted calls, got %v", got)
	}
	if got := testutil.CollectAndCount(m.callDuration); got != 2 {
		t.Fatalf("expected 2 duration series, got %d", got)
	}
}

func TestObserveSettlementAndRebuild(t *testing.T) {
	m := New()
	m.ObserveSettlement("token", "confirmed", 3)
	m.ObserveSettlement("token", "failed", 0)
	m.IncRebuild()

	if got := testutil.ToFloat64(m.settlements.WithLabelValues("token", "confirmed")); got != 1 {
		t.Fatalf("unexpected confirmed count %v", got)
	}
	if got := testutil.ToFloat64(m.rebuilds); got != 1 {
		t.Fatalf("unexpected rebuild count %v", got)
	}
}

func TestObserveHTTPRequestCountsServerErrors(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/calls", http.MethodPost, 200, time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/calls", http.MethodPost, 502, time.Millisecond)

	if got := testutil.ToFloat64(m.httpErrors.WithLabelValues("/api/v1/calls", http.MethodPost)); got != 1 {
		t.Fatalf("expected one server error, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveCall("summarizer", "Receipted", time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `agentpay_calls_total{agent="summarizer",state="Receipted"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCall("a", "b", time.Second)
	m.ObserveEndpoint("a", time.Second)
	m.ObserveSettlement("native", "confirmed", 1)
	m.IncRebuild()
	m.ObserveHTTPRequest("/", http.MethodGet, 200, time.Second)
	if m.Registry() != nil {
		t.Fatalf("nil metrics has no registry")
	}
}
