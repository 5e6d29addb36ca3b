package kilat

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRequestLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	ts := newTestServer(t, cannedHandler(okResponse("measured")))
	f := newTestFactory(t, WithMetricsRegistry(registry))

	for i := 0; i < 3; i++ {
		r, err := f.CreateRequest(ts.URL()+"/", "GET")
		if err != nil {
			t.Fatalf("CreateRequest returned error: %v", err)
		}
		resp, err := r.Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		resp.Release()
	}

	mc := f.metrics
	if got := testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "200")); got != 3 {
		t.Errorf("Expected requests_total{GET,200} = 3, got %v", got)
	}
	if got := testutil.ToFloat64(mc.requestsInFlight); got != 0 {
		t.Errorf("Expected requests_in_flight = 0 after completion, got %v", got)
	}
	if got := testutil.ToFloat64(mc.channelsDialed.WithLabelValues("http")); got != 1 {
		t.Errorf("Expected channels_dialed_total{http} = 1, got %v", got)
	}
	if got := testutil.ToFloat64(mc.channelsReused.WithLabelValues("http")); got != 2 {
		t.Errorf("Expected channels_reused_total{http} = 2, got %v", got)
	}
}

func TestMetricsErrorOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	ts := newTestServer(t, stallHandler)
	f := newTestFactory(t, WithMetricsRegistry(registry))

	r, err := f.CreateAsyncRequest(ts.URL()+"/", "GET")
	if err != nil {
		t.Fatalf("CreateAsyncRequest returned error: %v", err)
	}
	com, err := r.Dispatch()
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	r.Cancel()
	com.Response()

	mc := f.metrics
	if got := testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "error")); got != 1 {
		t.Errorf("Expected requests_total{GET,error} = 1, got %v", got)
	}
	if got := testutil.ToFloat64(mc.errorsTotal.WithLabelValues(ErrorTypeCancelled)); got != 1 {
		t.Errorf("Expected errors_total{%s} = 1, got %v", ErrorTypeCancelled, got)
	}
	if got := testutil.ToFloat64(mc.requestsInFlight); got != 0 {
		t.Errorf("Expected requests_in_flight = 0 after failure, got %v", got)
	}
}

func TestMetricsSharedCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)

	f1 := newTestFactory(t, WithMetricsCollector(mc))
	f2 := newTestFactory(t, WithMetricsCollector(mc))

	if f1.metrics != mc || f2.metrics != mc {
		t.Error("Expected both factories to share the supplied collector")
	}
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"client error", newClientError(ErrorTypeSizeLimit, "too big", nil), ErrorTypeSizeLimit},
		{"wrapped client error", newClientError(ErrorTypeConnection, "dial failed", ErrResourceExhausted), ErrorTypeConnection},
		{"plain error", context.Canceled, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(tt.err); got != tt.want {
				t.Errorf("Expected label %q, got %q", tt.want, got)
			}
		})
	}
}
