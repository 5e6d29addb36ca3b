package kilat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lesismal/nbio"
)

func newTestFactory(t *testing.T, options ...Option) *Factory {
	t.Helper()
	f, err := New(options...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.Shutdown(ctx)
	})
	return f
}

func TestNewDefaults(t *testing.T) {
	f := newTestFactory(t)

	cfg := f.Config()
	if cfg.MaxResponseSize != DefaultMaxResponseSize {
		t.Errorf("Expected MaxResponseSize %d, got %d", DefaultMaxResponseSize, cfg.MaxResponseSize)
	}
	if !f.Resource().Owned() {
		t.Error("Expected owned execution resource by default")
	}
}

func TestNewBorrowedEngine(t *testing.T) {
	engine := nbio.NewGopher(nbio.Config{Name: "test-borrowed", Network: "tcp"})
	if err := engine.Start(); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	defer engine.Stop()

	f := newTestFactory(t, WithEventLoop(engine))
	if f.Resource().Owned() {
		t.Error("Expected borrowed execution resource with WithEventLoop")
	}

	// Factory shutdown must not touch the caller's engine. The engine is
	// stopped by this test's defer, after the factory is long gone.
	if err := f.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() returned error: %v", err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	f := newTestFactory(t)

	tests := []struct {
		name   string
		uri    string
		method string
	}{
		{"empty uri", "", "GET"},
		{"malformed uri", ":", "GET"},
		{"unsupported scheme", "ftp://example.com", "GET"},
		{"https without tls config", "https://example.com", "GET"},
		{"missing host", "http:///path", "GET"},
		{"empty method", "http://example.com", ""},
		{"unsupported method", "http://example.com", "CONNECT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.CreateRequest(tt.uri, tt.method)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			var clientErr *ClientError
			if !errors.As(err, &clientErr) {
				t.Fatalf("Expected *ClientError, got %T", err)
			}
			if clientErr.Type != ErrorTypeInvalidArgument {
				t.Errorf("Expected type %q, got %q", ErrorTypeInvalidArgument, clientErr.Type)
			}
		})
	}

	// None of the rejected requests may have triggered connector
	// construction.
	if f.boot != nil {
		t.Error("Expected connector to remain unbuilt after validation failures")
	}
}

func TestCreateRequestMethodNormalized(t *testing.T) {
	f := newTestFactory(t)

	r, err := f.CreateRequest("http://example.com/x", " get ")
	if err != nil {
		t.Fatalf("CreateRequest returned error: %v", err)
	}
	if r.Method() != "GET" {
		t.Errorf("Expected method GET, got %q", r.Method())
	}
	if r.State() != StateCreated {
		t.Errorf("Expected state %v, got %v", StateCreated, r.State())
	}
}

func TestGetBootstrapOnce(t *testing.T) {
	f := newTestFactory(t)

	const goroutines = 32
	boots := make([]*bootstrap, goroutines)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			boots[i] = f.getBootstrap()
		}(i)
	}
	start.Done()
	done.Wait()

	for i := 1; i < goroutines; i++ {
		if boots[i] != boots[0] {
			t.Fatalf("Goroutine %d observed a different connector instance", i)
		}
	}
}

func TestCreateRequestSharesConnector(t *testing.T) {
	f := newTestFactory(t)

	r1, err := f.CreateRequest("http://example.com/a", "GET")
	if err != nil {
		t.Fatalf("CreateRequest returned error: %v", err)
	}
	r2, err := f.CreateAsyncRequest("http://example.com/b", "POST")
	if err != nil {
		t.Fatalf("CreateAsyncRequest returned error: %v", err)
	}
	if r1.boot != r2.boot {
		t.Error("Expected both entry points to share one connector instance")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	f, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	const callers = 8
	results := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = f.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res != results[0] {
			t.Errorf("Caller %d got %v, caller 0 got %v", i, res, results[0])
		}
	}

	if _, err := f.CreateRequest("http://example.com", "GET"); !errors.Is(err, ErrFactoryClosed) {
		t.Errorf("Expected ErrFactoryClosed after shutdown, got %v", err)
	}
}

func TestShutdownWithExpiredContext(t *testing.T) {
	f, err := New(WithMaxInFlight(4))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	// Pin a slot so the drain can never finish on its own.
	if err := f.Resource().acquire(); err != nil {
		t.Fatalf("acquire returned error: %v", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Shutdown(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDrainTimeout) {
			t.Errorf("Expected ErrDrainTimeout, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return with an already expired context")
	}
}

func TestShutdownHonorsContextDeadline(t *testing.T) {
	f, err := New(WithShutdownGracePeriod(time.Hour), WithMaxInFlight(4))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	// Pin a slot so the drain cannot finish.
	if err := f.Resource().acquire(); err != nil {
		t.Fatalf("acquire returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = f.Shutdown(ctx)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v despite a 30ms context deadline", elapsed)
	}
	if !errors.Is(err, ErrDrainTimeout) {
		t.Errorf("Expected ErrDrainTimeout, got %v", err)
	}
}
