package kilat

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lesismal/nbio"
)

// Factory creates single-use Requests that share one event-loop execution
// resource and one lazily built connector. A Factory is safe for concurrent
// use; configuration is fixed at construction.
type Factory struct {
	cfg     FactoryConfig
	res     *ExecutionResource
	logger  Logger
	metrics *MetricsCollector

	// construction-time stash for WithEventLoop; nil means owned mode
	borrowedEngine *nbio.Gopher

	bootOnce sync.Once
	boot     *bootstrap

	closed       int32 // atomic
	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// New constructs a factory from the supplied options. Invalid configuration
// (negative size limits, nil allocator) is rejected here, never deferred to
// the first request. In owned mode the event loop is created and started
// here; in borrowed mode (WithEventLoop) the caller's engine is wrapped and
// never shut down by this factory.
func New(options ...Option) (*Factory, error) {
	f := &Factory{
		cfg:          defaultConfig(),
		shutdownDone: make(chan struct{}),
	}
	for _, option := range options {
		option(f)
	}

	if err := f.cfg.validate(); err != nil {
		return nil, err
	}

	if f.borrowedEngine != nil {
		f.res = newBorrowedResource(f.borrowedEngine, f.cfg.MaxInFlight)
	} else {
		res, err := newOwnedResource(f.cfg.MaxInFlight)
		if err != nil {
			return nil, err
		}
		f.res = res
	}

	if f.logger != nil {
		f.logger.Info("factory ready (owned_loop=%v, max_response=%d)", f.res.Owned(), f.cfg.MaxResponseSize)
	}
	return f, nil
}

// Config returns the immutable configuration snapshot.
func (f *Factory) Config() FactoryConfig { return f.cfg }

// Resource returns the factory's execution resource.
func (f *Factory) Resource() *ExecutionResource { return f.res }

// CreateRequest validates the target and returns a blocking-style Request;
// resolve it with Execute. The first successful call builds the connector.
func (f *Factory) CreateRequest(uri, method string) (*Request, error) {
	return f.createRequestInternal(uri, method)
}

// CreateAsyncRequest validates the target and returns a future-style
// Request; resolve it with Dispatch. It routes through the identical
// connector as CreateRequest and produces a structurally identical Request;
// the two entry points differ only in how completion is meant to be
// observed.
func (f *Factory) CreateAsyncRequest(uri, method string) (*Request, error) {
	return f.createRequestInternal(uri, method)
}

func (f *Factory) createRequestInternal(uri, method string) (*Request, error) {
	if f.isClosed() {
		return nil, newClientError(ErrorTypeShutdown, "factory is shut down", ErrFactoryClosed)
	}

	// Validation precedes getBootstrap so that a bad argument never
	// triggers connector construction.
	u, method, err := f.validateTarget(uri, method)
	if err != nil {
		return nil, err
	}

	return &Request{
		factory: f,
		boot:    f.getBootstrap(),
		url:     u,
		method:  method,
		header:  make(Header),
		done:    make(chan struct{}),
	}, nil
}

func (f *Factory) validateTarget(uri, method string) (*url.URL, string, error) {
	if uri == "" {
		return nil, "", newClientError(ErrorTypeInvalidArgument, "uri must not be empty", nil)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", newClientError(ErrorTypeInvalidArgument, "malformed uri "+uri, err)
	}
	switch u.Scheme {
	case "http":
	case "https":
		if f.cfg.TLSConfig == nil {
			return nil, "", newClientError(ErrorTypeInvalidArgument, "https target requires a TLS context (WithTLSConfig)", nil)
		}
	default:
		return nil, "", newClientError(ErrorTypeInvalidArgument, "unsupported scheme "+u.Scheme, nil)
	}
	if u.Host == "" {
		return nil, "", newClientError(ErrorTypeInvalidArgument, "uri has no host: "+uri, nil)
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if !supportedMethods[method] {
		return nil, "", newClientError(ErrorTypeInvalidArgument, "unsupported method "+method, nil)
	}
	return u, method, nil
}

// getBootstrap returns the cached connector, constructing it exactly once.
// Concurrent first callers all observe the same fully built instance.
func (f *Factory) getBootstrap() *bootstrap {
	f.bootOnce.Do(func() {
		f.boot = newBootstrap(f)
	})
	return f.boot
}

// Shutdown closes the factory: new requests are rejected immediately and,
// in owned mode, the event loop is drained within the configured grace
// period (bounded further by ctx) and stopped; remaining work is forcibly
// terminated and ErrDrainTimeout reported if the drain times out. In
// borrowed mode the engine is untouched; its teardown stays with the
// caller. Idempotent: concurrent calls collapse into one shutdown and all
// return its result.
func (f *Factory) Shutdown(ctx context.Context) error {
	f.shutdownOnce.Do(func() {
		atomic.StoreInt32(&f.closed, 1)

		grace := f.cfg.ShutdownGracePeriod
		if deadline, ok := ctx.Deadline(); ok {
			if until := time.Until(deadline); until < grace {
				grace = until
			}
		}
		if grace < 0 {
			// Expired context: force-stop immediately instead of waiting.
			grace = 0
		}

		f.closeIdleChannels()
		f.shutdownErr = f.res.shutdown(grace)
		if f.shutdownErr != nil {
			// Drain timed out. Stopping the engine only reached event-loop
			// connections; goroutine-mode channels are closed here.
			f.getBootstrap().closeDirectChannels()
		}

		if f.logger != nil {
			if f.shutdownErr != nil {
				f.logger.Error("shutdown finished with error: %v", f.shutdownErr)
			} else {
				f.logger.Info("shutdown complete")
			}
		}
		close(f.shutdownDone)
	})
	<-f.shutdownDone
	return f.shutdownErr
}

// closeIdleChannels empties every host pool. In-flight channels are owned
// by their requests and drain through the resource instead.
func (f *Factory) closeIdleChannels() {
	// Going through getBootstrap keeps this race-free against a concurrent
	// first request; construction itself performs no I/O.
	boot := f.getBootstrap()
	boot.pools.Range(func(_ string, pool *hostPool) bool {
		pool.mu.Lock()
		idle := pool.idle
		pool.idle = nil
		pool.mu.Unlock()
		for _, ch := range idle {
			ch.close()
		}
		return true
	})
}

func (f *Factory) isClosed() bool {
	return atomic.LoadInt32(&f.closed) != 0
}
