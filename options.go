package kilat

import (
	"crypto/tls"
	"time"

	"github.com/lesismal/nbio"
	"github.com/prometheus/client_golang/prometheus"
)

// WithMaxResponseSize caps the aggregated response message size.
func WithMaxResponseSize(n int) Option {
	return func(f *Factory) {
		f.cfg.MaxResponseSize = n
	}
}

// WithMaxHeaderSize caps the cumulative response header block.
func WithMaxHeaderSize(n int) Option {
	return func(f *Factory) {
		f.cfg.MaxHeaderSize = n
	}
}

// WithInitialLineLength caps the response status line.
func WithInitialLineLength(n int) Option {
	return func(f *Factory) {
		f.cfg.InitialLineLength = n
	}
}

// WithMaxChunkSize caps a single transfer-encoding chunk.
func WithMaxChunkSize(n int) Option {
	return func(f *Factory) {
		f.cfg.MaxChunkSize = n
	}
}

// WithDialTimeout bounds connection establishment, TLS handshake included.
func WithDialTimeout(d time.Duration) Option {
	return func(f *Factory) {
		f.cfg.DialTimeout = d
	}
}

// WithShutdownGracePeriod bounds the drain wait during Shutdown of an owned
// event loop.
func WithShutdownGracePeriod(d time.Duration) Option {
	return func(f *Factory) {
		f.cfg.ShutdownGracePeriod = d
	}
}

// WithMaxInFlight caps concurrently executing requests. Requests beyond the
// cap fail fast with ResourceExhausted instead of queueing.
func WithMaxInFlight(n int) Option {
	return func(f *Factory) {
		f.cfg.MaxInFlight = n
	}
}

// WithMaxIdlePerHost bounds the idle connection pool per host.
func WithMaxIdlePerHost(n int) Option {
	return func(f *Factory) {
		f.cfg.MaxIdlePerHost = n
	}
}

// WithTLSConfig sets the TLS context. When configured, a TLS stage heads
// the pipeline of every https channel. Without it, https targets are
// rejected at request creation.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(f *Factory) {
		f.cfg.TLSConfig = cfg
	}
}

// WithBufferAllocator sets a custom buffer allocator. Hard precondition:
// the allocator must be safe for concurrent use or externally synchronized.
func WithBufferAllocator(alloc BufferAllocator) Option {
	return func(f *Factory) {
		f.cfg.Allocator = alloc
	}
}

// WithPooledAllocator switches response aggregation to size-classed buffer
// pooling.
func WithPooledAllocator() Option {
	return func(f *Factory) {
		f.cfg.Allocator = PooledAllocator{}
	}
}

// WithEventLoop supplies a caller-owned, already started engine, putting
// the factory in borrowed mode: Shutdown will never stop this engine,
// teardown remains the caller's responsibility. Useful for sharing one
// event loop across multiple factories.
func WithEventLoop(engine *nbio.Gopher) Option {
	return func(f *Factory) {
		f.borrowedEngine = engine
	}
}

// WithLogger sets a custom logger. Without one the factory stays silent.
func WithLogger(logger Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithSimpleLogger enables a plain console logger.
func WithSimpleLogger() Option {
	return func(f *Factory) {
		f.logger = NewSimpleLogger()
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(f *Factory) {
		f.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry enables Prometheus metrics on the supplied registerer.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(f *Factory) {
		f.metrics = NewMetricsCollectorWithRegistry(registry)
	}
}

// WithMetricsCollector sets a pre-built collector, allowing several
// factories to share one set of metric vectors.
func WithMetricsCollector(mc *MetricsCollector) Option {
	return func(f *Factory) {
		f.metrics = mc
	}
}
