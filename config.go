package kilat

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// Default configuration values, matching common client-codec defaults.
const (
	// DefaultMaxResponseSize caps the aggregated response message.
	DefaultMaxResponseSize = 10 * 1024 * 1024

	// DefaultMaxHeaderSize caps the cumulative size of the header block.
	DefaultMaxHeaderSize = 8192

	// DefaultInitialLineLength caps the response status line.
	DefaultInitialLineLength = 4096

	// DefaultMaxChunkSize caps a single transfer-encoding chunk.
	DefaultMaxChunkSize = 8192

	// DefaultDialTimeout bounds connection establishment.
	DefaultDialTimeout = 10 * time.Second

	// DefaultShutdownGracePeriod bounds the drain wait on Shutdown of an
	// owned execution resource.
	DefaultShutdownGracePeriod = 15 * time.Second

	// DefaultMaxIdlePerHost bounds the per-host idle connection pool.
	DefaultMaxIdlePerHost = 4
)

// FactoryConfig is the immutable configuration snapshot taken at New time.
// The bootstrap and every pipeline are pure functions of this value; it is
// never mutated after construction.
type FactoryConfig struct {
	// MaxResponseSize is the aggregator's cap on the whole response message
	// body. Responses exceeding it fail with ErrorTypeSizeLimit before
	// reaching StateCompleted.
	MaxResponseSize int

	// MaxHeaderSize caps the cumulative response header block.
	MaxHeaderSize int

	// InitialLineLength caps the response status line.
	InitialLineLength int

	// MaxChunkSize caps a single chunk in chunked transfer encoding.
	MaxChunkSize int

	// DialTimeout bounds connection establishment including, for TLS
	// channels, the handshake.
	DialTimeout time.Duration

	// ShutdownGracePeriod bounds how long Shutdown waits for in-flight
	// requests on an owned execution resource before force-terminating.
	ShutdownGracePeriod time.Duration

	// MaxInFlight caps concurrently executing requests; 0 means unlimited.
	// Requests beyond the cap fail with ErrorTypeResourceExhausted instead
	// of queueing.
	MaxInFlight int

	// MaxIdlePerHost bounds the idle connection pool per host:port key.
	MaxIdlePerHost int

	// TLSConfig, when set, inserts a TLS stage at the head of every
	// pipeline built for an https target. Nil leaves TLS off and rejects
	// https URIs.
	TLSConfig *tls.Config

	// Allocator supplies response aggregation buffers. Must be safe for
	// concurrent use.
	Allocator BufferAllocator
}

func defaultConfig() FactoryConfig {
	return FactoryConfig{
		MaxResponseSize:     DefaultMaxResponseSize,
		MaxHeaderSize:       DefaultMaxHeaderSize,
		InitialLineLength:   DefaultInitialLineLength,
		MaxChunkSize:        DefaultMaxChunkSize,
		DialTimeout:         DefaultDialTimeout,
		ShutdownGracePeriod: DefaultShutdownGracePeriod,
		MaxIdlePerHost:      DefaultMaxIdlePerHost,
		Allocator:           UnpooledAllocator{},
	}
}

// validate rejects impossible configurations at construction time so that
// the first request never trips over them.
func (c FactoryConfig) validate() error {
	var problems []string

	if c.MaxResponseSize < 0 {
		problems = append(problems, fmt.Sprintf("MaxResponseSize must be >= 0, got %d", c.MaxResponseSize))
	}
	if c.MaxHeaderSize <= 0 {
		problems = append(problems, fmt.Sprintf("MaxHeaderSize must be > 0, got %d", c.MaxHeaderSize))
	}
	if c.InitialLineLength <= 0 {
		problems = append(problems, fmt.Sprintf("InitialLineLength must be > 0, got %d", c.InitialLineLength))
	}
	if c.MaxChunkSize <= 0 {
		problems = append(problems, fmt.Sprintf("MaxChunkSize must be > 0, got %d", c.MaxChunkSize))
	}
	if c.MaxInFlight < 0 {
		problems = append(problems, fmt.Sprintf("MaxInFlight must be >= 0, got %d", c.MaxInFlight))
	}
	if c.MaxIdlePerHost < 0 {
		problems = append(problems, fmt.Sprintf("MaxIdlePerHost must be >= 0, got %d", c.MaxIdlePerHost))
	}
	if c.DialTimeout < 0 {
		problems = append(problems, fmt.Sprintf("DialTimeout must be >= 0, got %v", c.DialTimeout))
	}
	if c.ShutdownGracePeriod < 0 {
		problems = append(problems, fmt.Sprintf("ShutdownGracePeriod must be >= 0, got %v", c.ShutdownGracePeriod))
	}
	if c.Allocator == nil {
		problems = append(problems, "Allocator must not be nil")
	}

	if len(problems) > 0 {
		return newClientError(ErrorTypeInvalidArgument,
			"invalid factory configuration: "+strings.Join(problems, "; "), nil)
	}
	return nil
}
