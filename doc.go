// Package kilat provides an asynchronous HTTP client request factory backed
// by a shared non-blocking event loop:
//
//   - One factory owns (or borrows) a single event-loop engine shared by all
//     of its requests
//   - Per-connection pipeline: optional TLS, an HTTP/1.1 response codec with
//     line/header/chunk limits, and a whole-message aggregator with a total
//     size cap
//   - A connector ("bootstrap") built lazily, exactly once, and reused by
//     every request
//   - Single-use Request objects resolved either blocking (Execute) or
//     future-style (Dispatch), with cancellation at any point before
//     completion
//   - Per-host connection reuse, pluggable buffer allocation and Prometheus
//     metrics
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Borrowed event loops are never shut down by the factory; the
//     owned/borrowed distinction is encoded in the resource type itself
//   - Safe concurrent use of a single *Factory instance
//   - Deterministic resource release: a request that fails, is cancelled or
//     completes always returns its connection to the pool or closes it
//
// Typical usage:
//
//	factory, err := kilat.New(
//	    kilat.WithMaxResponseSize(4<<20),
//	    kilat.WithTLSConfig(&tls.Config{}),
//	    kilat.WithPooledAllocator(),
//	)
//	if err != nil {
//	    // invalid configuration is rejected here, never at first request
//	}
//	defer factory.Shutdown(context.Background())
//
//	req, err := factory.CreateRequest("https://api.example.com/data", "GET")
//	resp, err := req.Execute(context.Background())
//
// The wire-level HTTP parsing and the event loop itself are delegated to
// external machinery (lesismal/nbio and the stdlib codec facilities); kilat
// is the configuration, lifecycle and resource-sharing layer on top.
package kilat
