package kilat

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lesismal/nbio"
)

// ExecutionResource is the shared event-loop engine all channels of a
// factory run on, together with the ownership mode fixed at construction.
// Owned resources are created, started and eventually drained and stopped
// by the factory. Borrowed resources wrap a caller-supplied engine; the
// borrowed shutdown path has no teardown code at all, so the factory is
// structurally incapable of stopping an engine it does not own.
type ExecutionResource struct {
	engine *nbio.Gopher
	owned  bool

	maxInFlight int64
	inflight    int64 // atomic

	bindOnce sync.Once
}

// newOwnedResource creates and starts a dedicated engine sized at twice the
// available parallelism.
func newOwnedResource(maxInFlight int) (*ExecutionResource, error) {
	engine := nbio.NewGopher(nbio.Config{
		Name:    "kilat",
		Network: "tcp",
		NPoller: runtime.GOMAXPROCS(0) * 2,
	})
	r := &ExecutionResource{
		engine:      engine,
		owned:       true,
		maxInFlight: int64(maxInFlight),
	}
	r.bindHandlers()
	if err := engine.Start(); err != nil {
		return nil, newClientError(ErrorTypeConnection, "failed to start event loop", err)
	}
	return r, nil
}

// newBorrowedResource wraps a caller-owned engine. The engine must already
// be started, and the caller remains responsible for stopping it.
//
// Precondition: the engine is dedicated to kilat channels or at least
// tolerates kilat's data/close handlers being installed on it; dispatch is
// keyed on the per-connection session, so foreign connections with their
// own session types are left untouched.
func newBorrowedResource(engine *nbio.Gopher, maxInFlight int) *ExecutionResource {
	r := &ExecutionResource{
		engine:      engine,
		owned:       false,
		maxInFlight: int64(maxInFlight),
	}
	r.bindHandlers()
	return r
}

// Owned reports whether the factory created the engine and will stop it on
// Shutdown.
func (r *ExecutionResource) Owned() bool { return r.owned }

// bindHandlers installs the session dispatch exactly once. Inbound bytes
// and close events are routed to the channel stored in the connection's
// session slot.
func (r *ExecutionResource) bindHandlers() {
	r.bindOnce.Do(func() {
		r.engine.OnData(func(c *nbio.Conn, data []byte) {
			if ch, ok := c.Session().(*channel); ok {
				ch.feed(data)
			}
		})
		r.engine.OnClose(func(c *nbio.Conn, err error) {
			if ch, ok := c.Session().(*channel); ok {
				ch.onTransportClosed(err)
			}
		})
	})
}

// acquire reserves an in-flight slot, failing fast when the resource is
// saturated rather than queueing the request.
func (r *ExecutionResource) acquire() error {
	n := atomic.AddInt64(&r.inflight, 1)
	if r.maxInFlight > 0 && n > r.maxInFlight {
		atomic.AddInt64(&r.inflight, -1)
		return newClientError(ErrorTypeResourceExhausted, "in-flight request limit reached", ErrResourceExhausted)
	}
	return nil
}

// release frees an in-flight slot.
func (r *ExecutionResource) release() {
	atomic.AddInt64(&r.inflight, -1)
}

// InFlight returns the number of requests currently holding a slot.
func (r *ExecutionResource) InFlight() int {
	return int(atomic.LoadInt64(&r.inflight))
}

// shutdown drains and stops an owned engine. It blocks until every
// in-flight request released its slot or the grace period elapsed; on
// timeout the engine is stopped anyway, force-terminating whatever is left,
// and ErrDrainTimeout is reported. For borrowed resources shutdown is a
// no-op: teardown of the engine stays with the caller.
func (r *ExecutionResource) shutdown(grace time.Duration) error {
	if !r.owned {
		return nil
	}
	deadline := time.Now().Add(grace)
	for atomic.LoadInt64(&r.inflight) > 0 {
		if !time.Now().Before(deadline) {
			r.engine.Stop()
			return newClientError(ErrorTypeShutdown, "in-flight requests did not drain within grace period", ErrDrainTimeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
	r.engine.Stop()
	return nil
}
