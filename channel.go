package kilat

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lesismal/nbio"
)

// channel is one connection plus its pipeline instance. Plaintext channels
// live on the shared event loop and receive bytes through the engine's data
// callback; TLS channels run a dedicated reader goroutine over the
// handshaken crypto/tls connection. A channel serves at most one request at
// a time and either returns to the per-host idle pool or closes when that
// request reaches a terminal state.
type channel struct {
	key    string
	scheme string
	boot   *bootstrap

	nc *nbio.Conn // event-loop mode
	tc net.Conn   // goroutine mode (TLS)

	// pipeMu serializes pipeline access: the transport delivers bytes from
	// its own goroutine while the next request of a pooled channel resets
	// the pipeline from the request goroutine.
	pipeMu sync.Mutex
	pipe   *pipeline

	mu  sync.Mutex
	req *Request

	closed int32 // atomic
}

// attach binds the request about to use this channel and resets the
// pipeline for its response.
func (ch *channel) attach(r *Request) {
	// Both under pipeMu so bytes still in flight from the previous use
	// cannot observe the new request against the old pipeline state.
	ch.pipeMu.Lock()
	ch.mu.Lock()
	ch.req = r
	ch.mu.Unlock()
	ch.pipe.reset(r.method)
	ch.pipeMu.Unlock()
}

// detach unbinds and returns the current request, if any.
func (ch *channel) detach() *Request {
	ch.mu.Lock()
	r := ch.req
	ch.req = nil
	ch.mu.Unlock()
	return r
}

// write sends bytes on the underlying connection.
func (ch *channel) write(p []byte) error {
	if atomic.LoadInt32(&ch.closed) != 0 {
		return newClientError(ErrorTypeConnection, "write on closed channel", net.ErrClosed)
	}
	var err error
	if ch.nc != nil {
		_, err = ch.nc.Write(p)
	} else {
		_, err = ch.tc.Write(p)
	}
	if err != nil {
		return newClientError(ErrorTypeConnection, "write failed", err)
	}
	return nil
}

// feed pushes inbound bytes through the pipeline. Called from the event
// loop or the TLS reader goroutine; delivery per connection is serialized
// by the transport, but feed can still race a repooled channel's next
// attach, hence the lock.
func (ch *channel) feed(data []byte) {
	ch.pipeMu.Lock()
	ch.pipe.feed(data)
	ch.pipeMu.Unlock()
}

// deliver hands a fully aggregated response to the owning request. The
// channel is disposed of (repooled or closed) before the completion becomes
// observable, so a completed request never leaks its connection.
func (ch *channel) deliver(resp *Response) {
	r := ch.detach()
	if r == nil {
		ch.close()
		return
	}
	reuse := resp.reusable(ch.pipe.bodyDelimited())
	won := r.succeed(resp, func() {
		if reuse && atomic.LoadInt32(&ch.closed) == 0 {
			ch.boot.releaseChannel(ch)
		} else {
			ch.close()
		}
	})
	if !won {
		// Cancellation got there first; its terminate path closed us, but
		// make it deterministic either way.
		ch.close()
	}
}

// decodeFailed reports an unrecoverable decode or size-limit error. The
// connection closes before the failure surfaces to the caller.
func (ch *channel) decodeFailed(err error) {
	r := ch.detach()
	ch.close()
	if r != nil {
		r.terminate(err)
	}
}

// onTransportClosed runs when the peer or the engine closed the connection.
// A close-delimited body completes here; any other in-flight decode fails.
func (ch *channel) onTransportClosed(cause error) {
	atomic.StoreInt32(&ch.closed, 1)
	ch.deregister()
	ch.pipeMu.Lock()
	ch.pipe.transportEOF()
	ch.pipeMu.Unlock()
	if r := ch.detach(); r != nil {
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		r.terminate(r.newRequestError(ErrorTypeConnection, "connection closed", cause))
	}
}

// close shuts the underlying connection down. Idempotent.
func (ch *channel) close() {
	if !atomic.CompareAndSwapInt32(&ch.closed, 0, 1) {
		return
	}
	ch.deregister()
	if ch.nc != nil {
		ch.nc.Close()
	} else if ch.tc != nil {
		ch.tc.Close()
	}
}

// deregister drops a goroutine-mode channel from the connector's live set.
// Event-loop channels are tracked by the engine itself.
func (ch *channel) deregister() {
	if ch.tc != nil {
		ch.boot.direct.Delete(ch)
	}
}

func (ch *channel) isClosed() bool {
	return atomic.LoadInt32(&ch.closed) != 0
}
