package kilat

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Request is a single-use HTTP call bound to a target URI and method. It
// moves monotonically through
//
//	created → connecting → headers_sent → body_streaming →
//	awaiting_response → completed | failed
//
// and may be executed at most once; a second execution fails with
// InvalidState. Cancel moves any non-terminal request to failed with a
// Cancelled reason and releases the underlying connection deterministically.
// Exactly one of completion and cancellation wins when they race.
type Request struct {
	factory *Factory
	boot    *bootstrap
	url     *url.URL
	method  string
	header  Header
	body    []byte

	// lifeMu serializes admission and terminal transitions; state stays
	// atomic for lock-free reads and forward progress bookkeeping.
	lifeMu   sync.Mutex
	state    int32 // atomic RequestState
	slotHeld bool  // written under lifeMu
	metered  bool  // written under lifeMu

	done chan struct{}
	resp *Response
	err  error

	chMu sync.Mutex
	ch   *channel

	startedAt time.Time
}

// Completion is the future-style handle returned by Dispatch. The request
// behind a Completion is the same object CreateRequest would produce; only
// the way the caller observes completion differs.
type Completion struct {
	r *Request
}

// Done returns a channel closed when the request reaches a terminal state.
func (c *Completion) Done() <-chan struct{} { return c.r.done }

// Response blocks until the request terminates, then returns its outcome.
func (c *Completion) Response() (*Response, error) {
	<-c.r.done
	return c.r.resp, c.r.err
}

// Cancel cancels the underlying request.
func (c *Completion) Cancel() bool { return c.r.Cancel() }

// State returns the request's lifecycle position.
func (r *Request) State() RequestState {
	return RequestState(atomic.LoadInt32(&r.state))
}

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// URL returns the target URL.
func (r *Request) URL() *url.URL { return r.url }

// SetHeader sets a request header. Valid only before execution.
func (r *Request) SetHeader(key, value string) error {
	if r.State() != StateCreated {
		return r.newRequestError(ErrorTypeInvalidState, "headers are immutable once execution starts", ErrExecuted)
	}
	r.header.Set(key, value)
	return nil
}

// AddHeader appends a request header value. Valid only before execution.
func (r *Request) AddHeader(key, value string) error {
	if r.State() != StateCreated {
		return r.newRequestError(ErrorTypeInvalidState, "headers are immutable once execution starts", ErrExecuted)
	}
	r.header.Add(key, value)
	return nil
}

// SetBody sets the request body. Valid only before execution.
func (r *Request) SetBody(body []byte) error {
	if r.State() != StateCreated {
		return r.newRequestError(ErrorTypeInvalidState, "body is immutable once execution starts", ErrExecuted)
	}
	r.body = body
	return nil
}

// Execute runs the request and blocks until it terminates. Cancelling the
// context cancels the request; if a completion raced the cancellation and
// won, its result is returned instead.
func (r *Request) Execute(ctx context.Context) (*Response, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.Cancel()
		<-r.done
	}
	return r.resp, r.err
}

// Dispatch starts the request without blocking and returns a Completion.
// Admission failures (re-execution, closed factory, saturated resource)
// are returned synchronously; everything after admission is delivered
// exactly once through the Completion.
func (r *Request) Dispatch() (*Completion, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}
	return &Completion{r: r}, nil
}

// Cancel moves the request to failed with a Cancelled reason, closing its
// connection. Safe to call at any time, from any goroutine, and safe to
// race with an in-flight completion: the loser is a no-op. Returns whether
// this call was the one that terminated the request.
func (r *Request) Cancel() bool {
	return r.terminate(r.newRequestError(ErrorTypeCancelled, "request cancelled", ErrCancelled))
}

// begin admits the request: exactly-once execution, factory liveness and
// resource saturation are checked here, synchronously. Admission failures
// terminate the request without touching slot or metrics accounting.
func (r *Request) begin() error {
	r.lifeMu.Lock()
	if r.State() != StateCreated {
		r.lifeMu.Unlock()
		return r.newRequestError(ErrorTypeInvalidState, "request already executed", ErrExecuted)
	}
	if r.factory.isClosed() {
		err := r.newRequestError(ErrorTypeShutdown, "factory is shut down", ErrFactoryClosed)
		r.failAdmissionLocked(err)
		return err
	}
	if err := r.factory.res.acquire(); err != nil {
		r.failAdmissionLocked(err)
		return err
	}
	atomic.StoreInt32(&r.state, int32(StateConnecting))
	r.slotHeld = true
	r.metered = r.factory.metrics != nil
	r.startedAt = time.Now()
	if r.metered {
		r.factory.metrics.recordRequestStarted()
	}
	r.lifeMu.Unlock()

	go r.run()
	return nil
}

// failAdmissionLocked terminates a request that was never admitted.
// Callers hold lifeMu; the error is also returned synchronously, so no
// cleanup or metrics run here.
func (r *Request) failAdmissionLocked(err error) {
	atomic.StoreInt32(&r.state, int32(StateFailed))
	r.err = err
	close(r.done)
	r.lifeMu.Unlock()
}

// run performs connection acquisition and the write side. The read side
// completes through the channel's pipeline callbacks.
func (r *Request) run() {
	ch, err := r.boot.acquireChannel(r.url)
	if err != nil {
		r.terminate(err)
		return
	}
	r.setChannel(ch)
	ch.attach(r)
	if r.State().terminal() {
		// Cancelled while dialing.
		ch.close()
		return
	}

	if err := ch.write(r.buildHead()); err != nil {
		r.terminate(err)
		return
	}
	r.advance(StateHeadersSent)

	if len(r.body) > 0 {
		r.advance(StateBodyStreaming)
		if err := ch.write(r.body); err != nil {
			r.terminate(err)
			return
		}
	}
	r.advance(StateAwaitingResponse)
}

// buildHead serializes the request line and headers. Host, Content-Length
// and User-Agent are filled in when absent.
func (r *Request) buildHead() []byte {
	hdr := r.header.Clone()
	if hdr == nil {
		hdr = make(Header)
	}
	if !hdr.Has("Host") {
		hdr.Set("Host", r.url.Host)
	}
	if !hdr.Has("User-Agent") {
		hdr.Set("User-Agent", "kilat/"+Version)
	}
	if len(r.body) > 0 || methodUsuallyHasBody(r.method) {
		hdr.Set("Content-Length", strconv.Itoa(len(r.body)))
	}

	var sb strings.Builder
	sb.WriteString(r.method)
	sb.WriteByte(' ')
	sb.WriteString(requestURI(r.url))
	sb.WriteString(" HTTP/1.1\r\n")
	hdr.writeTo(&sb)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// advance moves the state forward, never backward and never out of a
// terminal state. A response or cancellation arriving before the write side
// finishes its bookkeeping simply wins.
func (r *Request) advance(to RequestState) {
	for {
		s := RequestState(atomic.LoadInt32(&r.state))
		if s.terminal() || s >= to {
			return
		}
		if atomic.CompareAndSwapInt32(&r.state, int32(s), int32(to)) {
			return
		}
	}
}

// casToTerminal claims the terminal transition. At most one caller ever
// wins across completion, failure and cancellation; serializing with
// admission keeps slot and metrics accounting consistent.
func (r *Request) casToTerminal(to RequestState) bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.State().terminal() {
		return false
	}
	atomic.StoreInt32(&r.state, int32(to))
	return true
}

// succeed completes the request. dispose releases or closes the channel
// before the completion becomes observable, honoring the no-leak contract.
func (r *Request) succeed(resp *Response, dispose func()) bool {
	if !r.casToTerminal(StateCompleted) {
		return false
	}
	r.resp = resp
	if dispose != nil {
		dispose()
	}
	r.finish()
	return true
}

// terminate fails the request and closes its channel, if any. Loses
// silently against an earlier terminal transition.
func (r *Request) terminate(err error) bool {
	if !r.casToTerminal(StateFailed) {
		return false
	}
	r.err = err
	if ch := r.takeChannel(); ch != nil {
		ch.close()
	}
	r.finish()
	return true
}

// finish runs exactly once, by the winner of the terminal transition:
// slot release, metrics, completion signal.
func (r *Request) finish() {
	if r.slotHeld {
		r.slotHeld = false
		r.factory.res.release()
	}
	if r.metered {
		r.metered = false
		r.factory.metrics.recordRequestFinished(r.method, r.resp, r.err, time.Since(r.startedAt))
	}
	close(r.done)
}

func (r *Request) setChannel(ch *channel) {
	r.chMu.Lock()
	r.ch = ch
	r.chMu.Unlock()
}

func (r *Request) takeChannel() *channel {
	r.chMu.Lock()
	ch := r.ch
	r.ch = nil
	r.chMu.Unlock()
	return ch
}

func methodUsuallyHasBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// requestURI renders the origin-form target.
func requestURI(u *url.URL) string {
	uri := u.RequestURI()
	if uri == "" {
		return "/"
	}
	return uri
}
