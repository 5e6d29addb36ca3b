package kilat

// Handler stage names, in pipeline order.
const (
	HandlerTLS        = "tls"
	HandlerHTTPCodec  = "http-codec"
	HandlerAggregator = "aggregator"
)

// HandlerSpec describes one stage of the per-connection pipeline.
type HandlerSpec struct {
	Name string

	// Codec limits, set on the http-codec stage.
	InitialLineLength int
	MaxHeaderSize     int
	MaxChunkSize      int

	// Aggregation cap, set on the aggregator stage. 0 means unlimited.
	MaxMessageSize int
}

// buildPipeline returns the ordered handler chain for a connection: an
// optional TLS stage (present only when a TLS context is configured),
// the HTTP codec parameterized by the line/header/chunk limits, and the
// whole-message aggregator. It is a pure function of the configuration
// (same config, same chain), so pipeline construction is testable without
// opening connections.
func buildPipeline(cfg FactoryConfig) []HandlerSpec {
	specs := make([]HandlerSpec, 0, 3)
	if cfg.TLSConfig != nil {
		specs = append(specs, HandlerSpec{Name: HandlerTLS})
	}
	specs = append(specs, HandlerSpec{
		Name:              HandlerHTTPCodec,
		InitialLineLength: cfg.InitialLineLength,
		MaxHeaderSize:     cfg.MaxHeaderSize,
		MaxChunkSize:      cfg.MaxChunkSize,
	})
	specs = append(specs, HandlerSpec{
		Name:           HandlerAggregator,
		MaxMessageSize: cfg.MaxResponseSize,
	})
	return specs
}

// pipelineOut receives the terminal outcome of one decoded response.
type pipelineOut interface {
	deliver(resp *Response)
	decodeFailed(err error)
}

// pipeline is the runtime instantiation of the handler chain for one
// channel: decoder feeding aggregator feeding the channel. The TLS stage is
// realized at dial time by wrapping the connection; its spec here only
// records that the chain requires it.
type pipeline struct {
	specs      []HandlerSpec
	needsTLS   bool
	dec        *responseDecoder
	agg        *aggregator
	out        pipelineOut
	decodeDead bool
}

// newPipeline assembles the runtime chain from the handler specs.
func newPipeline(specs []HandlerSpec, alloc BufferAllocator, out pipelineOut) *pipeline {
	p := &pipeline{specs: specs, out: out}
	var codecSpec, aggSpec HandlerSpec
	for _, s := range specs {
		switch s.Name {
		case HandlerTLS:
			p.needsTLS = true
		case HandlerHTTPCodec:
			codecSpec = s
		case HandlerAggregator:
			aggSpec = s
		}
	}
	p.agg = newAggregator(aggSpec.MaxMessageSize, alloc, p)
	p.dec = newResponseDecoder(codecSpec, p.agg)
	return p
}

// feed pushes inbound bytes through the chain. Decode errors are reported
// once; subsequent bytes are dropped because the stream is unrecoverable.
func (p *pipeline) feed(data []byte) {
	if p.decodeDead {
		return
	}
	if err := p.dec.feed(data); err != nil {
		p.decodeDead = true
		p.out.decodeFailed(err)
	}
}

// transportEOF tells the codec the peer closed the stream. Responses
// delimited by connection close complete here; anything else mid-decode is
// an error.
func (p *pipeline) transportEOF() {
	if p.decodeDead {
		return
	}
	if err := p.dec.finishOnClose(); err != nil {
		p.decodeDead = true
		p.out.decodeFailed(err)
	}
}

// reset prepares the chain for the next response on a reused channel.
func (p *pipeline) reset(requestMethod string) {
	p.decodeDead = false
	p.dec.reset(requestMethod)
	p.agg.reset()
}

// aggregated response ready; forward to the channel.
func (p *pipeline) responseReady(resp *Response) {
	p.out.deliver(resp)
}

// bodyDelimited reports whether the current response had a self-delimiting
// body (fixed length or chunked), which is a precondition for reusing the
// connection.
func (p *pipeline) bodyDelimited() bool {
	return !p.dec.untilClose
}
