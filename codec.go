package kilat

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// The codec is an incremental HTTP/1.x response decoder. It enforces the
// configured line, header and chunk limits while parsing and hands body
// bytes downstream as they arrive; buffering a body is the aggregator's
// job, never the decoder's.

type decodePhase int8

const (
	phaseStatusLine decodePhase = iota
	phaseHeaders
	phaseBodyFixed
	phaseChunkSize
	phaseChunkData
	phaseChunkDataCR
	phaseChunkDataLF
	phaseTrailer
	phaseUntilClose
	phaseDone
)

// responseHead is the parsed status line and header block.
type responseHead struct {
	proto      string
	statusCode int
	status     string
	header     Header

	contentLength int64 // -1 when unknown
	chunked       bool
	noBody        bool
	interim       bool // 1xx, a full head follows
	closeAfter    bool
}

// decoderSink consumes decode events in order: one onHead, zero or more
// onBody, one onComplete.
type decoderSink interface {
	onHead(h *responseHead) error
	onBody(p []byte) error
	onComplete() error
}

type responseDecoder struct {
	initialLineLength int
	maxHeaderSize     int
	maxChunkSize      int

	sink decoderSink

	requestMethod string
	phase         decodePhase
	pending       []byte // unparsed line fragments only
	headerBytes   int
	head          *responseHead
	bodyRemaining int64
	untilClose    bool
}

func newResponseDecoder(spec HandlerSpec, sink decoderSink) *responseDecoder {
	return &responseDecoder{
		initialLineLength: spec.InitialLineLength,
		maxHeaderSize:     spec.MaxHeaderSize,
		maxChunkSize:      spec.MaxChunkSize,
		sink:              sink,
		phase:             phaseStatusLine,
	}
}

// reset prepares the decoder for the next response on the same connection.
func (d *responseDecoder) reset(requestMethod string) {
	d.requestMethod = requestMethod
	d.phase = phaseStatusLine
	d.pending = nil
	d.headerBytes = 0
	d.head = nil
	d.bodyRemaining = 0
	d.untilClose = false
}

func decodeError(format string, args ...interface{}) error {
	return newClientError(ErrorTypeConnection, fmt.Sprintf("codec: "+format, args...), nil)
}

// feed consumes inbound bytes, advancing the decode state machine. It
// returns an error on protocol violations or exceeded limits; the stream is
// unusable afterwards.
func (d *responseDecoder) feed(data []byte) error {
	if len(d.pending) > 0 {
		data = append(d.pending, data...)
		d.pending = nil
	}

	for {
		switch d.phase {
		case phaseStatusLine:
			line, rest, ok := d.takeLine(data, d.initialLineLength)
			if !ok {
				if len(data) > d.initialLineLength {
					return decodeError("status line exceeds %d bytes", d.initialLineLength)
				}
				d.stash(data)
				return nil
			}
			data = rest
			if len(line) == 0 {
				continue // tolerate a stray CRLF between responses
			}
			head, err := parseStatusLine(line)
			if err != nil {
				return err
			}
			d.head = head
			d.headerBytes = 0
			d.phase = phaseHeaders

		case phaseHeaders:
			line, rest, ok := d.takeLine(data, d.maxHeaderSize-d.headerBytes)
			if !ok {
				if len(data) > d.maxHeaderSize-d.headerBytes {
					return decodeError("header block exceeds %d bytes", d.maxHeaderSize)
				}
				d.stash(data)
				return nil
			}
			d.headerBytes += len(line) + 2
			if d.headerBytes > d.maxHeaderSize {
				return decodeError("header block exceeds %d bytes", d.maxHeaderSize)
			}
			data = rest
			if len(line) == 0 {
				if err := d.endOfHead(); err != nil {
					return err
				}
				continue
			}
			if err := parseHeaderLine(line, d.head.header); err != nil {
				return err
			}

		case phaseBodyFixed:
			if len(data) == 0 {
				return nil
			}
			n := int64(len(data))
			if n > d.bodyRemaining {
				n = d.bodyRemaining
			}
			if err := d.sink.onBody(data[:n]); err != nil {
				return err
			}
			d.bodyRemaining -= n
			data = data[n:]
			if d.bodyRemaining == 0 {
				d.phase = phaseDone
				if err := d.sink.onComplete(); err != nil {
					return err
				}
			}

		case phaseChunkSize:
			line, rest, ok := d.takeLine(data, 128)
			if !ok {
				if len(data) > 128 {
					return decodeError("chunk size line too long")
				}
				d.stash(data)
				return nil
			}
			data = rest
			size, err := parseChunkSize(line)
			if err != nil {
				return err
			}
			if d.maxChunkSize > 0 && size > d.maxChunkSize {
				return decodeError("chunk size %d exceeds %d", size, d.maxChunkSize)
			}
			if size == 0 {
				d.phase = phaseTrailer
				continue
			}
			d.bodyRemaining = int64(size)
			d.phase = phaseChunkData

		case phaseChunkData:
			if len(data) == 0 {
				return nil
			}
			n := int64(len(data))
			if n > d.bodyRemaining {
				n = d.bodyRemaining
			}
			if err := d.sink.onBody(data[:n]); err != nil {
				return err
			}
			d.bodyRemaining -= n
			data = data[n:]
			if d.bodyRemaining == 0 {
				d.phase = phaseChunkDataCR
			}

		case phaseChunkDataCR:
			if len(data) == 0 {
				return nil
			}
			if data[0] != '\r' {
				return decodeError("malformed chunk terminator")
			}
			data = data[1:]
			d.phase = phaseChunkDataLF

		case phaseChunkDataLF:
			if len(data) == 0 {
				return nil
			}
			if data[0] != '\n' {
				return decodeError("malformed chunk terminator")
			}
			data = data[1:]
			d.phase = phaseChunkSize

		case phaseTrailer:
			line, rest, ok := d.takeLine(data, d.maxHeaderSize)
			if !ok {
				if len(data) > d.maxHeaderSize {
					return decodeError("trailer block exceeds %d bytes", d.maxHeaderSize)
				}
				d.stash(data)
				return nil
			}
			data = rest
			if len(line) == 0 {
				d.phase = phaseDone
				if err := d.sink.onComplete(); err != nil {
					return err
				}
			}
			// Trailer fields are consumed and dropped.

		case phaseUntilClose:
			if len(data) == 0 {
				return nil
			}
			if err := d.sink.onBody(data); err != nil {
				return err
			}
			data = nil

		case phaseDone:
			if len(data) == 0 {
				return nil
			}
			return decodeError("unexpected %d bytes after response", len(data))
		}
	}
}

// finishOnClose handles the transport closing. A close-delimited body
// completes; anything else mid-decode is a truncated response.
func (d *responseDecoder) finishOnClose() error {
	switch d.phase {
	case phaseUntilClose:
		d.phase = phaseDone
		return d.sink.onComplete()
	case phaseDone:
		return nil
	default:
		return decodeError("connection closed mid-response")
	}
}

// endOfHead decides the body framing once the header block is complete.
func (d *responseDecoder) endOfHead() error {
	h := d.head
	if h.interim {
		// 1xx: a final head follows on the same stream.
		d.phase = phaseStatusLine
		d.head = nil
		return nil
	}

	if hasToken(h.header.Get("Connection"), "close") {
		h.closeAfter = true
	}
	if strings.HasPrefix(h.proto, "HTTP/1.0") && !hasToken(h.header.Get("Connection"), "keep-alive") {
		h.closeAfter = true
	}

	if d.requestMethod == "HEAD" || h.statusCode == 204 || h.statusCode == 304 {
		h.noBody = true
	}

	switch {
	case h.noBody:
		h.contentLength = 0
	case hasToken(h.header.Get("Transfer-Encoding"), "chunked"):
		h.chunked = true
		h.contentLength = -1
	case h.header.Has("Content-Length"):
		n, err := strconv.ParseInt(strings.TrimSpace(h.header.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 {
			return decodeError("invalid Content-Length %q", h.header.Get("Content-Length"))
		}
		h.contentLength = n
	default:
		// No framing: body runs until the peer closes.
		h.contentLength = -1
		h.closeAfter = true
		d.untilClose = true
	}

	if err := d.sink.onHead(h); err != nil {
		return err
	}

	switch {
	case h.noBody || h.contentLength == 0:
		d.phase = phaseDone
		return d.sink.onComplete()
	case h.chunked:
		d.phase = phaseChunkSize
	case h.contentLength > 0:
		d.bodyRemaining = h.contentLength
		d.phase = phaseBodyFixed
	default:
		d.phase = phaseUntilClose
	}
	return nil
}

// takeLine extracts one CRLF- (or bare LF-) terminated line. ok is false
// when no full line is buffered yet; limit guards the wait.
func (d *responseDecoder) takeLine(data []byte, limit int) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, data, false
	}
	if limit > 0 && i > limit {
		// The line is complete but over the cap; report via the caller's
		// length check by pretending it is still incomplete.
		return nil, data, false
	}
	line = data[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, data[i+1:], true
}

// stash copies leftover fragment bytes for the next feed.
func (d *responseDecoder) stash(data []byte) {
	if len(data) == 0 {
		d.pending = nil
		return
	}
	d.pending = append(make([]byte, 0, len(data)), data...)
}

func parseStatusLine(line []byte) (*responseHead, error) {
	s := string(line)
	if !strings.HasPrefix(s, "HTTP/") {
		return nil, decodeError("malformed status line %q", s)
	}
	rest := s
	proto, rest, ok := cutSpace(rest)
	if !ok {
		return nil, decodeError("malformed status line %q", s)
	}
	codeStr, reason, _ := cutSpace(rest)
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return nil, decodeError("malformed status code %q", codeStr)
	}
	return &responseHead{
		proto:      proto,
		statusCode: code,
		status:     reason,
		header:     make(Header),
		interim:    code >= 100 && code < 200,
	}, nil
}

func parseHeaderLine(line []byte, h Header) error {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return decodeError("malformed header line %q", string(line))
	}
	key := string(bytes.TrimSpace(line[:i]))
	value := string(bytes.TrimSpace(line[i+1:]))
	if key == "" {
		return decodeError("malformed header line %q", string(line))
	}
	h.Add(key, value)
	return nil
}

func parseChunkSize(line []byte) (int, error) {
	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 { // drop chunk extensions
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 16, 32)
	if err != nil || n < 0 {
		return 0, decodeError("invalid chunk size %q", s)
	}
	return int(n), nil
}

func cutSpace(s string) (before, after string, found bool) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// aggregator buffers one complete response message up to its size cap,
// then materializes the Response. Body bytes land in a buffer from the
// factory's allocator; ownership of that buffer passes to the caller with
// the Response.
type aggregator struct {
	max   int
	alloc BufferAllocator
	pipe  *pipeline

	head *responseHead
	body []byte
}

func newAggregator(max int, alloc BufferAllocator, pipe *pipeline) *aggregator {
	return &aggregator{max: max, alloc: alloc, pipe: pipe}
}

func (a *aggregator) reset() {
	if a.body != nil {
		a.alloc.Put(a.body)
	}
	a.head = nil
	a.body = nil
}

func (a *aggregator) onHead(h *responseHead) error {
	a.head = h
	if a.max > 0 && h.contentLength > int64(a.max) {
		return newClientError(ErrorTypeSizeLimit,
			fmt.Sprintf("declared content length %d exceeds maximum %d", h.contentLength, a.max),
			ErrResponseTooLarge)
	}
	return nil
}

func (a *aggregator) onBody(p []byte) error {
	if a.max > 0 && len(a.body)+len(p) > a.max {
		return newClientError(ErrorTypeSizeLimit,
			fmt.Sprintf("aggregated response exceeds maximum %d bytes", a.max),
			ErrResponseTooLarge)
	}
	if a.body == nil {
		size := len(p)
		if a.head != nil && a.head.contentLength > int64(size) {
			size = int(a.head.contentLength)
		}
		a.body = a.alloc.Get(size)
	}
	a.body = grow(a.alloc, a.body, len(p))
	a.body = append(a.body, p...)
	return nil
}

func (a *aggregator) onComplete() error {
	resp := &Response{
		StatusCode: a.head.statusCode,
		Status:     a.head.status,
		Proto:      a.head.proto,
		Header:     a.head.header,
		body:       a.body,
		alloc:      a.alloc,
		closeAfter: a.head.closeAfter,
	}
	// Buffer ownership moves to the Response.
	a.body = nil
	a.head = nil
	a.pipe.responseReady(resp)
	return nil
}
