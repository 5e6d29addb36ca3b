package kilat

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// testServer is a raw TCP server speaking canned HTTP. The client under
// test does not use net/http's transport, so tests keep full control over
// the bytes on the wire.
type testServer struct {
	ln     net.Listener
	addr   string
	scheme string

	mu    sync.Mutex
	conns int
}

func newTestServer(t *testing.T, handler func(net.Conn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return serveTestListener(t, ln, "http", handler)
}

func serveTestListener(t *testing.T, ln net.Listener, scheme string, handler func(net.Conn)) *testServer {
	t.Helper()
	ts := &testServer{ln: ln, addr: ln.Addr().String(), scheme: scheme}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.conns++
			ts.mu.Unlock()
			go handler(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ts
}

func (ts *testServer) URL() string { return ts.scheme + "://" + ts.addr }

func (ts *testServer) ConnCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns
}

// readRequestFrom consumes one request head plus any Content-Length body.
func readRequestFrom(br *bufio.Reader) (string, error) {
	var head strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		head.WriteString(line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	raw := head.String()
	lower := strings.ToLower(raw)
	if i := strings.Index(lower, "content-length:"); i >= 0 {
		rest := raw[i+len("content-length:"):]
		if j := strings.IndexByte(rest, '\r'); j >= 0 {
			rest = rest[:j]
		}
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && n > 0 {
			if _, err := io.CopyN(io.Discard, br, int64(n)); err != nil {
				return raw, err
			}
		}
	}
	return raw, nil
}

// cannedHandler answers every request on the connection with the same
// response bytes until the peer goes away.
func cannedHandler(response string) func(net.Conn) {
	return func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			if _, err := readRequestFrom(br); err != nil {
				return
			}
			if _, err := io.WriteString(c, response); err != nil {
				return
			}
		}
	}
}

func okResponse(body string) string {
	return "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n" + body
}
