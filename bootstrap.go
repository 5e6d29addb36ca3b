package kilat

import (
	"crypto/tls"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// bootstrap is the factory's cached connector: the execution resource, the
// allocator, the pipeline template and the per-host idle pools, bound once
// and immutable afterwards. It is built lazily by Factory.getBootstrap,
// exactly once, and shared read-only by every request.
type bootstrap struct {
	cfg     FactoryConfig
	res     *ExecutionResource
	specs   []HandlerSpec
	pools   *xsync.MapOf[string, *hostPool]
	logger  Logger
	metrics *MetricsCollector

	// direct tracks live goroutine-mode (TLS) channels. Stopping the engine
	// only closes its own registered connections, so forced shutdown reaches
	// these through this set.
	direct *xsync.MapOf[*channel, struct{}]
}

type hostPool struct {
	mu   sync.Mutex
	idle []*channel
}

func newBootstrap(f *Factory) *bootstrap {
	return &bootstrap{
		cfg:     f.cfg,
		res:     f.res,
		specs:   buildPipeline(f.cfg),
		pools:   xsync.NewMapOf[string, *hostPool](),
		logger:  f.logger,
		metrics: f.metrics,
		direct:  xsync.NewMapOf[*channel, struct{}](),
	}
}

// acquireChannel returns an idle channel for the target or dials a new one.
func (b *bootstrap) acquireChannel(u *url.URL) (*channel, error) {
	key := u.Scheme + "://" + canonicalAddr(u)
	pool, _ := b.pools.LoadOrCompute(key, func() *hostPool { return &hostPool{} })

	for {
		pool.mu.Lock()
		n := len(pool.idle)
		if n == 0 {
			pool.mu.Unlock()
			break
		}
		ch := pool.idle[n-1]
		pool.idle = pool.idle[:n-1]
		pool.mu.Unlock()
		if ch.isClosed() {
			continue // idled out under us; try the next one
		}
		if b.metrics != nil {
			b.metrics.recordChannelReused(u.Scheme)
		}
		b.debugf("reusing channel to %s", key)
		return ch, nil
	}

	return b.dial(u, key)
}

// releaseChannel returns a healthy channel to its host pool, or closes it
// when the pool is full.
func (b *bootstrap) releaseChannel(ch *channel) {
	if ch.isClosed() {
		return
	}
	pool, _ := b.pools.LoadOrCompute(ch.key, func() *hostPool { return &hostPool{} })
	pool.mu.Lock()
	if b.cfg.MaxIdlePerHost > 0 && len(pool.idle) >= b.cfg.MaxIdlePerHost {
		pool.mu.Unlock()
		ch.close()
		return
	}
	pool.idle = append(pool.idle, ch)
	pool.mu.Unlock()
}

// dial opens a new channel. Plaintext connections register on the shared
// event loop; TLS connections handshake synchronously and then run a
// per-connection reader goroutine, which is the pipeline's TLS stage made
// concrete.
func (b *bootstrap) dial(u *url.URL, key string) (*channel, error) {
	addr := canonicalAddr(u)
	secure := u.Scheme == "https"

	conn, err := net.DialTimeout("tcp", addr, b.cfg.DialTimeout)
	if err != nil {
		return nil, newClientError(ErrorTypeConnection, "dial "+addr+" failed", err)
	}

	ch := &channel{key: key, scheme: u.Scheme, boot: b}
	ch.pipe = newPipeline(b.specs, b.cfg.Allocator, ch)

	if secure {
		tlsCfg := b.cfg.TLSConfig.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = u.Hostname()
		}
		tc := tls.Client(conn, tlsCfg)
		if b.cfg.DialTimeout > 0 {
			tc.SetDeadline(time.Now().Add(b.cfg.DialTimeout))
		}
		if err := tc.Handshake(); err != nil {
			conn.Close()
			return nil, newClientError(ErrorTypeConnection, "TLS handshake with "+addr+" failed", err)
		}
		tc.SetDeadline(time.Time{})
		ch.tc = tc
		b.direct.Store(ch, struct{}{})
		go b.readLoop(ch, tc)
	} else {
		nc, err := b.res.engine.AddConn(conn)
		if err != nil {
			conn.Close()
			return nil, newClientError(ErrorTypeConnection, "failed to register connection on event loop", err)
		}
		nc.SetSession(ch)
		ch.nc = nc
	}

	if b.metrics != nil {
		b.metrics.recordChannelDialed(u.Scheme)
	}
	b.debugf("dialed new channel to %s", key)
	return ch, nil
}

// closeDirectChannels force-closes every live goroutine-mode channel. Their
// reader goroutines observe the closed connection and fail the attached
// requests through onTransportClosed.
func (b *bootstrap) closeDirectChannels() {
	b.direct.Range(func(ch *channel, _ struct{}) bool {
		ch.close()
		return true
	})
}

// readLoop feeds a goroutine-mode channel until the connection dies.
func (b *bootstrap) readLoop(ch *channel, conn net.Conn) {
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			ch.feed(buf[:n])
		}
		if err != nil {
			ch.onTransportClosed(err)
			return
		}
	}
}

func (b *bootstrap) debugf(format string, args ...interface{}) {
	if b.logger != nil {
		b.logger.Debug(format, args...)
	}
}

// canonicalAddr returns host:port, filling in the scheme default port.
func canonicalAddr(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}
