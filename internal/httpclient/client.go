package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/crankshaft/internal/body"
	"github.com/torosent/crankshaft/internal/pool"
)

// Config tunes a Client. Zero values take the defaults noted per field.
type Config struct {
	// DialTimeout bounds the TCP connect. Default 30s.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the TLS handshake and HTTP/2 preface. Default 10s.
	HandshakeTimeout time.Duration
	// RequestTimeout applies to requests without their own Timeout. Zero
	// means no limit.
	RequestTimeout time.Duration
	KeepAlive      time.Duration
	// MaxIdlePerKey caps idle HTTP/1.1 channels per endpoint and owner.
	MaxIdlePerKey int
	// H2C speaks HTTP/2 with prior knowledge to cleartext targets.
	H2C bool
	// InitialWindowSize is the HTTP/2 stream receive window. Default 4 MiB.
	InitialWindowSize uint32
	// ConnWindowSize is the HTTP/2 connection receive window. Default 8 MiB.
	ConnWindowSize uint32
	// ChunkSize is the read and write buffer size of a channel.
	ChunkSize int
	Logger    *zap.Logger
	// Dial replaces the net.Dialer, mostly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 4 << 20
	}
	if c.ConnWindowSize < c.InitialWindowSize {
		c.ConnWindowSize = max(8<<20, c.InitialWindowSize)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = body.DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Client sends requests over pooled HTTP/1.1 and HTTP/2 channels. It is safe
// for concurrent use.
type Client struct {
	cfg    Config
	log    *zap.Logger
	pool   *pool.Pool
	stats  clientStats
	closed atomic.Bool
}

// NewClient returns a Client ready to send.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		log:  cfg.Logger.Named("httpclient"),
		pool: pool.New(cfg.MaxIdlePerKey),
	}
}

// Send starts req and returns immediately; every outcome reaches l.
//
// Channels are owned by clientID unless shared is set, in which case only
// shared channels are used. alpnConfig is used for the handshake, with HTTP/2
// offered over ALPN, only when tlsConfig is also set.
func (c *Client) Send(ctx context.Context, req *Request, clientID string, shared bool, l Listener, tlsConfig, alpnConfig *tls.Config) {
	g := newGuard(l)
	if c.closed.Load() {
		closeRequestBody(req)
		g.fail(&ClosedError{Err: ErrClientClosed})
		return
	}
	if err := req.validate(); err != nil {
		closeRequestBody(req)
		g.fail(fmt.Errorf("invalid request: %w", err))
		return
	}
	ex := newExchange(ctx, req, g, c.cfg.RequestTimeout)
	c.send(ex, c.resolveTarget(req, tlsConfig, alpnConfig), clientID, shared)
}

func (c *Client) send(ex *exchange, t target, clientID string, shared bool) {
	epoch := c.pool.Epoch(clientID)
	conn, err := c.pool.Acquire(t.key, clientID, shared, nil)
	if err != nil {
		c.pool.Done(clientID)
		ex.fail(&ClosedError{Err: ErrClientClosed})
		return
	}
	if conn != nil {
		c.pool.Done(clientID)
		c.stats.reused.Add(1)
		go conn.(channel).run(ex)
		return
	}
	go c.connectAndRun(ex, t, clientID, shared, epoch)
}

func (c *Client) connectAndRun(ex *exchange, t target, clientID string, shared bool, epoch uint64) {
	ex.l.OnConnectAttempt(t.addr)
	ch, err := c.connect(ex.ctx, t)
	if err != nil {
		c.pool.Done(clientID)
		ex.l.OnConnectFailure(err)
		ex.fail(err)
		return
	}
	if !ch.Reserve() {
		c.pool.Done(clientID)
		_ = ch.Close()
		ex.fail(&ProtocolError{Err: errors.New("new connection accepts no requests")})
		return
	}
	err = c.pool.Add(t.key, clientID, shared, epoch, ch)
	c.pool.Done(clientID)
	if err != nil {
		_ = ch.Close()
		ex.fail(&ClosedError{Err: addCause(err)})
		return
	}
	ex.l.OnConnect(ch.protocol())
	ch.run(ex)
}

// SendBatch sends pairs over multiplexed HTTP/2 channels, filling the free
// stream slots of existing channels before opening new ones. All requests
// must share one endpoint. Without ALPN or H2C every pair fails with a
// *ProtocolError. If the server only speaks HTTP/1.1, the first pair runs on
// the new channel and the rest go through Send.
func (c *Client) SendBatch(ctx context.Context, pairs []Pair, clientID string, shared bool, tlsConfig, alpnConfig *tls.Config) {
	if len(pairs) == 0 {
		return
	}
	guards := make([]*guard, len(pairs))
	for i, p := range pairs {
		guards[i] = newGuard(p.Listener)
	}
	failAll := func(err error) {
		for i, p := range pairs {
			closeRequestBody(p.Request)
			guards[i].fail(err)
		}
	}
	if c.closed.Load() {
		failAll(&ClosedError{Err: ErrClientClosed})
		return
	}

	var (
		t   target
		exs []*exchange
	)
	for i, p := range pairs {
		if err := p.Request.validate(); err != nil {
			closeRequestBody(p.Request)
			guards[i].fail(fmt.Errorf("invalid request: %w", err))
			continue
		}
		pt := c.resolveTarget(p.Request, tlsConfig, alpnConfig)
		if len(exs) == 0 {
			t = pt
		} else if pt.key != t.key {
			closeRequestBody(p.Request)
			guards[i].fail(fmt.Errorf("invalid request: batch mixes endpoints %s and %s", t.addr, pt.addr))
			continue
		}
		exs = append(exs, newExchange(ctx, p.Request, guards[i], c.cfg.RequestTimeout))
	}
	if len(exs) == 0 {
		return
	}
	if !t.mode.multiplexed() {
		err := &ProtocolError{Err: errors.New("batch requires HTTP/2 (ALPN or h2c)")}
		for _, ex := range exs {
			ex.fail(err)
		}
		return
	}

	epoch := c.pool.Epoch(clientID)
	rest, err := c.fillExisting(exs, t, clientID, shared)
	if err != nil || len(rest) == 0 {
		c.pool.Done(clientID)
	}
	if err != nil {
		for _, ex := range rest {
			ex.fail(&ClosedError{Err: ErrClientClosed})
		}
		return
	}
	if len(rest) > 0 {
		go c.connectBatch(ctx, rest, t, clientID, shared, epoch)
	}
}

func isHTTP2(conn pool.Conn) bool {
	ch, ok := conn.(channel)
	return ok && ch.protocol() == ProtocolHTTP2
}

// fillExisting starts as many exchanges as pooled HTTP/2 channels have room
// for and returns the rest.
func (c *Client) fillExisting(exs []*exchange, t target, clientID string, shared bool) ([]*exchange, error) {
	for len(exs) > 0 {
		conn, err := c.pool.Acquire(t.key, clientID, shared, isHTTP2)
		if err != nil {
			return exs, err
		}
		if conn == nil {
			return exs, nil
		}
		ch := conn.(channel)
		n := 1
		for n < len(exs) && ch.Reserve() {
			n++
		}
		c.stats.reused.Add(int64(n))
		for _, ex := range exs[:n] {
			go ch.run(ex)
		}
		exs = exs[n:]
	}
	return nil, nil
}

func (c *Client) connectBatch(ctx context.Context, exs []*exchange, t target, clientID string, shared bool, epoch uint64) {
	defer c.pool.Done(clientID)
	for len(exs) > 0 {
		for _, ex := range exs {
			ex.l.OnConnectAttempt(t.addr)
		}
		ch, err := c.connect(ctx, t)
		if err != nil {
			for _, ex := range exs {
				ex.l.OnConnectFailure(err)
				ex.fail(err)
			}
			return
		}

		n := 0
		for n < len(exs) && ch.Reserve() {
			n++
		}
		if n == 0 {
			_ = ch.Close()
			err := &ProtocolError{Err: errors.New("server allows no concurrent streams")}
			for _, ex := range exs {
				ex.fail(err)
			}
			return
		}
		if err := c.pool.Add(t.key, clientID, shared, epoch, ch); err != nil {
			_ = ch.Close()
			cause := &ClosedError{Err: addCause(err)}
			for _, ex := range exs {
				ex.fail(cause)
			}
			return
		}

		if ch.protocol() == ProtocolHTTP1 {
			c.log.Debug("batch fell back to HTTP/1.1", zap.String("addr", t.addr), zap.Int("requests", len(exs)))
			first := exs[0]
			first.l.OnConnect(ProtocolHTTP1)
			go ch.run(first)
			for _, ex := range exs[1:] {
				c.send(ex, t, clientID, shared)
			}
			return
		}

		for _, ex := range exs[:n] {
			ex.l.OnConnect(ProtocolHTTP2)
			go ch.run(ex)
		}
		exs = exs[n:]
	}
}

// Flush closes every channel owned by clientID. Requests in flight on them
// fail with a *ClosedError wrapping ErrFlushed, as do requests whose
// connection for clientID is still being opened. It returns the number of
// channels closed.
func (c *Client) Flush(clientID string) int {
	n := c.pool.Flush(clientID)
	c.stats.flushed.Add(int64(n))
	if n > 0 {
		c.log.Debug("flushed client group", zap.String("client", clientID), zap.Int("channels", n))
	}
	return n
}

// IsClosed reports whether Close was called.
func (c *Client) IsClosed() bool { return c.closed.Load() }

// Close closes every channel. Later sends fail immediately.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.pool.Close()
}

// Stats returns a snapshot of the connection counters.
func (c *Client) Stats() Stats {
	s := c.stats.snapshot()
	s.Pooled = c.pool.Len()
	return s
}

func addCause(err error) error {
	if errors.Is(err, pool.ErrFlushed) {
		return ErrFlushed
	}
	return ErrClientClosed
}

func closeRequestBody(req *Request) {
	if req != nil && req.Body != nil {
		_ = req.Body.Close()
	}
}
