package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/torosent/crankshaft/internal/pool"
)

type dialMode int

const (
	modeHTTP1 dialMode = iota
	modeTLS
	modeALPN
	modeH2C
)

func (m dialMode) String() string {
	switch m {
	case modeTLS:
		return "tls"
	case modeALPN:
		return "alpn"
	case modeH2C:
		return "h2c"
	default:
		return "h1"
	}
}

// multiplexed reports whether the mode can end up on HTTP/2.
func (m dialMode) multiplexed() bool { return m == modeALPN || m == modeH2C }

// target is where and how a request's channel is opened.
type target struct {
	key  string
	addr string
	host string
	mode dialMode
	tls  *tls.Config
}

// channel is a pooled connection that can run exchanges.
type channel interface {
	pool.Conn
	protocol() Protocol
	run(ex *exchange)
}

// resolveTarget picks the dial mode. ALPN is only offered when both TLS
// configurations are given; the ALPN one drives the handshake.
func (c *Client) resolveTarget(req *Request, tlsConfig, alpnConfig *tls.Config) target {
	t := target{addr: req.hostPort(), host: req.URL.Hostname()}
	switch {
	case req.URL.Scheme == "https" && tlsConfig != nil && alpnConfig != nil:
		t.mode, t.tls = modeALPN, alpnConfig
	case req.URL.Scheme == "https":
		t.mode, t.tls = modeTLS, tlsConfig
		if t.tls == nil {
			t.tls = alpnConfig
		}
	case c.cfg.H2C:
		t.mode = modeH2C
	default:
		t.mode = modeHTTP1
	}
	qualifiers := []string{t.mode.String()}
	if t.tls != nil {
		qualifiers = append(qualifiers, fmt.Sprintf("%p", t.tls))
	}
	t.key = pool.MakeKey(req.URL.Scheme, t.addr, qualifiers...)
	return t
}

// connect opens a channel to t. Every failure is a *ConnectError.
func (c *Client) connect(ctx context.Context, t target) (channel, error) {
	c.stats.dialed.Add(1)
	ch, err := c.open(ctx, t)
	if err != nil {
		c.stats.dialFailures.Add(1)
		c.log.Debug("connect failed", zap.String("addr", t.addr), zap.Stringer("mode", t.mode), zap.Error(err))
		return nil, &ConnectError{Addr: t.addr, Err: err}
	}
	c.log.Debug("connected", zap.String("addr", t.addr), zap.Stringer("protocol", ch.protocol()))
	return ch, nil
}

func (c *Client) open(ctx context.Context, t target) (channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	raw, err := c.dial(dialCtx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}
	conn := net.Conn(&meteredConn{Conn: raw, stats: &c.stats})

	hsCtx, hsCancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer hsCancel()

	switch t.mode {
	case modeH2C:
		h2, err := newHTTP2Conn(hsCtx, c, t.key, conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("h2c preface: %w", err)
		}
		return h2, nil
	case modeHTTP1:
		return newHTTP1Conn(c, t.key, conn), nil
	}

	cfg := &tls.Config{}
	if t.tls != nil {
		cfg = t.tls.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = t.host
	}
	if t.mode == modeALPN {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	} else {
		cfg.NextProtos = []string{"http/1.1"}
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(hsCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	if tc.ConnectionState().NegotiatedProtocol == "h2" {
		h2, err := newHTTP2Conn(hsCtx, c, t.key, tc)
		if err != nil {
			_ = tc.Close()
			return nil, fmt.Errorf("http2 preface: %w", err)
		}
		return h2, nil
	}
	return newHTTP1Conn(c, t.key, tc), nil
}

func (c *Client) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if c.cfg.Dial != nil {
		return c.cfg.Dial(ctx, network, addr)
	}
	d := net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: c.cfg.KeepAlive}
	return d.DialContext(ctx, network, addr)
}
