package httpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/torosent/crankshaft/internal/body"
)

const (
	stateIdle int32 = iota
	stateBusy
	stateClosed
)

// aLongTimeAgo is a deadline that makes pending I/O fail immediately.
var aLongTimeAgo = time.Unix(1, 0)

// http1Conn is an HTTP/1.1 channel carrying one exchange at a time.
type http1Conn struct {
	client *Client
	key    string
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	buf    []byte
	log    *zap.Logger

	state atomic.Int32
	// active is the exchange being run, woken by closeWith when it is
	// parked on its producer rather than on the socket.
	active atomic.Pointer[exchange]
	mu     sync.Mutex
	cause  error
}

func newHTTP1Conn(c *Client, key string, conn net.Conn) *http1Conn {
	size := c.cfg.ChunkSize
	return &http1Conn{
		client: c,
		key:    key,
		conn:   conn,
		br:     bufio.NewReaderSize(conn, size),
		bw:     bufio.NewWriterSize(conn, size),
		buf:    make([]byte, size),
		log:    c.log.Named("h1"),
	}
}

func (c *http1Conn) protocol() Protocol { return ProtocolHTTP1 }

func (c *http1Conn) Reserve() bool { return c.state.CompareAndSwap(stateIdle, stateBusy) }

func (c *http1Conn) Idle() bool { return c.state.Load() == stateIdle }

func (c *http1Conn) Closed() bool { return c.state.Load() == stateClosed }

func (c *http1Conn) Close() error { return c.closeWith(ErrClientClosed) }

func (c *http1Conn) Flush() error { return c.closeWith(ErrFlushed) }

func (c *http1Conn) closeWith(cause error) error {
	c.mu.Lock()
	if c.cause == nil && c.state.Load() != stateClosed {
		c.cause = cause
	}
	c.mu.Unlock()
	if c.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	c.client.pool.Remove(c)
	c.client.stats.closed.Add(1)
	err := c.conn.Close()
	if ex := c.active.Load(); ex != nil {
		ex.cancel()
	}
	return err
}

func (c *http1Conn) closeCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// discard drops the channel after an exchange left it unusable.
func (c *http1Conn) discard() {
	if c.state.Swap(stateClosed) == stateClosed {
		return
	}
	c.client.pool.Remove(c)
	c.client.stats.closed.Add(1)
	_ = c.conn.Close()
}

// release returns the channel to idle, or closes it when the idle cap is hit.
// The channel stays busy until the pool has agreed to keep it, so it cannot
// be reserved by another request and then discarded here.
func (c *http1Conn) release() {
	if c.client.pool.KeepIdle(c) && c.state.CompareAndSwap(stateBusy, stateIdle) {
		return
	}
	c.discard()
}

// run performs the reserved exchange on this channel.
func (c *http1Conn) run(ex *exchange) {
	c.active.Store(ex)
	if c.Closed() {
		ex.cancel()
	}
	stop := context.AfterFunc(ex.ctx, func() {
		_ = c.conn.SetDeadline(aLongTimeAgo)
	})

	keepAlive, err := c.roundTrip(ex)
	intact := stop()
	c.active.Store(nil)

	if err != nil {
		c.discard()
		failure := ex.failure(c.closeCause(), err)
		c.log.Debug("exchange failed", zap.String("request", ex.req.ID), zap.Error(failure))
		ex.fail(failure)
		return
	}
	if intact && keepAlive {
		c.release()
	} else {
		c.discard()
	}
	ex.succeed()
}

func (c *http1Conn) roundTrip(ex *exchange) (bool, error) {
	if err := c.writeRequest(ex); err != nil {
		return false, err
	}
	ex.l.OnRequestSent()
	return c.readResponse(ex)
}

func (c *http1Conn) writeRequest(ex *exchange) error {
	req := ex.req
	length := req.contentLength()
	bw := c.bw

	bw.WriteString(req.Method)
	bw.WriteByte(' ')
	bw.WriteString(req.requestURI())
	bw.WriteString(" HTTP/1.1\r\nHost: ")
	bw.WriteString(req.authority())
	bw.WriteString("\r\n")
	for name, values := range req.Header {
		if skipHTTP1Header(name) {
			continue
		}
		for _, v := range values {
			bw.WriteString(name)
			bw.WriteString(": ")
			bw.WriteString(v)
			bw.WriteString("\r\n")
		}
	}
	if req.Header.Get("User-Agent") == "" {
		bw.WriteString("User-Agent: " + userAgent + "\r\n")
	}
	if req.Body != nil {
		if ct := req.Body.ContentType(); ct != "" && req.Header.Get("Content-Type") == "" {
			bw.WriteString("Content-Type: " + ct + "\r\n")
		}
		if length >= 0 {
			bw.WriteString("Content-Length: " + strconv.FormatInt(length, 10) + "\r\n")
		} else {
			bw.WriteString("Transfer-Encoding: chunked\r\n")
		}
	} else if methodExpectsBody(req.Method) {
		bw.WriteString("Content-Length: 0\r\n")
	}
	bw.WriteString("\r\n")

	if req.Body != nil && length != 0 {
		if err := c.writeBody(ex, length); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

func (c *http1Conn) writeBody(ex *exchange, length int64) error {
	if length < 0 {
		return c.writeChunked(ex)
	}
	if dt, ok := ex.req.Body.(body.DirectTransferer); ok {
		if err := c.bw.Flush(); err != nil {
			return &WriteError{Err: err}
		}
		return c.transferBody(ex, dt, length)
	}

	var written int64
	for written < length {
		if c.bw.Available() == 0 {
			if err := c.bw.Flush(); err != nil {
				return &WriteError{Err: err}
			}
		}
		// Fill straight into the writer's free space: the producer is asked
		// for exactly what the socket side can take.
		buf := c.bw.AvailableBuffer()
		buf = buf[:cap(buf)]
		if left := length - written; int64(len(buf)) > left {
			buf = buf[:left]
		}
		n, err := ex.fill(buf)
		if n > 0 {
			if _, werr := c.bw.Write(buf[:n]); werr != nil {
				return &WriteError{Err: werr}
			}
			written += int64(n)
		}
		switch {
		case errors.Is(err, io.EOF):
			if written < length {
				return &ResourceError{Err: errShortBody}
			}
			return nil
		case err != nil:
			return &ResourceError{Err: err}
		case n == 0:
			if err := c.bw.Flush(); err != nil {
				return &WriteError{Err: err}
			}
			if err := ex.waitForBody(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *http1Conn) transferBody(ex *exchange, dt body.DirectTransferer, length int64) error {
	chunk := int64(c.client.cfg.ChunkSize)
	var written int64
	for written < length {
		want := length - written
		if want > chunk {
			want = chunk
		}
		n, err := ex.transfer(dt, c.conn, want)
		written += n
		switch {
		case errors.Is(err, io.EOF):
			if written < length {
				return &ResourceError{Err: errShortBody}
			}
			return nil
		case err != nil:
			return transferError(err)
		case n == 0:
			if err := ex.waitForBody(); err != nil {
				return err
			}
		default:
			ex.yieldIfSlow()
		}
	}
	return nil
}

func (c *http1Conn) writeChunked(ex *exchange) error {
	for {
		n, err := ex.fill(c.buf)
		if n > 0 {
			fmt.Fprintf(c.bw, "%x\r\n", n)
			c.bw.Write(c.buf[:n])
			if _, werr := c.bw.WriteString("\r\n"); werr != nil {
				return &WriteError{Err: werr}
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			if _, werr := c.bw.WriteString("0\r\n\r\n"); werr != nil {
				return &WriteError{Err: werr}
			}
			return nil
		case err != nil:
			return &ResourceError{Err: err}
		case n == 0:
			if err := c.bw.Flush(); err != nil {
				return &WriteError{Err: err}
			}
			if err := ex.waitForBody(); err != nil {
				return err
			}
		}
	}
}

func (c *http1Conn) readResponse(ex *exchange) (bool, error) {
	forRead := &http.Request{Method: ex.req.Method}
	var resp *http.Response
	for {
		r, err := http.ReadResponse(c.br, forRead)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("connection closed before response: %w", err)
			}
			return false, &ProtocolError{Err: err}
		}
		if r.StatusCode >= 100 && r.StatusCode < 200 && r.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		resp = r
		break
	}
	defer resp.Body.Close()

	ex.l.OnHeaders(resp.StatusCode, resp.Header)
	for {
		n, err := resp.Body.Read(c.buf)
		ended := errors.Is(err, io.EOF)
		if n > 0 || ended {
			ex.l.OnContentChunk(c.buf[:n], ended)
		}
		if ended {
			break
		}
		if err != nil {
			return false, &ProtocolError{Err: fmt.Errorf("read response body: %w", err)}
		}
	}
	keepAlive := !resp.Close && resp.StatusCode != http.StatusSwitchingProtocols &&
		!httpguts.HeaderValuesContainsToken(ex.req.Header["Connection"], "close")
	return keepAlive, nil
}

const userAgent = "crankshaft"

// skipHTTP1Header reports headers the writer emits itself.
func skipHTTP1Header(name string) bool {
	switch strings.ToLower(name) {
	case "host", "content-length", "transfer-encoding":
		return true
	}
	return false
}

func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
