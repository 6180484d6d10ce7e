package httpclient

import (
	"context"
	"net/http"
	"sync"
)

// Listener receives the events of one request. Callbacks for a request are
// never concurrent. After OnComplete or OnFailure no further callback fires.
//
// The chunk passed to OnContentChunk is only valid during the call.
type Listener interface {
	OnConnectAttempt(addr string)
	OnConnect(proto Protocol)
	OnConnectFailure(err error)
	OnRequestSent()
	OnHeaders(status int, header http.Header)
	OnContentChunk(chunk []byte, last bool)
	OnComplete()
	OnFailure(err error)
}

// BaseListener implements every callback as a no-op. Embed it to override a
// subset.
type BaseListener struct{}

func (BaseListener) OnConnectAttempt(string)     {}
func (BaseListener) OnConnect(Protocol)          {}
func (BaseListener) OnConnectFailure(error)      {}
func (BaseListener) OnRequestSent()              {}
func (BaseListener) OnHeaders(int, http.Header)  {}
func (BaseListener) OnContentChunk([]byte, bool) {}
func (BaseListener) OnComplete()                 {}
func (BaseListener) OnFailure(error)             {}

// guard serializes callbacks and drops everything after the first terminal
// event, so competing paths (read loop, flush, timeout) cannot double-report.
type guard struct {
	mu   sync.Mutex
	l    Listener
	done bool
}

func newGuard(l Listener) *guard {
	if l == nil {
		l = BaseListener{}
	}
	return &guard{l: l}
}

func (g *guard) OnConnectAttempt(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.l.OnConnectAttempt(addr)
	}
}

func (g *guard) OnConnect(proto Protocol) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.l.OnConnect(proto)
	}
}

func (g *guard) OnConnectFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.l.OnConnectFailure(err)
	}
}

func (g *guard) OnRequestSent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.l.OnRequestSent()
	}
}

func (g *guard) OnHeaders(status int, header http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.l.OnHeaders(status, header)
	}
}

func (g *guard) OnContentChunk(chunk []byte, last bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.l.OnContentChunk(chunk, last)
	}
}

// complete fires OnComplete unless the request already ended. It reports
// whether this call was the terminal one.
func (g *guard) complete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	g.l.OnComplete()
	return true
}

// fail fires OnFailure unless the request already ended.
func (g *guard) fail(err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	g.l.OnFailure(err)
	return true
}

func (g *guard) finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Response is the buffered outcome collected by a ResponseListener.
type Response struct {
	Protocol   Protocol
	StatusCode int
	Header     http.Header
	Body       []byte
	// Connected is set when the request opened a new connection.
	Connected bool
}

// ResponseListener buffers the response and exposes it future-style.
type ResponseListener struct {
	BaseListener

	resp Response
	err  error
	done chan struct{}
}

func NewResponseListener() *ResponseListener {
	return &ResponseListener{done: make(chan struct{})}
}

func (l *ResponseListener) OnConnect(proto Protocol) {
	l.resp.Connected = true
	l.resp.Protocol = proto
}

func (l *ResponseListener) OnHeaders(status int, header http.Header) {
	l.resp.StatusCode = status
	l.resp.Header = header
}

func (l *ResponseListener) OnContentChunk(chunk []byte, _ bool) {
	l.resp.Body = append(l.resp.Body, chunk...)
}

func (l *ResponseListener) OnComplete() { close(l.done) }

func (l *ResponseListener) OnFailure(err error) {
	l.err = err
	close(l.done)
}

// Done is closed when the request has completed or failed.
func (l *ResponseListener) Done() <-chan struct{} { return l.done }

// Result returns the outcome. It must only be called after Done is closed.
func (l *ResponseListener) Result() (*Response, error) {
	if l.err != nil {
		return nil, l.err
	}
	resp := l.resp
	return &resp, nil
}

// Wait blocks until the request ends or ctx is done.
func (l *ResponseListener) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-l.done:
		return l.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
