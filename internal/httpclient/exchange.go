package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/torosent/crankshaft/internal/body"
)

// exchange is the engine's view of one request in flight.
type exchange struct {
	req     *Request
	l       *guard
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	bodyMu     sync.Mutex
	bodyClosed bool
	// emptyFills counts consecutive reads that produced nothing.
	emptyFills int
}

func newExchange(parent context.Context, req *Request, l *guard, defaultTimeout time.Duration) *exchange {
	if parent == nil {
		parent = context.Background()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ex := &exchange{req: req, l: l, timeout: timeout}
	if timeout > 0 {
		ex.ctx, ex.cancel = context.WithTimeout(parent, timeout)
	} else {
		ex.ctx, ex.cancel = context.WithCancel(parent)
	}
	return ex
}

// fill reads the next body bytes. It fails once the exchange has finished.
func (ex *exchange) fill(p []byte) (int, error) {
	ex.bodyMu.Lock()
	defer ex.bodyMu.Unlock()
	if ex.bodyClosed {
		return 0, body.ErrProducerClosed
	}
	n, err := ex.req.Body.Fill(p)
	if n > 0 {
		ex.emptyFills = 0
	}
	return n, err
}

func (ex *exchange) transfer(dt body.DirectTransferer, w io.Writer, max int64) (int64, error) {
	ex.bodyMu.Lock()
	defer ex.bodyMu.Unlock()
	if ex.bodyClosed {
		return 0, body.ErrProducerClosed
	}
	n, err := dt.TransferTo(w, max)
	if n > 0 {
		ex.emptyFills = 0
	}
	return n, err
}

func (ex *exchange) closeBody() {
	ex.bodyMu.Lock()
	defer ex.bodyMu.Unlock()
	if ex.bodyClosed {
		return
	}
	ex.bodyClosed = true
	if ex.req.Body != nil {
		_ = ex.req.Body.Close()
	}
}

func (ex *exchange) succeed() {
	ex.closeBody()
	ex.cancel()
	ex.l.complete()
}

func (ex *exchange) fail(err error) {
	ex.closeBody()
	ex.cancel()
	ex.l.fail(err)
}

// failure maps a transport error to the error reported to the listener.
// cause is the reason the channel was torn down, if it was.
func (ex *exchange) failure(cause, err error) error {
	if cause != nil {
		return &ClosedError{Err: cause}
	}
	if ctxErr := ex.ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &TimeoutError{After: ex.timeout}
		}
		return ctxErr
	}
	return err
}

const (
	minEmptyFillWait = 50 * time.Microsecond
	maxEmptyFillWait = 5 * time.Millisecond
)

// waitForBody parks a sender whose producer had nothing ready. Producers
// without a readiness signal are polled with a doubling wait.
func (ex *exchange) waitForBody() error {
	if n, ok := ex.req.Body.(body.Notifier); ok {
		select {
		case <-n.Ready():
			return nil
		case <-ex.ctx.Done():
			return ex.ctx.Err()
		}
	}
	wait := maxEmptyFillWait
	if ex.emptyFills < 7 {
		wait = min(minEmptyFillWait<<ex.emptyFills, maxEmptyFillWait)
	}
	ex.emptyFills++
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ex.ctx.Done():
		return ex.ctx.Err()
	}
}

// yieldIfSlow gives other goroutines a turn after a short transfer.
func (ex *exchange) yieldIfSlow() {
	if s, ok := ex.req.Body.(body.SlowSource); ok && s.Slow() {
		runtime.Gosched()
	}
}

var (
	errShortBody = errors.New("body shorter than declared content length")
	errGoneAway  = errors.New("connection is shutting down after GOAWAY")
)

// transferError classifies an error from a direct transfer, which may come
// from either the socket or the body resource.
func transferError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, net.ErrClosed) {
		return &WriteError{Err: err}
	}
	return &ResourceError{Err: err}
}
