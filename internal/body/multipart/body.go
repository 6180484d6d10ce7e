package multipart

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/torosent/crankshaft/internal/body"
)

const boundaryChars = "-_1234567890abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const boundaryLength = 30

// Option configures a multipart body.
type Option func(*Body)

// WithBoundary fixes the boundary token instead of drawing a random one.
func WithBoundary(boundary string) Option {
	return func(b *Body) {
		if boundary != "" {
			b.boundary = boundary
		}
	}
}

// Body is the multipart/form-data producer. Its length is the sum of the
// declared part lengths plus framing, so it is never sent chunked.
type Body struct {
	boundary    string
	contentType string
	parts       []*partImpl
	idx         int
	closing     []byte
	closingPos  int
	length      int64
	scratch     []byte
	slow        bool
	closed      bool
}

// New builds a multipart producer over parts. File parts are stat'ed here but
// opened only when their content is reached.
func New(parts []Part, opts ...Option) (*Body, error) {
	if len(parts) == 0 {
		return nil, errors.New("multipart: at least one part is required")
	}
	b := &Body{}
	for _, opt := range opts {
		opt(b)
	}
	if b.boundary == "" {
		b.boundary = RandomBoundary()
	}
	boundary := []byte(b.boundary)
	for i, p := range parts {
		impl, err := newPartImpl(p, boundary)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		b.parts = append(b.parts, impl)
		b.length += impl.length()
	}
	b.closing = []byte("--" + b.boundary + "--\r\n")
	b.length += int64(len(b.closing))
	b.contentType = "multipart/form-data; boundary=" + b.boundary
	return b, nil
}

// RandomBoundary returns a fresh boundary token.
func RandomBoundary() string {
	buf := make([]byte, boundaryLength)
	for i := range buf {
		buf[i] = boundaryChars[rand.IntN(len(boundaryChars))]
	}
	return string(buf)
}

func (b *Body) Boundary() string { return b.boundary }

func (b *Body) ContentLength() int64 { return b.length }

func (b *Body) ContentType() string { return b.contentType }

func (b *Body) Slow() bool { return b.slow }

// States reports the current state of every part, in order.
func (b *Body) States() []State {
	states := make([]State, len(b.parts))
	for i, p := range b.parts {
		states[i] = p.state
	}
	return states
}

func (b *Body) Fill(p []byte) (int, error) {
	if b.closed {
		return 0, body.ErrProducerClosed
	}
	n := 0
	for n < len(p) {
		part := b.current()
		if part == nil {
			c := copy(p[n:], b.closing[b.closingPos:])
			b.closingPos += c
			n += c
			if b.closingPos == len(b.closing) {
				return n, io.EOF
			}
			continue
		}
		c, err := part.fill(p[n:])
		n += c
		if err != nil {
			return n, err
		}
		if part.state != StateDone {
			// the source had nothing ready
			return n, nil
		}
		b.idx++
	}
	if b.current() == nil && b.closingPos == len(b.closing) {
		return n, io.EOF
	}
	return n, nil
}

// TransferTo hands file content straight to w and writes framing through a
// scratch buffer. Framing writes stop where file content begins so that the
// next call can move the content without copying.
func (b *Body) TransferTo(w io.Writer, maxChunk int64) (int64, error) {
	if b.closed {
		return 0, body.ErrProducerClosed
	}
	if maxChunk <= 0 {
		maxChunk = body.DefaultChunkSize
	}
	part := b.current()
	if part != nil && part.direct() {
		n, err := part.transfer(w, maxChunk)
		b.slow = part.slow
		if err != nil {
			return n, err
		}
		return n, nil
	}
	b.slow = false

	limit := maxChunk
	if left := b.framingLeft(); left > 0 && left < limit {
		limit = left
	}
	if int64(cap(b.scratch)) < limit {
		b.scratch = make([]byte, limit)
	}
	buf := b.scratch[:limit]
	n, ferr := b.Fill(buf)
	if n > 0 {
		if _, err := w.Write(buf[:n]); err != nil {
			return 0, err
		}
	}
	return int64(n), ferr
}

// Close aborts every part still holding a resource. It is idempotent.
func (b *Body) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	for _, p := range b.parts {
		if p.state != StateDone {
			p.abort()
		}
	}
	return nil
}

// framingLeft counts the bytes Fill produces before the next file content,
// or -1 when no file content is ahead.
func (b *Body) framingLeft() int64 {
	var left int64
	for _, p := range b.parts[b.idx:] {
		if _, file := p.src.(*fileContent); file && p.state == StatePreContent {
			return left + int64(len(p.pre)-p.prePos)
		}
		left += p.remaining()
	}
	return -1
}

func (b *Body) current() *partImpl {
	for b.idx < len(b.parts) && b.parts[b.idx].state == StateDone {
		b.idx++
	}
	if b.idx < len(b.parts) {
		return b.parts[b.idx]
	}
	return nil
}
