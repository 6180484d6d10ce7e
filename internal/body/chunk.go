package body

import (
	"errors"
	"io"
	"sync"
)

// ErrWriteClosed is returned by Push after CloseWrite.
var ErrWriteClosed = errors.New("chunk body: write side closed")

// ChunkBody is a streaming producer fed by another goroutine. Fill returns
// (0, nil) while no chunk is queued and Ready fires when one arrives.
type ChunkBody struct {
	length      int64
	contentType string

	mu          sync.Mutex
	queue       [][]byte
	writeClosed bool
	closed      bool
	ready       chan struct{}
}

// NewChunkBody returns an empty chunk body. Pass UnknownLength when the total
// size is not known; HTTP/1.1 then falls back to chunked transfer coding.
func NewChunkBody(length int64, contentType string) *ChunkBody {
	return &ChunkBody{
		length:      length,
		contentType: contentType,
		ready:       make(chan struct{}, 1),
	}
}

func (b *ChunkBody) ContentLength() int64 { return b.length }

func (b *ChunkBody) ContentType() string { return b.contentType }

func (b *ChunkBody) Ready() <-chan struct{} { return b.ready }

// Push queues p. The slice is retained until produced.
func (b *ChunkBody) Push(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrProducerClosed
	}
	if b.writeClosed {
		return ErrWriteClosed
	}
	if len(p) > 0 {
		b.queue = append(b.queue, p)
	}
	b.notify()
	return nil
}

// CloseWrite marks the end of the body once queued chunks are drained.
func (b *ChunkBody) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeClosed = true
	b.notify()
}

func (b *ChunkBody) Fill(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrProducerClosed
	}
	n := 0
	for n < len(p) && len(b.queue) > 0 {
		c := copy(p[n:], b.queue[0])
		n += c
		if c == len(b.queue[0]) {
			b.queue[0] = nil
			b.queue = b.queue[1:]
		} else {
			b.queue[0] = b.queue[0][c:]
		}
	}
	if len(b.queue) == 0 && b.writeClosed {
		return n, io.EOF
	}
	return n, nil
}

func (b *ChunkBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queue = nil
	b.notify()
	return nil
}

func (b *ChunkBody) notify() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
