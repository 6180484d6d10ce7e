// Package body produces request bodies for the crankshaft engine.
//
// A [Producer] hands out bytes on demand. The transport decides how many bytes
// it can take right now and passes a slice of exactly that size to
// [Producer.Fill]; the producer never writes past it. This is how TCP
// backpressure and HTTP/2 flow-control windows reach the body source.
//
// Small bodies (form fields, fixed byte slices) are built eagerly into one
// buffer. Files and pushed chunks are produced lazily so that a large upload
// never sits in memory. Multipart assemblies live in the multipart subpackage.
package body

import (
	"errors"
	"io"
)

// ErrProducerClosed is returned by Fill after Close.
var ErrProducerClosed = errors.New("body producer closed")

// DefaultChunkSize is the transfer unit used when a caller has no better hint.
const DefaultChunkSize = 8192

// Producer emits the bytes of one request body.
//
// Fill writes at most len(p) bytes. It returns io.EOF once the source has
// ended; the final bytes may be returned together with io.EOF. A (0, nil)
// return means the source is temporarily exhausted and the caller should try
// again later (see [Notifier]). Any other error is a local failure of the
// backing resource.
//
// A Producer belongs to a single request and is driven by one goroutine at a
// time. Close releases every resource it holds and may be called any number of
// times.
type Producer interface {
	ContentLength() int64
	ContentType() string
	Fill(p []byte) (int, error)
	Close() error
}

// DirectTransferer is implemented by producers backed by a resource that can
// be moved to the transport without copying through user space.
//
// TransferTo moves at most maxChunk bytes to w and returns the amount moved.
// io.EOF reports that the source has ended.
type DirectTransferer interface {
	TransferTo(w io.Writer, maxChunk int64) (int64, error)
}

// SlowSource is implemented by producers that can report that their last
// transfer moved less than requested without reaching the end.
type SlowSource interface {
	Slow() bool
}

// Notifier is implemented by producers that may return (0, nil) from Fill.
// The returned channel receives a value when more bytes may be available.
type Notifier interface {
	Ready() <-chan struct{}
}

// UnknownLength is returned by ContentLength when the size is not known up front.
const UnknownLength int64 = -1
