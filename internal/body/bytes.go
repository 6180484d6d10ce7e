package body

import "io"

// BytesBody is an eager producer over a fully built buffer.
type BytesBody struct {
	data        []byte
	pos         int
	contentType string
	closed      bool
}

// NewBytesBody wraps data. The slice is not copied and must not be modified
// while the request is in flight.
func NewBytesBody(data []byte, contentType string) *BytesBody {
	return &BytesBody{data: data, contentType: contentType}
}

// NewStringBody wraps s.
func NewStringBody(s, contentType string) *BytesBody {
	return NewBytesBody([]byte(s), contentType)
}

func (b *BytesBody) ContentLength() int64 { return int64(len(b.data)) }

func (b *BytesBody) ContentType() string { return b.contentType }

// Bytes returns the full body regardless of how much has been produced.
func (b *BytesBody) Bytes() []byte { return b.data }

func (b *BytesBody) Fill(p []byte) (int, error) {
	if b.closed {
		return 0, ErrProducerClosed
	}
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	if b.pos >= len(b.data) {
		return n, io.EOF
	}
	return n, nil
}

func (b *BytesBody) Close() error {
	b.closed = true
	return nil
}
