package body

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FileBody streams a file as the whole request body. The file is opened on
// the first read and closed as soon as its declared length has been produced.
type FileBody struct {
	path        string
	length      int64
	contentType string

	file   *os.File
	pos    int64
	slow   bool
	done   bool
	closed bool
}

// NewFileBody stats path and returns a lazy producer for it. The length is
// fixed at construction; a file that shrinks later ends early.
func NewFileBody(path, contentType string) (*FileBody, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("body file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("body file %q is a directory", path)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &FileBody{path: path, length: info.Size(), contentType: contentType}, nil
}

func (b *FileBody) ContentLength() int64 { return b.length }

func (b *FileBody) ContentType() string { return b.contentType }

// Position reports how many bytes have been produced so far.
func (b *FileBody) Position() int64 { return b.pos }

func (b *FileBody) Slow() bool { return b.slow }

func (b *FileBody) Fill(p []byte) (int, error) {
	if b.closed {
		return 0, ErrProducerClosed
	}
	if b.done {
		return 0, io.EOF
	}
	remaining := b.length - b.pos
	if remaining <= 0 {
		b.finish()
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	if err := b.open(); err != nil {
		return 0, err
	}
	n, err := b.file.Read(p)
	b.pos += int64(n)
	switch {
	case errors.Is(err, io.EOF) || b.pos == b.length:
		// a file shorter than its declared length ends here
		b.finish()
		return n, io.EOF
	case err != nil:
		return n, err
	}
	return n, nil
}

// TransferTo copies up to maxChunk bytes straight from the file into w. When
// w is a *net.TCPConn (or wraps one with ReadFrom) the kernel moves the bytes.
func (b *FileBody) TransferTo(w io.Writer, maxChunk int64) (int64, error) {
	if b.closed {
		return 0, ErrProducerClosed
	}
	if b.done {
		return 0, io.EOF
	}
	if maxChunk <= 0 {
		maxChunk = DefaultChunkSize
	}
	want := b.length - b.pos
	if want > maxChunk {
		want = maxChunk
	}
	if want <= 0 {
		b.finish()
		return 0, io.EOF
	}
	if err := b.open(); err != nil {
		return 0, err
	}
	n, err := io.CopyN(w, b.file, want)
	b.pos += n
	switch {
	case errors.Is(err, io.EOF) || b.pos == b.length:
		b.finish()
		return n, io.EOF
	case err != nil:
		return n, err
	}
	b.slow = n < maxChunk
	return n, nil
}

func (b *FileBody) open() error {
	if b.file != nil {
		return nil
	}
	f, err := os.Open(b.path)
	if err != nil {
		return err
	}
	b.file = f
	return nil
}

func (b *FileBody) finish() {
	b.done = true
	b.slow = false
	b.release()
}

func (b *FileBody) release() {
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
}

func (b *FileBody) Close() error {
	b.closed = true
	b.release()
	return nil
}
