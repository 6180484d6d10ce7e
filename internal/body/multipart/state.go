package multipart

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// State is the lifecycle position of a part.
type State int

const (
	StatePreContent State = iota
	StateContent
	StatePostContent
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePreContent:
		return "PRE_CONTENT"
	case StateContent:
		return "CONTENT"
	case StatePostContent:
		return "POST_CONTENT"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var crlf = []byte("\r\n")

// content is the capability set shared by the part variants.
type content interface {
	length() int64
	fill(p []byte) (int, error)
	transfer(w io.Writer, max int64) (int64, error)
	close() error
}

// partImpl is the runtime state of one part inside a producer.
type partImpl struct {
	pre     []byte
	prePos  int
	post    []byte
	postPos int

	src       content
	declared  int64
	delivered int64

	state    State
	released bool
	slow     bool
}

func newPartImpl(p Part, boundary []byte) (*partImpl, error) {
	var (
		src      content
		fileName string
		hasFile  bool
	)
	switch v := p.(type) {
	case *StringPart:
		src = &bytesContent{data: []byte(v.Value)}
	case *BytesPart:
		src = &bytesContent{data: v.Content}
		fileName, hasFile = v.FileName, true
	case *FilePart:
		fc, err := newFileContent(v.Path)
		if err != nil {
			return nil, err
		}
		src = fc
		fileName, hasFile = v.FileName, true
		if fileName == "" {
			fileName = baseName(v.Path)
		}
	default:
		return nil, fmt.Errorf("multipart: unsupported part type %T", p)
	}
	return &partImpl{
		pre:      preContent(p.meta(), fileName, hasFile, boundary),
		post:     crlf,
		src:      src,
		declared: src.length(),
	}, nil
}

// length is the number of bytes this part contributes to the body.
func (p *partImpl) length() int64 {
	return int64(len(p.pre)) + p.declared + int64(len(p.post))
}

// remaining is the number of bytes the part has yet to produce.
func (p *partImpl) remaining() int64 {
	if p.state == StateDone {
		return 0
	}
	return int64(len(p.pre)-p.prePos) + (p.declared - p.delivered) + int64(len(p.post)-p.postPos)
}

// fill writes the next bytes of the part into dst, crossing state boundaries
// as long as room remains.
func (p *partImpl) fill(dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		switch p.state {
		case StatePreContent:
			c := copy(dst[n:], p.pre[p.prePos:])
			p.prePos += c
			n += c
			if p.prePos == len(p.pre) {
				p.enterContent()
			}
		case StateContent:
			room := dst[n:]
			if left := p.declared - p.delivered; int64(len(room)) > left {
				room = room[:left]
			}
			var (
				c   int
				err error
			)
			if len(room) > 0 {
				c, err = p.src.fill(room)
			}
			p.delivered += int64(c)
			n += c
			switch {
			case err != nil && !errors.Is(err, io.EOF):
				p.abort()
				return n, err
			case errors.Is(err, io.EOF) || p.delivered == p.declared:
				p.enterPostContent()
			case c == 0:
				return n, nil
			}
		case StatePostContent:
			c := copy(dst[n:], p.post[p.postPos:])
			p.postPos += c
			n += c
			if p.postPos == len(p.post) {
				p.state = StateDone
			}
		case StateDone:
			return n, nil
		}
	}
	return n, nil
}

// transfer moves content bytes straight to w. It is only meaningful in the
// Content state; the caller emits the other states with fill.
func (p *partImpl) transfer(w io.Writer, max int64) (int64, error) {
	if p.state != StateContent {
		return 0, nil
	}
	want := p.declared - p.delivered
	if want > max {
		want = max
	}
	var (
		n   int64
		err error
	)
	if want > 0 {
		n, err = p.src.transfer(w, want)
	}
	p.delivered += n
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		p.abort()
		return n, err
	case errors.Is(err, io.EOF) || p.delivered == p.declared:
		p.slow = false
		p.enterPostContent()
	default:
		p.slow = n < max
	}
	return n, nil
}

// direct reports whether the part is in a state where transfer applies.
func (p *partImpl) direct() bool {
	_, ok := p.src.(*fileContent)
	return ok && p.state == StateContent
}

func (p *partImpl) enterContent() {
	if p.state != StatePreContent {
		return
	}
	p.state = StateContent
	if p.declared == 0 {
		p.enterPostContent()
	}
}

func (p *partImpl) enterPostContent() {
	if p.state != StateContent {
		return
	}
	p.state = StatePostContent
	p.release()
}

// abort releases the resource and finishes the part without trailer bytes.
func (p *partImpl) abort() {
	p.release()
	p.state = StateDone
}

func (p *partImpl) release() {
	if p.released {
		return
	}
	p.released = true
	// close errors must not mask the transfer outcome
	_ = p.src.close()
}

type bytesContent struct {
	data []byte
	pos  int
}

func (b *bytesContent) length() int64 { return int64(len(b.data)) }

func (b *bytesContent) fill(p []byte) (int, error) {
	n := copy(p, b.data[b.pos:])
	b.pos += n
	if b.pos == len(b.data) {
		return n, io.EOF
	}
	return n, nil
}

func (b *bytesContent) transfer(w io.Writer, max int64) (int64, error) {
	end := b.pos + int(max)
	if end > len(b.data) {
		end = len(b.data)
	}
	n, err := w.Write(b.data[b.pos:end])
	b.pos += n
	if err == nil && b.pos == len(b.data) {
		err = io.EOF
	}
	return int64(n), err
}

func (b *bytesContent) close() error { return nil }

type fileContent struct {
	path string
	size int64
	file *os.File
}

func newFileContent(path string) (*fileContent, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("multipart file part: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("multipart file part %q is a directory", path)
	}
	return &fileContent{path: path, size: info.Size()}, nil
}

func (f *fileContent) length() int64 { return f.size }

func (f *fileContent) open() error {
	if f.file != nil {
		return nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	f.file = file
	return nil
}

func (f *fileContent) fill(p []byte) (int, error) {
	if err := f.open(); err != nil {
		return 0, err
	}
	return f.file.Read(p)
}

func (f *fileContent) transfer(w io.Writer, max int64) (int64, error) {
	if err := f.open(); err != nil {
		return 0, err
	}
	return io.CopyN(w, f.file, max)
}

func (f *fileContent) close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func preContent(m *Meta, fileName string, hasFile bool, boundary []byte) []byte {
	var sb strings.Builder
	sb.WriteString("--")
	sb.Write(boundary)
	sb.WriteString("\r\nContent-Disposition: form-data")
	if m.Name != "" {
		sb.WriteString("; name=\"")
		sb.WriteString(escapeQuotes(m.Name))
		sb.WriteByte('"')
	}
	if hasFile && fileName != "" {
		sb.WriteString("; filename=\"")
		sb.WriteString(escapeQuotes(fileName))
		sb.WriteByte('"')
	}
	contentType := m.ContentType
	if contentType == "" && hasFile {
		contentType = "application/octet-stream"
	}
	if contentType != "" {
		sb.WriteString("\r\nContent-Type: ")
		sb.WriteString(contentType)
		if m.Charset != "" {
			sb.WriteString("; charset=")
			sb.WriteString(m.Charset)
		}
	}
	if m.TransferEncoding != "" {
		sb.WriteString("\r\nContent-Transfer-Encoding: ")
		sb.WriteString(m.TransferEncoding)
	}
	if m.ContentID != "" {
		sb.WriteString("\r\nContent-ID: ")
		sb.WriteString(m.ContentID)
	}
	for _, h := range m.Headers {
		sb.WriteString("\r\n")
		sb.WriteString(h.Name)
		sb.WriteString(": ")
		sb.WriteString(h.Value)
	}
	sb.WriteString("\r\n\r\n")
	return []byte(sb.String())
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func baseName(path string) string {
	if idx := strings.LastIndexAny(path, `/\`); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
