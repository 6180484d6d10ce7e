package multipart

import (
	"bytes"
	"errors"
	"io"
	"mime"
	stdmultipart "mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type countingContent struct {
	data   []byte
	pos    int
	closes int
	failAt int
}

func (c *countingContent) length() int64 { return int64(len(c.data)) }

func (c *countingContent) fill(p []byte) (int, error) {
	if c.failAt > 0 && c.pos >= c.failAt {
		return 0, errors.New("disk on fire")
	}
	n := copy(p, c.data[c.pos:])
	c.pos += n
	return n, nil
}

func (c *countingContent) transfer(w io.Writer, max int64) (int64, error) {
	end := min(c.pos+int(max), len(c.data))
	n, err := w.Write(c.data[c.pos:end])
	c.pos += n
	return int64(n), err
}

func (c *countingContent) close() error {
	c.closes++
	return errors.New("close failure is swallowed")
}

func newTestPart(src content) *partImpl {
	return &partImpl{
		pre:      []byte("--b\r\n\r\n"),
		post:     crlf,
		src:      src,
		declared: src.length(),
	}
}

func TestPartImpl_StatesAndRelease(t *testing.T) {
	src := &countingContent{data: []byte("0123456789")}
	p := newTestPart(src)
	if p.state != StatePreContent {
		t.Fatalf("initial state = %v", p.state)
	}

	var out bytes.Buffer
	buf := make([]byte, 3)
	seen := map[State]bool{}
	for p.state != StateDone {
		n, err := p.fill(buf)
		if err != nil {
			t.Fatalf("fill error = %v", err)
		}
		out.Write(buf[:n])
		seen[p.state] = true
		if p.delivered > p.declared {
			t.Fatalf("delivered %d past declared %d", p.delivered, p.declared)
		}
	}

	if got, want := out.String(), "--b\r\n\r\n0123456789\r\n"; got != want {
		t.Errorf("part bytes = %q, want %q", got, want)
	}
	if src.closes != 1 {
		t.Errorf("release ran %d times, want 1", src.closes)
	}
	if !seen[StateContent] || !seen[StatePostContent] {
		t.Errorf("states seen = %v", seen)
	}

	p.abort()
	p.enterPostContent()
	if src.closes != 1 {
		t.Errorf("release ran %d times after abort, want 1", src.closes)
	}
}

func TestPartImpl_ResourceFailure(t *testing.T) {
	src := &countingContent{data: []byte("0123456789"), failAt: 4}
	p := newTestPart(src)

	buf := make([]byte, 3)
	var err error
	for i := 0; i < 10 && err == nil && p.state != StateDone; i++ {
		_, err = p.fill(buf)
	}
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("fill error = %v, want resource error", err)
	}
	if p.state != StateDone {
		t.Errorf("state after failure = %v, want Done", p.state)
	}
	if src.closes != 1 {
		t.Errorf("release ran %d times, want 1", src.closes)
	}
}

func TestPartImpl_EmptyContent(t *testing.T) {
	src := &countingContent{}
	p := newTestPart(src)
	buf := make([]byte, 64)
	n, err := p.fill(buf)
	if err != nil {
		t.Fatalf("fill error = %v", err)
	}
	if got := string(buf[:n]); got != "--b\r\n\r\n\r\n" {
		t.Errorf("part bytes = %q", got)
	}
	if p.state != StateDone || src.closes != 1 {
		t.Errorf("state = %v, closes = %d", p.state, src.closes)
	}
}

func writeFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("crankshaft-"), size/11+1)[:size]
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path, data
}

func TestBody_RoundTrip(t *testing.T) {
	path, fileData := writeFile(t, "upload.txt", 30000)
	b, err := New([]Part{
		&StringPart{Meta: Meta{Name: "title", Charset: "UTF-8", ContentType: "text/plain"}, Value: "hello world"},
		&FilePart{Meta: Meta{Name: "doc", ContentID: "<doc@crankshaft>"}, Path: path},
		&BytesPart{Meta: Meta{Name: "blob", ContentType: "application/x-test",
			Headers: []Header{{Name: "X-Part", Value: "3"}}}, FileName: "blob.bin", Content: []byte{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(b.Boundary()) != 30 {
		t.Errorf("boundary %q has length %d", b.Boundary(), len(b.Boundary()))
	}
	fileImpl := b.parts[1].src.(*fileContent)
	if fileImpl.file != nil {
		t.Fatal("file opened at construction")
	}

	var raw bytes.Buffer
	buf := make([]byte, 1000)
	for {
		n, err := b.Fill(buf)
		raw.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Fill error = %v", err)
		}
	}
	if int64(raw.Len()) != b.ContentLength() {
		t.Fatalf("produced %d bytes, declared %d", raw.Len(), b.ContentLength())
	}
	if fileImpl.file != nil {
		t.Error("file still open after body completed")
	}
	for i, s := range b.States() {
		if s != StateDone {
			t.Errorf("part %d state = %v", i, s)
		}
	}
	if !strings.HasSuffix(raw.String(), "--"+b.Boundary()+"--\r\n") {
		t.Error("missing closing delimiter")
	}

	_, params, _ := mime.ParseMediaType(b.ContentType())
	reader := stdmultipart.NewReader(bytes.NewReader(raw.Bytes()), params["boundary"])

	type want struct {
		name, fileName, contentType string
		data                        []byte
	}
	wants := []want{
		{name: "title", contentType: "text/plain; charset=UTF-8", data: []byte("hello world")},
		{name: "doc", fileName: "upload.txt", contentType: "application/octet-stream", data: fileData},
		{name: "blob", fileName: "blob.bin", contentType: "application/x-test", data: []byte{1, 2, 3}},
	}
	for _, w := range wants {
		part, err := reader.NextPart()
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		if part.FormName() != w.name || part.FileName() != w.fileName {
			t.Errorf("part name=%q file=%q, want %q %q", part.FormName(), part.FileName(), w.name, w.fileName)
		}
		if got := part.Header.Get("Content-Type"); got != w.contentType {
			t.Errorf("part %s content type = %q, want %q", w.name, got, w.contentType)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if !bytes.Equal(data, w.data) {
			t.Errorf("part %s: got %d bytes, want %d", w.name, len(data), len(w.data))
		}
		switch w.name {
		case "doc":
			if got := part.Header.Get("Content-ID"); got != "<doc@crankshaft>" {
				t.Errorf("Content-ID = %q", got)
			}
		case "blob":
			if got := part.Header.Get("X-Part"); got != "3" {
				t.Errorf("X-Part = %q", got)
			}
		}
	}
	if _, err := reader.NextPart(); !errors.Is(err, io.EOF) {
		t.Errorf("expected end of parts, got %v", err)
	}
}

func TestBody_TransferTo(t *testing.T) {
	path, fileData := writeFile(t, "data.bin", 25000)
	b, err := New([]Part{
		&StringPart{Meta: Meta{Name: "a"}, Value: "1"},
		&FilePart{Meta: Meta{Name: "f"}, FileName: "renamed.bin", Path: path},
	}, WithBoundary("fixed-boundary"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if b.ContentType() != "multipart/form-data; boundary=fixed-boundary" {
		t.Errorf("ContentType() = %q", b.ContentType())
	}

	var raw bytes.Buffer
	sawDirect := false
	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("transfer never ended")
		}
		if b.current() != nil && b.current().direct() {
			sawDirect = true
		}
		n, err := b.TransferTo(&raw, 4096)
		if n > 4096 {
			t.Fatalf("TransferTo moved %d bytes", n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("TransferTo error = %v", err)
		}
	}
	if !sawDirect {
		t.Error("file content was never transferred directly")
	}
	if int64(raw.Len()) != b.ContentLength() {
		t.Fatalf("transferred %d bytes, declared %d", raw.Len(), b.ContentLength())
	}
	if !bytes.Contains(raw.Bytes(), fileData) {
		t.Error("file content missing from body")
	}
	if !bytes.Contains(raw.Bytes(), []byte(`filename="renamed.bin"`)) {
		t.Error("explicit file name not used")
	}
}

func TestBody_CloseReleasesParts(t *testing.T) {
	path, _ := writeFile(t, "held.bin", 50000)
	b, err := New([]Part{&FilePart{Meta: Meta{Name: "f"}, Path: path}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := b.Fill(make([]byte, 512)); err != nil {
		t.Fatalf("Fill error = %v", err)
	}
	fc := b.parts[0].src.(*fileContent)
	if fc.file == nil {
		t.Fatal("file not opened by first content read")
	}
	_ = b.Close()
	_ = b.Close()
	if fc.file != nil {
		t.Error("file still open after Close")
	}
	if _, err := b.Fill(make([]byte, 8)); err == nil {
		t.Error("Fill after Close succeeded")
	}
}

// releaseCounter counts releases of the content it wraps.
type releaseCounter struct {
	content
	closes int
}

func (r *releaseCounter) close() error {
	r.closes++
	return r.content.close()
}

func truncatedBody(t *testing.T) (*Body, string) {
	t.Helper()
	path, _ := writeFile(t, "shrinks.bin", 20000)
	b, err := New([]Part{
		&StringPart{Meta: Meta{Name: "a"}, Value: "x"},
		&FilePart{Meta: Meta{Name: "f"}, Path: path},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := os.Truncate(path, 5000); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	return b, path
}

func TestBody_TruncatedFileFill(t *testing.T) {
	b, _ := truncatedBody(t)
	rc := &releaseCounter{content: b.parts[1].src}
	b.parts[1].src = rc

	buf := make([]byte, 4096)
	var total int64
	postContent := 0
	prev := b.States()[1]
	for calls := 0; ; calls++ {
		if calls > 1000 {
			t.Fatal("body never ended")
		}
		n, err := b.Fill(buf)
		total += int64(n)
		if st := b.States()[1]; st != prev {
			if prev < StatePostContent && st >= StatePostContent {
				postContent++
			}
			prev = st
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Fill error = %v", err)
		}
	}
	if want := b.ContentLength() - 15000; total != want {
		t.Errorf("produced %d bytes, want %d", total, want)
	}
	if postContent != 1 {
		t.Errorf("file part entered PostContent %d times, want 1", postContent)
	}
	if rc.closes != 1 {
		t.Errorf("release ran %d times, want 1", rc.closes)
	}
	_ = b.Close()
	if rc.closes != 1 {
		t.Errorf("release ran %d times after Close, want 1", rc.closes)
	}
}

func TestBody_TruncatedFileTransfer(t *testing.T) {
	b, _ := truncatedBody(t)
	fc := b.parts[1].src.(*fileContent)

	var out bytes.Buffer
	for calls := 0; ; calls++ {
		if calls > 1000 {
			t.Fatal("body never ended")
		}
		_, err := b.TransferTo(&out, 4096)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("TransferTo error = %v", err)
		}
	}
	if want := b.ContentLength() - 15000; int64(out.Len()) != want {
		t.Errorf("produced %d bytes, want %d", out.Len(), want)
	}
	if fc.file != nil || !b.parts[1].released {
		t.Error("file not released after its content ended early")
	}
	for i, st := range b.States() {
		if st != StateDone {
			t.Errorf("part %d state = %v, want Done", i, st)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for empty part list")
	}
	if _, err := New([]Part{&FilePart{Meta: Meta{Name: "f"}, Path: filepath.Join(t.TempDir(), "nope")}}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRandomBoundary(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		b := RandomBoundary()
		if len(b) != 30 {
			t.Fatalf("boundary length = %d", len(b))
		}
		if strings.Trim(b, boundaryChars) != "" {
			t.Fatalf("boundary %q has characters outside the alphabet", b)
		}
		seen[b] = true
	}
	if len(seen) < 45 {
		t.Errorf("boundaries repeat too often: %d distinct of 50", len(seen))
	}
}
