package body

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func drain(t *testing.T, p Producer, chunk int) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, chunk)
	for i := 0; i < 1<<20; i++ {
		n, err := p.Fill(buf)
		out.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			return out.Bytes()
		}
		if err != nil {
			t.Fatalf("Fill failed: %v", err)
		}
	}
	t.Fatal("producer never ended")
	return nil
}

func TestEncodeForm(t *testing.T) {
	tests := []struct {
		name    string
		params  []Param
		charset string
		want    string
	}{
		{
			name:   "pairs in order",
			params: []Param{Field("a", "1"), Field("b", "x y")},
			want:   "a=1&b=x+y",
		},
		{
			name:   "valueless param",
			params: []Param{Field("a", "1"), Flag("debug"), Field("c", "")},
			want:   "a=1&debug&c=",
		},
		{
			name:   "duplicates kept",
			params: []Param{Field("k", "1"), Field("k", "2")},
			want:   "k=1&k=2",
		},
		{
			name:   "reserved characters",
			params: []Param{Field("q", "a&b=c/d-e.f_g*h~")},
			want:   "q=a%26b%3Dc%2Fd-e.f_g*h%7E",
		},
		{
			name:   "utf-8 multibyte",
			params: []Param{Field("name", "é")},
			want:   "name=%C3%A9",
		},
		{
			name:    "latin-1",
			params:  []Param{Field("name", "é")},
			charset: "ISO-8859-1",
			want:    "name=%E9",
		},
		{
			name: "empty",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeForm(tt.params, tt.charset)
			if err != nil {
				t.Fatalf("EncodeForm() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("EncodeForm() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewFormBody_UnknownCharset(t *testing.T) {
	if _, err := NewFormBody([]Param{Field("a", "1")}, "no-such-charset"); err == nil {
		t.Fatal("expected error for unknown charset")
	}
}

func TestNewFormBody_ContentType(t *testing.T) {
	b, err := NewFormBody([]Param{Field("a", "1")}, "ISO-8859-1")
	if err != nil {
		t.Fatalf("NewFormBody() error = %v", err)
	}
	if got := b.ContentType(); got != "application/x-www-form-urlencoded; charset=ISO-8859-1" {
		t.Errorf("ContentType() = %q", got)
	}
	if b.ContentLength() != 3 {
		t.Errorf("ContentLength() = %d, want 3", b.ContentLength())
	}
	if got := drain(t, b, 2); string(got) != "a=1" {
		t.Errorf("body = %q", got)
	}
}

func TestBytesBody_Close(t *testing.T) {
	b := NewStringBody("hello", "text/plain")
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := b.Fill(make([]byte, 4)); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Fill after Close error = %v, want ErrProducerClosed", err)
	}
}

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path, data
}

func TestFileBody_Fill(t *testing.T) {
	path, data := writeTempFile(t, 20000)
	b, err := NewFileBody(path, "")
	if err != nil {
		t.Fatalf("NewFileBody() error = %v", err)
	}
	if b.ContentType() != "application/octet-stream" {
		t.Errorf("ContentType() = %q", b.ContentType())
	}
	if b.file != nil {
		t.Fatal("file opened before first read")
	}

	got := drain(t, b, 4096)
	if !bytes.Equal(got, data) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(got), len(data))
	}
	if b.Position() != b.ContentLength() {
		t.Errorf("Position() = %d, want %d", b.Position(), b.ContentLength())
	}
	if b.file != nil {
		t.Error("file still open after end of body")
	}
}

func TestFileBody_TransferTo(t *testing.T) {
	path, data := writeTempFile(t, 10000)
	b, err := NewFileBody(path, "application/x-test")
	if err != nil {
		t.Fatalf("NewFileBody() error = %v", err)
	}

	var out bytes.Buffer
	for {
		n, err := b.TransferTo(&out, 3000)
		if n > 3000 {
			t.Fatalf("TransferTo moved %d bytes, more than the chunk", n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("TransferTo error = %v", err)
		}
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("transferred %d bytes, want %d", out.Len(), len(data))
	}
	if b.file != nil {
		t.Error("file still open after transfer completed")
	}
}

func TestFileBody_ShortRead(t *testing.T) {
	path, _ := writeTempFile(t, 5000)
	b, err := NewFileBody(path, "")
	if err != nil {
		t.Fatalf("NewFileBody() error = %v", err)
	}
	if err := os.Truncate(path, 1200); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	got := drain(t, b, 1000)
	if len(got) != 1200 {
		t.Errorf("produced %d bytes, want 1200", len(got))
	}
	if b.ContentLength() != 5000 {
		t.Errorf("declared length changed to %d", b.ContentLength())
	}
}

func TestFileBody_Missing(t *testing.T) {
	if _, err := NewFileBody(filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := NewFileBody(t.TempDir(), ""); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestFileBody_CloseIdempotent(t *testing.T) {
	path, _ := writeTempFile(t, 100)
	b, err := NewFileBody(path, "")
	if err != nil {
		t.Fatalf("NewFileBody() error = %v", err)
	}
	if _, err := b.Fill(make([]byte, 10)); err != nil {
		t.Fatalf("Fill error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Close(); err != nil {
			t.Fatalf("Close #%d error = %v", i, err)
		}
	}
	if _, err := b.TransferTo(io.Discard, 10); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("TransferTo after Close error = %v", err)
	}
}

func TestChunkBody(t *testing.T) {
	b := NewChunkBody(UnknownLength, "text/plain")
	buf := make([]byte, 4)

	n, err := b.Fill(buf)
	if n != 0 || err != nil {
		t.Fatalf("Fill on empty queue = (%d, %v), want (0, nil)", n, err)
	}

	if err := b.Push([]byte("hello")); err != nil {
		t.Fatalf("Push error = %v", err)
	}
	select {
	case <-b.Ready():
	default:
		t.Fatal("Ready did not fire after Push")
	}

	n, err = b.Fill(buf)
	if err != nil || string(buf[:n]) != "hell" {
		t.Fatalf("Fill = (%q, %v)", buf[:n], err)
	}
	b.CloseWrite()
	n, err = b.Fill(buf)
	if !errors.Is(err, io.EOF) || string(buf[:n]) != "o" {
		t.Fatalf("final Fill = (%q, %v), want (\"o\", EOF)", buf[:n], err)
	}
	if err := b.Push([]byte("x")); !errors.Is(err, ErrWriteClosed) {
		t.Errorf("Push after CloseWrite error = %v", err)
	}
}

func TestChunkBody_Close(t *testing.T) {
	b := NewChunkBody(10, "")
	_ = b.Push([]byte("data"))
	_ = b.Close()
	_ = b.Close()
	if _, err := b.Fill(make([]byte, 8)); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Fill after Close error = %v", err)
	}
	if err := b.Push([]byte("x")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Push after Close error = %v", err)
	}
}
