package httpclient

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/http/httpguts"

	"github.com/torosent/crankshaft/internal/body"
)

// Protocol identifies the wire protocol of a channel.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP1
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "HTTP/1.1"
	case ProtocolHTTP2:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// Request is one request to send. The engine borrows it for a single send;
// Body is consumed and closed by then.
type Request struct {
	ID      string
	Method  string
	URL     *url.URL
	Header  http.Header
	Body    body.Producer
	Timeout time.Duration
}

// Pair couples a request with its listener for SendBatch.
type Pair struct {
	Request  *Request
	Listener Listener
}

// NewRequest parses rawURL and returns a request with a fresh id.
func NewRequest(method, rawURL string, b body.Producer) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("invalid method %q", method)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	req := &Request{
		ID:     ulid.Make().String(),
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   b,
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Request) validate() error {
	if r == nil {
		return errors.New("request cannot be nil")
	}
	if r.URL == nil {
		return errors.New("request URL is required")
	}
	switch r.URL.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", r.URL.Scheme)
	}
	if r.URL.Host == "" {
		return errors.New("request URL has no host")
	}
	for name, values := range r.Header {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("invalid header name %q", name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("invalid header value for %s", name)
			}
		}
	}
	return nil
}

// hostPort returns host:port with the scheme's default port filled in.
func (r *Request) hostPort() string {
	host, port := r.URL.Hostname(), r.URL.Port()
	if port == "" {
		port = "80"
		if r.URL.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port)
}

// requestURI is the origin-form target written on the request line.
func (r *Request) requestURI() string {
	uri := r.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	return uri
}

// authority is the Host header and :authority value.
func (r *Request) authority() string {
	if h := r.Header.Get("Host"); h != "" {
		return h
	}
	return r.URL.Host
}

func (r *Request) contentLength() int64 {
	if r.Body == nil {
		return 0
	}
	return r.Body.ContentLength()
}

func validMethod(method string) bool {
	return len(method) > 0 && strings.IndexFunc(method, func(c rune) bool {
		return !httpguts.IsTokenRune(c)
	}) == -1
}
