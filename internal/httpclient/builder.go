package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/torosent/crankshaft/internal/body"
	"github.com/torosent/crankshaft/internal/body/multipart"
	"github.com/torosent/crankshaft/internal/config"
)

// RequestBuilder turns a config into fresh requests. Each Build gets its own
// body producer, since producers are consumed by a single send.
type RequestBuilder struct {
	method  string
	target  *url.URL
	headers http.Header
	timeout time.Duration
	newBody func() (body.Producer, error)
}

func NewRequestBuilder(cfg *config.Config) (*RequestBuilder, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	target := strings.TrimSpace(cfg.TargetURL)
	if target == "" {
		return nil, errors.New("target URL is required")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}

	method := strings.TrimSpace(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	if !validMethod(method) {
		return nil, fmt.Errorf("invalid method %q", cfg.Method)
	}

	headers := http.Header{}
	for key, value := range cfg.Headers {
		trimmedKey := strings.TrimSpace(key)
		if !httpguts.ValidHeaderFieldName(trimmedKey) {
			return nil, fmt.Errorf("invalid header key %q", key)
		}
		canonicalKey := http.CanonicalHeaderKey(trimmedKey)
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid header value for %s", canonicalKey)
		}
		headers.Set(canonicalKey, value)
	}

	newBody, err := bodyFactory(cfg, headers.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	b := &RequestBuilder{
		method:  method,
		target:  u,
		headers: headers,
		timeout: cfg.Timeout,
		newBody: newBody,
	}
	sample := &Request{Method: method, URL: u, Header: headers}
	if err := sample.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// bodyFactory checks the configured body source once and returns a producer
// constructor for it.
func bodyFactory(cfg *config.Config, contentType string) (func() (body.Producer, error), error) {
	if kinds := cfg.BodyKinds(); len(kinds) > 1 {
		return nil, fmt.Errorf("%s are mutually exclusive", strings.Join(kinds, ", "))
	}

	switch {
	case cfg.Body != "":
		data := []byte(cfg.Body)
		return func() (body.Producer, error) {
			return body.NewBytesBody(data, contentType), nil
		}, nil

	case strings.TrimSpace(cfg.BodyFile) != "":
		path := strings.TrimSpace(cfg.BodyFile)
		sample, err := body.NewFileBody(path, contentType)
		if err != nil {
			return nil, err
		}
		_ = sample.Close()
		return func() (body.Producer, error) {
			return body.NewFileBody(path, contentType)
		}, nil

	case len(cfg.Form) > 0:
		params := make([]body.Param, 0, len(cfg.Form))
		for _, f := range cfg.Form {
			if f.NoValue {
				params = append(params, body.Flag(f.Name))
			} else {
				params = append(params, body.Field(f.Name, f.Value))
			}
		}
		// Eager encoding: build once and hand out copies.
		encoded, err := body.NewFormBody(params, cfg.Charset)
		if err != nil {
			return nil, fmt.Errorf("form: %w", err)
		}
		data, ct := encoded.Bytes(), encoded.ContentType()
		return func() (body.Producer, error) {
			return body.NewBytesBody(data, ct), nil
		}, nil

	case len(cfg.Multipart) > 0:
		fields := append([]config.MultipartField(nil), cfg.Multipart...)
		newParts := func() []multipart.Part {
			parts := make([]multipart.Part, 0, len(fields))
			for _, f := range fields {
				meta := multipart.Meta{Name: f.Name, ContentType: f.ContentType, Charset: f.Charset}
				if f.File != "" {
					parts = append(parts, &multipart.FilePart{Meta: meta, FileName: f.FileName, Path: f.File})
				} else {
					parts = append(parts, &multipart.StringPart{Meta: meta, Value: f.Value})
				}
			}
			return parts
		}
		sample, err := multipart.New(newParts())
		if err != nil {
			return nil, fmt.Errorf("multipart: %w", err)
		}
		_ = sample.Close()
		return func() (body.Producer, error) {
			return multipart.New(newParts())
		}, nil
	}
	return nil, nil
}

// Build returns a new request with a fresh id and body.
func (b *RequestBuilder) Build(ctx context.Context) (*Request, error) {
	if b == nil {
		return nil, errors.New("builder cannot be nil")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	u := *b.target
	req, err := NewRequest(b.method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = b.headers.Clone()
	req.Timeout = b.timeout

	if b.newBody != nil {
		p, err := b.newBody()
		if err != nil {
			return nil, fmt.Errorf("build body: %w", err)
		}
		req.Body = p
		if ct := p.ContentType(); ct != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", ct)
		}
	}
	return req, nil
}

// Method returns the request method the builder uses.
func (b *RequestBuilder) Method() string { return b.method }

// Target returns the request URL the builder uses.
func (b *RequestBuilder) Target() string { return b.target.String() }
