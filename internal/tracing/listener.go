package tracing

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/crankshaft/internal/httpclient"
)

// Attribute keys set on request spans.
const (
	AttrRequestID = attribute.Key("crankshaft.request_id")
	AttrSession   = attribute.Key("crankshaft.session")
	AttrProtocol  = attribute.Key("network.protocol.name")
	AttrConnected = attribute.Key("crankshaft.new_connection")
	AttrErrorKind = attribute.Key("error.type")
	AttrBytesRead = attribute.Key("http.response.body.size")
)

// StartRequestSpan starts a client span for req.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, req *httpclient.Request, session string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("server.address", req.URL.Hostname()),
		AttrRequestID.String(req.ID),
	)
	if session != "" {
		span.SetAttributes(AttrSession.String(session))
	}
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.SetAttributes(AttrErrorKind.String(httpclient.ErrorKind(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// Listener decorates an httpclient.Listener with a request span. Engine
// events become span events; the span ends on the terminal callback.
type Listener struct {
	inner httpclient.Listener
	span  trace.Span

	mu    sync.Mutex
	bytes int64
	attrs []attribute.KeyValue
}

// Wrap starts a span for req and returns a listener that ends it. When
// propagate is set the trace context is written into req.Header.
func Wrap(ctx context.Context, tracer trace.Tracer, req *httpclient.Request, session string, propagate bool, inner httpclient.Listener) (context.Context, *Listener) {
	if inner == nil {
		inner = httpclient.BaseListener{}
	}
	ctx, span := StartRequestSpan(ctx, tracer, req, session)
	if propagate {
		InjectHTTPHeaders(ctx, req.Header)
	}
	return ctx, &Listener{inner: inner, span: span}
}

func (l *Listener) OnConnectAttempt(addr string) {
	l.span.AddEvent("connect.attempt", trace.WithAttributes(attribute.String("server.socket.address", addr)))
	l.inner.OnConnectAttempt(addr)
}

func (l *Listener) OnConnect(proto httpclient.Protocol) {
	l.span.AddEvent("connect.done")
	l.mu.Lock()
	l.attrs = append(l.attrs, AttrConnected.Bool(true), AttrProtocol.String(proto.String()))
	l.mu.Unlock()
	l.inner.OnConnect(proto)
}

func (l *Listener) OnConnectFailure(err error) {
	l.span.AddEvent("connect.failed", trace.WithAttributes(attribute.String("error.message", err.Error())))
	l.inner.OnConnectFailure(err)
}

func (l *Listener) OnRequestSent() {
	l.span.AddEvent("request.sent")
	l.inner.OnRequestSent()
}

func (l *Listener) OnHeaders(status int, header http.Header) {
	l.span.AddEvent("response.headers")
	l.mu.Lock()
	l.attrs = append(l.attrs, attribute.Int("http.response.status_code", status))
	l.mu.Unlock()
	l.inner.OnHeaders(status, header)
}

func (l *Listener) OnContentChunk(chunk []byte, last bool) {
	l.mu.Lock()
	l.bytes += int64(len(chunk))
	l.mu.Unlock()
	l.inner.OnContentChunk(chunk, last)
}

func (l *Listener) OnComplete() {
	EndSpan(l.span, nil, l.finalAttrs()...)
	l.inner.OnComplete()
}

func (l *Listener) OnFailure(err error) {
	EndSpan(l.span, err, l.finalAttrs()...)
	l.inner.OnFailure(err)
}

func (l *Listener) finalAttrs() []attribute.KeyValue {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(l.attrs, AttrBytesRead.Int64(l.bytes))
}
