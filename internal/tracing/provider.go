// Package tracing exports one OpenTelemetry span per request and propagates
// W3C trace context in request headers.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/torosent/crankshaft/internal/config"
)

const (
	defaultServiceName = "crankshaft"
	instrumentation    = "github.com/torosent/crankshaft"
)

// Resource attribute keys describing the shape of a load run.
const (
	AttrRunProtocol     = attribute.Key("crankshaft.protocol")
	AttrConcurrency     = attribute.Key("crankshaft.concurrency")
	AttrSessionRequests = attribute.Key("crankshaft.session_requests")
	AttrBatch           = attribute.Key("crankshaft.batch")
	AttrShared          = attribute.Key("crankshaft.shared")
)

// RunAttributes describes a load run so its spans can be grouped by the
// settings that produced them.
func RunAttributes(cfg *config.Config) []attribute.KeyValue {
	protocol := string(cfg.Protocol)
	if protocol == "" {
		protocol = string(config.ProtocolAuto)
	}
	return []attribute.KeyValue{
		AttrRunProtocol.String(protocol),
		AttrConcurrency.Int(cfg.Concurrency),
		AttrSessionRequests.Int(cfg.SessionRequests),
		AttrBatch.Int(cfg.Batch),
		AttrShared.Bool(cfg.Shared),
	}
}

// Option adjusts the provider built by Init.
type Option func(*options)

type options struct {
	attrs      []attribute.KeyValue
	processors []sdktrace.SpanProcessor
}

// WithAttributes adds resource attributes to every exported span.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithSpanProcessor registers an extra processor. A provider with a processor
// records spans even when no OTLP endpoint is configured.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// Provider owns the tracer used for request spans.
type Provider struct {
	tp        *sdktrace.TracerProvider
	tracer    trace.Tracer
	propagate bool
}

// Init builds the tracer provider. Without an endpoint in cfg or
// OTEL_EXPORTER_OTLP_ENDPOINT, and without extra processors, it returns a
// provider that records nothing.
func Init(ctx context.Context, cfg config.TracingConfig, opts ...Option) (*Provider, error) {
	sampler, err := samplerFor(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	endpoint := firstSet(cfg.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" && len(o.processors) == 0 {
		return &Provider{}, nil
	}

	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(firstSet(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), defaultServiceName)),
	}, o.attrs...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if endpoint != "" {
		exporter, err := newExporter(ctx, cfg, endpoint)
		if err != nil {
			return nil, fmt.Errorf("tracing exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:        tp,
		tracer:    tp.Tracer(instrumentation),
		propagate: cfg.Propagate == nil || *cfg.Propagate,
	}, nil
}

// samplerFor maps a sample rate to a root sampler: 0 drops every trace, 1
// keeps every trace.
func samplerFor(rate float64) (sdktrace.Sampler, error) {
	switch {
	case rate < 0 || rate > 1:
		return nil, fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0, got %g", rate)
	case rate == 0:
		return sdktrace.NeverSample(), nil
	case rate == 1:
		return sdktrace.AlwaysSample(), nil
	default:
		return sdktrace.TraceIDRatioBased(rate), nil
	}
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Tracer returns the request tracer, or a no-op tracer when tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentation)
	}
	return p.tracer
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool { return p != nil && p.tp != nil }

// ShouldPropagate reports whether traceparent headers are injected.
func (p *Provider) ShouldPropagate() bool {
	return p != nil && p.propagate
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func newExporter(ctx context.Context, cfg config.TracingConfig, endpoint string) (sdktrace.SpanExporter, error) {
	switch protocol := strings.ToLower(cfg.Protocol); protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure(),
			)
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q: use \"grpc\" or \"http\"", protocol)
	}
}
