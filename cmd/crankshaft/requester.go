package main

import (
	"context"
	"crypto/tls"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/crankshaft/internal/auth"
	"github.com/torosent/crankshaft/internal/httpclient"
	"github.com/torosent/crankshaft/internal/metrics"
	"github.com/torosent/crankshaft/internal/runner"
	"github.com/torosent/crankshaft/internal/tracing"
)

const maxLoggedBodyBytes = 1024

// httpRequester implements runner.Requester on top of the pooled client. The
// session id doubles as the client id so ending a session flushes its
// channels.
type httpRequester struct {
	client     *httpclient.Client
	builder    *httpclient.RequestBuilder
	collector  *metrics.Collector
	tracing    *tracing.Provider
	auth       auth.Provider
	tlsConfig  *tls.Config
	alpnConfig *tls.Config
	shared     bool
	batch      int
	log        *zap.Logger

	// protocols remembers the last negotiated protocol per session, since
	// reused channels do not report a connect.
	protocols sync.Map
}

// outcome records the connection details the engine reports alongside the
// buffered response.
type outcome struct {
	*httpclient.ResponseListener
	proto     httpclient.Protocol
	connected bool
	end       time.Time
}

func newOutcome() *outcome {
	return &outcome{ResponseListener: httpclient.NewResponseListener()}
}

func (o *outcome) OnConnect(proto httpclient.Protocol) {
	o.proto = proto
	o.connected = true
	o.ResponseListener.OnConnect(proto)
}

func (o *outcome) OnComplete() {
	o.end = time.Now()
	o.ResponseListener.OnComplete()
}

func (o *outcome) OnFailure(err error) {
	o.end = time.Now()
	o.ResponseListener.OnFailure(err)
}

func (r *httpRequester) clientID(s *runner.Session) string {
	if r.shared || s == nil {
		return ""
	}
	return s.ID
}

// Do sends one request, or one batch when batching is configured.
func (r *httpRequester) Do(ctx context.Context, s *runner.Session) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n := max(r.batch, 1)

	start := time.Now()
	reqs := make([]*httpclient.Request, 0, n)
	for i := 0; i < n; i++ {
		req, err := r.builder.Build(ctx)
		if err == nil && r.auth != nil {
			err = r.auth.Apply(ctx, req.Header)
		}
		if err != nil {
			for _, built := range append(reqs, req) {
				if built != nil && built.Body != nil {
					_ = built.Body.Close()
				}
			}
			r.collector.RecordRequest(time.Since(start), err, nil)
			return err
		}
		reqs = append(reqs, req)
	}

	outcomes := make([]*outcome, n)
	pairs := make([]httpclient.Pair, n)
	sendCtx := ctx
	for i, req := range reqs {
		outcomes[i] = newOutcome()
		var l httpclient.Listener = outcomes[i]
		if r.tracing.Enabled() {
			var spanCtx context.Context
			spanCtx, l = r.wrap(ctx, req, s, outcomes[i])
			if n == 1 {
				sendCtx = spanCtx
			}
		}
		pairs[i] = httpclient.Pair{Request: req, Listener: l}
	}

	clientID := r.clientID(s)
	if n == 1 {
		r.client.Send(sendCtx, pairs[0].Request, clientID, r.shared, pairs[0].Listener, r.tlsConfig, r.alpnConfig)
	} else {
		r.client.SendBatch(ctx, pairs, clientID, r.shared, r.tlsConfig, r.alpnConfig)
	}

	var errs []error
	for _, o := range outcomes {
		<-o.Done()
		if err := r.record(start, s, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *httpRequester) wrap(ctx context.Context, req *httpclient.Request, s *runner.Session, inner httpclient.Listener) (context.Context, httpclient.Listener) {
	session := ""
	if s != nil {
		session = s.ID
	}
	spanCtx, l := tracing.Wrap(ctx, r.tracing.Tracer(), req, session, r.tracing.ShouldPropagate(), inner)
	return spanCtx, l
}

// record turns one finished exchange into a metrics sample and the error the
// runner sees.
func (r *httpRequester) record(start time.Time, s *runner.Session, o *outcome) error {
	latency := o.end.Sub(start)
	meta := &metrics.RequestMetadata{Connected: o.connected}
	if o.connected {
		meta.Protocol = o.proto.String()
		if s != nil {
			r.protocols.Store(s.ID, meta.Protocol)
		}
	} else if s != nil {
		if p, ok := r.protocols.Load(s.ID); ok {
			meta.Protocol = p.(string)
		}
	}

	resp, err := o.Result()
	if err != nil {
		r.collector.RecordRequest(latency, err, meta)
		return err
	}
	meta.StatusCode = strconv.Itoa(resp.StatusCode)
	var resultErr error
	if resp.StatusCode >= 400 {
		resultErr = &runner.HTTPError{StatusCode: resp.StatusCode, Body: snippet(resp.Body)}
	}
	r.collector.RecordRequest(latency, resultErr, meta)
	return resultErr
}

// endSession flushes the channels owned by a finished session.
func (r *httpRequester) endSession(id string) {
	r.protocols.Delete(id)
	if r.shared {
		return
	}
	if n := r.client.Flush(id); n > 0 {
		r.log.Debug("session ended", zap.String("session", id), zap.Int("channels", n))
	}
}

func snippet(b []byte) string {
	if len(b) > maxLoggedBodyBytes {
		b = b[:maxLoggedBodyBytes]
	}
	return strings.TrimSpace(string(b))
}
