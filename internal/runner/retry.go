package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/torosent/crankshaft/internal/httpclient"
)

// HTTPError is a response whose status counts as a failed request.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Kind labels status failures for metrics.
func (e *HTTPError) Kind() string { return "status" }

// Throttled reports whether the server asked the client to back off or
// failed on its side.
func (e *HTTPError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// FailureLogger logs failed requests.
type FailureLogger interface {
	LogFailure(s *Session, err error)
}

// RetryPolicy decides whether and when a failed Do is attempted again within
// the same session.
type RetryPolicy struct {
	// MaxAttempts counts the first try.
	MaxAttempts int
	// ShouldRetry defaults to Retryable.
	ShouldRetry func(error) bool
	// Backoff returns the wait before the given retry, 1-based. Nil retries
	// immediately.
	Backoff func(retry int) time.Duration
	// OnRetry is called before each wait.
	OnRetry func(s *Session, retry int, err error, wait time.Duration)
}

// Retryable reports whether err is worth another attempt: the connection was
// never established, or the server answered 429 or 5xx. Cancellation and
// failures that may have reached the server mid-exchange are final.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var status *HTTPError
	if errors.As(err, &status) {
		return status.Throttled()
	}
	return httpclient.Retryable(err)
}

// ExponentialBackoff doubles base per retry up to max and adds up to half the
// step as random jitter.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		if retry < 1 {
			retry = 1
		}
		step := max
		if shift := retry - 1; shift < 32 && base<<shift > 0 && base<<shift < max {
			step = base << shift
		}
		if half := int64(step / 2); half > 0 {
			return step + time.Duration(rand.Int64N(half))
		}
		return step
	}
}

type retryRequester struct {
	inner  Requester
	policy RetryPolicy
}

// WithRetry re-runs a failed unit of work on the same session. Session.Attempt
// is set for every try.
func WithRetry(req Requester, policy RetryPolicy) Requester {
	if policy.MaxAttempts <= 1 {
		return req
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = Retryable
	}
	return &retryRequester{inner: req, policy: policy}
}

func (r *retryRequester) Do(ctx context.Context, s *Session) error {
	defer func() { s.Attempt = 0 }()
	var err error
	for attempt := 1; ; attempt++ {
		s.Attempt = attempt
		if err = r.inner.Do(ctx, s); err == nil {
			return nil
		}
		if attempt >= r.policy.MaxAttempts || !r.policy.ShouldRetry(err) {
			return err
		}
		var wait time.Duration
		if r.policy.Backoff != nil {
			wait = r.policy.Backoff(attempt)
		}
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(s, attempt, err, wait)
		}
		if wait <= 0 {
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}

type loggingRequester struct {
	inner  Requester
	logger FailureLogger
}

// WithLogging reports every failed Do to logger.
func WithLogging(req Requester, logger FailureLogger) Requester {
	if logger == nil {
		return req
	}
	return &loggingRequester{inner: req, logger: logger}
}

func (l *loggingRequester) Do(ctx context.Context, s *Session) error {
	err := l.inner.Do(ctx, s)
	if err != nil {
		l.logger.LogFailure(s, err)
	}
	return err
}
