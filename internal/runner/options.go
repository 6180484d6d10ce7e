package runner

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Requester executes one unit of work for a virtual session. Implementations
// return an error for failed requests.
type Requester interface {
	Do(ctx context.Context, s *Session) error
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, s *Session) error

func (f RequesterFunc) Do(ctx context.Context, s *Session) error { return f(ctx, s) }

// Options configure the Runner.
type Options struct {
	Concurrency     int           // number of virtual sessions running at once
	TotalRequests   int           // total requests to execute (0 means unlimited until duration/end)
	Duration        time.Duration // overall time limit (0 means no duration cap)
	RatePerSecond   int           // requests per second pacing (0 means unlimited)
	SessionRequests int           // requests per session before it ends and a new one starts (0 means the whole run)
	ArrivalModel    ArrivalModel
	PoissonSampler  func() float64 // optional exponential sampler for tests
	RandomSeed      int64
	Requester       Requester // request executor (required)

	// OnSessionEnd is called with the id of every session that issued at
	// least one request, once it ends.
	OnSessionEnd func(id string)

	LimiterFactory func(rps int) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.TotalRequests < 0 {
		o.TotalRequests = 0
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.SessionRequests < 0 {
		o.SessionRequests = 0
	}
	if o.ArrivalModel == "" {
		o.ArrivalModel = ArrivalModelUniform
	}
	if o.RandomSeed == 0 {
		o.RandomSeed = time.Now().UnixNano()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst equal to rps to smooth pacing under concurrency.
			return rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}
