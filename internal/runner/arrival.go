package runner

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// ArrivalModel selects how request start times are spaced.
type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

// arrivalController paces the scheduler. Wait is only called from the
// scheduler goroutine.
type arrivalController interface {
	Wait(ctx context.Context) error
}

// newArrivalController returns nil when requests are not paced.
func newArrivalController(opt Options) arrivalController {
	if opt.RatePerSecond <= 0 {
		return nil
	}
	if opt.ArrivalModel == ArrivalModelPoisson {
		sampler := opt.PoissonSampler
		if sampler == nil {
			sampler = rand.New(rand.NewSource(opt.RandomSeed)).ExpFloat64
		}
		return &poissonArrival{rate: float64(opt.RatePerSecond), sample: sampler}
	}
	return &uniformArrival{limiter: opt.LimiterFactory(opt.RatePerSecond)}
}

// uniformArrival spaces requests evenly through a token bucket.
type uniformArrival struct {
	limiter *rate.Limiter
}

func (u *uniformArrival) Wait(ctx context.Context) error {
	return u.limiter.Wait(ctx)
}

// poissonArrival sleeps for exponentially distributed gaps so arrivals form
// a Poisson process with the configured mean rate.
type poissonArrival struct {
	rate   float64
	sample func() float64
}

func (p *poissonArrival) Wait(ctx context.Context) error {
	delay := p.nextDelay()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *poissonArrival) nextDelay() time.Duration {
	if p.rate <= 0 {
		return 0
	}
	delay := float64(time.Second) * p.sample() / p.rate
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
