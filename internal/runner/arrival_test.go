package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewArrivalController(t *testing.T) {
	base := Options{}
	base.normalize()

	if c := newArrivalController(base); c != nil {
		t.Errorf("unpaced run got controller %T", c)
	}

	uniform := base
	uniform.RatePerSecond = 50
	if _, ok := newArrivalController(uniform).(*uniformArrival); !ok {
		t.Errorf("uniform model did not build a limiter")
	}

	poisson := uniform
	poisson.ArrivalModel = ArrivalModelPoisson
	p, ok := newArrivalController(poisson).(*poissonArrival)
	if !ok || p.rate != 50 || p.sample == nil {
		t.Fatalf("poisson controller = %+v", p)
	}
}

func TestPoissonArrivalDelay(t *testing.T) {
	samples := []float64{1, 0.5, 3}
	i := 0
	p := &poissonArrival{rate: 200, sample: func() float64 { v := samples[i]; i++; return v }}
	for _, want := range []time.Duration{5 * time.Millisecond, 2500 * time.Microsecond, 15 * time.Millisecond} {
		if got := p.nextDelay(); got != want {
			t.Errorf("nextDelay() = %v, want %v", got, want)
		}
	}
}

func TestPoissonArrivalWaitCanceled(t *testing.T) {
	p := &poissonArrival{rate: 0.000001, sample: func() float64 { return 1 }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() = %v, want context.Canceled", err)
	}

	zero := &poissonArrival{rate: 10, sample: func() float64 { return 0 }}
	if err := zero.Wait(context.Background()); err != nil {
		t.Fatalf("zero-delay Wait() = %v", err)
	}
}
