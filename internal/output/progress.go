package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/torosent/crankshaft/internal/httpclient"
	"github.com/torosent/crankshaft/internal/metrics"
)

// ProgressReporter redraws a one-line run summary on a fixed interval.
type ProgressReporter struct {
	collector *metrics.Collector
	conns     func() httpclient.Stats
	interval  time.Duration
	writer    io.Writer

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	stopped   chan struct{}
	start     time.Time
}

// NewProgressReporter returns a reporter writing to writer every interval.
// conns, when non-nil, adds live connection counts to the line.
func NewProgressReporter(collector *metrics.Collector, interval time.Duration, writer io.Writer, conns func() httpclient.Stats) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		conns:     conns,
		interval:  interval,
		writer:    writer,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start begins redrawing in a background goroutine. Later calls are no-ops.
func (p *ProgressReporter) Start() {
	p.startOnce.Do(func() {
		p.started = true
		p.start = time.Now()
		go p.run()
	})
}

// Stop waits for the last redraw and ends the line. It is safe to call more
// than once and without Start.
func (p *ProgressReporter) Stop() {
	p.startOnce.Do(func() {})
	p.stopOnce.Do(func() {
		if !p.started {
			return
		}
		close(p.stop)
		<-p.stopped
		fmt.Fprintln(p.writer)
	})
}

func (p *ProgressReporter) run() {
	defer close(p.stopped)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(p.writer, "\r"+p.line(time.Since(p.start)))
		case <-p.stop:
			return
		}
	}
}

func (p *ProgressReporter) line(elapsed time.Duration) string {
	stats := p.collector.Stats(elapsed)
	var b strings.Builder
	fmt.Fprintf(&b, "Requests: %d | Successes: %d | Failures: %d | RPS: %.1f | P95: %.1fms",
		stats.Total, stats.Successes, stats.Failures, stats.RequestsPerSec, stats.P95LatencyMs)
	if kind, n := topCount(stats.Errors); n > 0 {
		fmt.Fprintf(&b, " | Top error: %s (%d)", kind, n)
	}
	if p.conns != nil {
		c := p.conns()
		fmt.Fprintf(&b, " | Conns: %d open, %d dialed", c.Pooled, c.Dialed)
	}
	return b.String()
}

// topCount returns the largest entry, ties going to the smaller key.
func topCount(counts map[string]int) (string, int) {
	var key string
	var max int
	for k, n := range counts {
		if n > max || n == max && k < key {
			key, max = k, n
		}
	}
	return key, max
}
