package metrics

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/torosent/crankshaft/internal/httpclient"
)

const shardCount = 32

// Track latencies from 1µs up to 60s with 3 significant figures.
const (
	lowestLatencyUs  = 1
	highestLatencyUs = 60_000_000
	sigFigs          = 3
)

// RequestMetadata describes how a request ended beyond its latency.
type RequestMetadata struct {
	// Protocol is the negotiated protocol label, e.g. "HTTP/1.1" or "HTTP/2".
	Protocol string
	// StatusCode is the response status, empty when no response arrived.
	StatusCode string
	// Connected is set when the request had to open a new connection.
	Connected bool
}

// Collector records per-request metrics. Writers are spread over shards so
// concurrent sessions rarely contend on the same lock.
type Collector struct {
	stats *shardedStats
	start time.Time
}

// Stats represents aggregated metrics.
type Stats struct {
	Total          int64         `json:"total"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	NewConnections int64         `json:"new_connections"`
	MinLatency     time.Duration `json:"-"`
	MaxLatency     time.Duration `json:"-"`
	MeanLatency    time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P90Latency     time.Duration `json:"-"`
	P95Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	Duration       time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64 `json:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	DurationMs    float64 `json:"duration_ms"`

	// Errors counts failures by error kind (connect, write, protocol, ...).
	Errors map[string]int `json:"errors,omitempty"`
	// ErrorTypes counts failures by Go error type.
	ErrorTypes map[string]int `json:"error_types,omitempty"`
	// Protocols counts every request by negotiated protocol.
	Protocols map[string]int `json:"protocols,omitempty"`
	// StatusCodes counts responses by status code.
	StatusCodes map[string]int `json:"status_codes,omitempty"`
	// StatusBuckets counts failures by protocol, then by status code or
	// error kind when no response arrived.
	StatusBuckets map[string]map[string]int `json:"status_buckets,omitempty"`
}

func NewCollector() *Collector {
	return &Collector{stats: newShardedStats(), start: time.Now()}
}

// Start resets the clock used by Elapsed.
func (c *Collector) Start() { c.start = time.Now() }

// Elapsed returns the time since the collector was created or started.
func (c *Collector) Elapsed() time.Duration { return time.Since(c.start) }

// RecordRequest records a single request's latency and outcome. meta may be
// nil.
func (c *Collector) RecordRequest(latency time.Duration, err error, meta *RequestMetadata) {
	var m RequestMetadata
	if meta != nil {
		m = *meta
	}
	c.stats.record(latency, err, m)
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	return c.stats.snapshot(elapsed)
}

// GetErrorBreakdown returns a map of error kinds to their counts.
func (c *Collector) GetErrorBreakdown() map[string]int {
	return c.stats.snapshot(0).Errors
}

type shardedStats struct {
	shards [shardCount]*shard
}

type shard struct {
	mu     sync.Mutex
	bucket *bucket
}

func newShardedStats() *shardedStats {
	s := &shardedStats{}
	for i := range s.shards {
		s.shards[i] = &shard{bucket: newBucket()}
	}
	return s
}

func (s *shardedStats) record(latency time.Duration, err error, meta RequestMetadata) {
	sh := s.shards[rand.IntN(shardCount)]
	sh.mu.Lock()
	sh.bucket.record(latency, err, meta)
	sh.mu.Unlock()
}

func (s *shardedStats) snapshot(elapsed time.Duration) Stats {
	merged := newBucket()
	for _, sh := range s.shards {
		sh.mu.Lock()
		merged.merge(sh.bucket)
		sh.mu.Unlock()
	}
	return merged.stats(elapsed)
}

// bucket is the unsynchronized aggregate held by one shard.
type bucket struct {
	hist        *hdrhistogram.Histogram
	successes   int64
	failures    int64
	connections int64
	minLatency  time.Duration
	maxLatency  time.Duration
	sumLatency  time.Duration
	errors      map[string]int64
	errorTypes  map[string]int64
	protocols   map[string]int64
	statusCodes map[string]int64
	failureKeys map[string]map[string]int64
}

func newBucket() *bucket {
	return &bucket{
		hist:        hdrhistogram.New(lowestLatencyUs, highestLatencyUs, sigFigs),
		errors:      make(map[string]int64),
		errorTypes:  make(map[string]int64),
		protocols:   make(map[string]int64),
		statusCodes: make(map[string]int64),
		failureKeys: make(map[string]map[string]int64),
	}
}

func (b *bucket) record(latency time.Duration, err error, meta RequestMetadata) {
	if latency > 0 {
		us := latency.Microseconds()
		if us < b.hist.LowestTrackableValue() {
			us = b.hist.LowestTrackableValue()
		}
		if us > b.hist.HighestTrackableValue() {
			us = b.hist.HighestTrackableValue()
		}
		_ = b.hist.RecordValue(us)
	}
	b.sumLatency += latency
	if b.successes+b.failures == 0 || latency < b.minLatency {
		b.minLatency = latency
	}
	if latency > b.maxLatency {
		b.maxLatency = latency
	}

	if meta.Connected {
		b.connections++
	}
	protocol := meta.Protocol
	if protocol == "" {
		protocol = "unknown"
	}
	b.protocols[protocol]++
	if meta.StatusCode != "" {
		b.statusCodes[meta.StatusCode]++
	}

	if err == nil {
		b.successes++
		return
	}
	b.failures++
	kind := httpclient.ErrorKind(err)
	b.errors[kind]++
	b.errorTypes[fmt.Sprintf("%T", err)]++

	code := meta.StatusCode
	if code == "" {
		code = kind
	}
	codes := b.failureKeys[protocol]
	if codes == nil {
		codes = make(map[string]int64)
		b.failureKeys[protocol] = codes
	}
	codes[code]++
}

func (b *bucket) merge(o *bucket) {
	if o.successes+o.failures == 0 {
		return
	}
	if b.successes+b.failures == 0 || o.minLatency < b.minLatency {
		b.minLatency = o.minLatency
	}
	if o.maxLatency > b.maxLatency {
		b.maxLatency = o.maxLatency
	}
	b.hist.Merge(o.hist)
	b.successes += o.successes
	b.failures += o.failures
	b.connections += o.connections
	b.sumLatency += o.sumLatency
	mergeCounts(b.errors, o.errors)
	mergeCounts(b.errorTypes, o.errorTypes)
	mergeCounts(b.protocols, o.protocols)
	mergeCounts(b.statusCodes, o.statusCodes)
	for protocol, codes := range o.failureKeys {
		dst := b.failureKeys[protocol]
		if dst == nil {
			dst = make(map[string]int64)
			b.failureKeys[protocol] = dst
		}
		mergeCounts(dst, codes)
	}
}

func (b *bucket) stats(elapsed time.Duration) Stats {
	total := b.successes + b.failures
	stats := Stats{
		Total:          total,
		Successes:      b.successes,
		Failures:       b.failures,
		NewConnections: b.connections,
		MinLatency:     b.minLatency,
		MaxLatency:     b.maxLatency,
	}
	if total > 0 {
		stats.MeanLatency = time.Duration(int64(b.sumLatency) / total)
	}
	if b.hist.TotalCount() > 0 {
		stats.P50Latency = quantile(b.hist, 50)
		stats.P90Latency = quantile(b.hist, 90)
		stats.P95Latency = quantile(b.hist, 95)
		stats.P99Latency = quantile(b.hist, 99)
	}

	stats.MinLatencyMs = millis(stats.MinLatency)
	stats.MaxLatencyMs = millis(stats.MaxLatency)
	stats.MeanLatencyMs = millis(stats.MeanLatency)
	stats.P50LatencyMs = millis(stats.P50Latency)
	stats.P90LatencyMs = millis(stats.P90Latency)
	stats.P95LatencyMs = millis(stats.P95Latency)
	stats.P99LatencyMs = millis(stats.P99Latency)

	stats.Duration = elapsed
	stats.DurationMs = millis(elapsed)
	if elapsed > 0 && total > 0 {
		stats.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	stats.Errors = toIntMap(b.errors)
	stats.ErrorTypes = toIntMap(b.errorTypes)
	stats.Protocols = toIntMap(b.protocols)
	stats.StatusCodes = toIntMap(b.statusCodes)
	if len(b.failureKeys) > 0 {
		stats.StatusBuckets = make(map[string]map[string]int, len(b.failureKeys))
		for protocol, codes := range b.failureKeys {
			stats.StatusBuckets[protocol] = toIntMap(codes)
		}
	}
	return stats
}

func quantile(h *hdrhistogram.Histogram, q float64) time.Duration {
	return time.Duration(h.ValueAtQuantile(q)) * time.Microsecond
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func mergeCounts(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}

func toIntMap(m map[string]int64) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = int(v)
	}
	return out
}
