// Package threshold turns run statistics into pass/fail assertions such as
// "latency:p95 < 250" or "errors.connect:count == 0".
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/crankshaft/internal/metrics"
)

// Threshold is one parsed assertion.
type Threshold struct {
	Metric    string  // latency, failures, requests, connections or errors.<kind>
	Aggregate string  // p50, p90, p95, p99, avg, min, max, rate or count
	Operator  string  // <, <=, >, >=, ==
	Value     float64 // latency values are milliseconds
	Raw       string
}

// Result is the outcome of evaluating one threshold.
type Result struct {
	Threshold Threshold `json:"-"`
	Raw       string    `json:"threshold"`
	Actual    float64   `json:"actual"`
	Pass      bool      `json:"pass"`
	Message   string    `json:"message"`
}

var pattern = regexp.MustCompile(`^([a-z_]+(?:\.[a-z_]+)?):([a-z0-9]+)\s*(<=|>=|==|<|>)\s*([0-9]+(?:\.[0-9]+)?)$`)

var aggregates = map[string][]string{
	"latency":     {"p50", "p90", "p95", "p99", "avg", "min", "max"},
	"failures":    {"rate", "count"},
	"requests":    {"rate", "count"},
	"connections": {"count", "rate"},
	"errors":      {"count", "rate"},
}

// Parse parses "metric:aggregate operator value".
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold")
	}
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q: want metric:aggregate op value, e.g. 'latency:p95 < 500'", s)
	}
	value, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %w", m[4], err)
	}

	family := m[1]
	if i := strings.IndexByte(family, '.'); i >= 0 {
		if family[:i] != "errors" {
			return Threshold{}, fmt.Errorf("metric %q: only errors takes a kind suffix", m[1])
		}
		family = "errors"
	}
	allowed, ok := aggregates[family]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric %q (supported: latency, failures, requests, connections, errors.<kind>)", m[1])
	}
	if !contains(allowed, m[2]) {
		return Threshold{}, fmt.Errorf("metric %s does not support aggregate %q (use %s)", m[1], m[2], strings.Join(allowed, ", "))
	}
	return Threshold{Metric: m[1], Aggregate: m[2], Operator: m[3], Value: value, Raw: s}, nil
}

// ParseMultiple parses every threshold and reports all malformed ones.
func ParseMultiple(raw []string) ([]Threshold, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Threshold, 0, len(raw))
	var errs []string
	for i, s := range raw {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		out = append(out, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}
	return out, nil
}

// Evaluator checks a fixed set of thresholds.
type Evaluator struct {
	thresholds []Threshold
}

func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate checks every threshold against stats.
func (e *Evaluator) Evaluate(stats metrics.Stats) []Result {
	if e == nil || len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluate(t, stats))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Pass {
			out = append(out, r)
		}
	}
	return out
}

func evaluate(t Threshold, stats metrics.Stats) Result {
	actual := Value(t, stats)
	pass := compare(actual, t.Operator, t.Value)
	mark := "PASS"
	if !pass {
		mark = "FAIL"
	}
	return Result{
		Threshold: t,
		Raw:       t.Raw,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s (actual %.2f)", mark, t.Raw, actual),
	}
}

// Value extracts the number a threshold compares against.
func Value(t Threshold, stats metrics.Stats) float64 {
	family, kind, _ := strings.Cut(t.Metric, ".")
	switch family {
	case "latency":
		switch t.Aggregate {
		case "p50":
			return stats.P50LatencyMs
		case "p90":
			return stats.P90LatencyMs
		case "p95":
			return stats.P95LatencyMs
		case "p99":
			return stats.P99LatencyMs
		case "avg":
			return stats.MeanLatencyMs
		case "min":
			return stats.MinLatencyMs
		case "max":
			return stats.MaxLatencyMs
		}
	case "failures":
		return countOrRate(t.Aggregate, stats.Failures, stats.Total)
	case "requests":
		if t.Aggregate == "rate" {
			return stats.RequestsPerSec
		}
		return float64(stats.Total)
	case "connections":
		return countOrRate(t.Aggregate, stats.NewConnections, stats.Total)
	case "errors":
		n := int64(0)
		if kind == "" {
			n = stats.Failures
		} else {
			n = int64(stats.Errors[kind])
		}
		return countOrRate(t.Aggregate, n, stats.Total)
	}
	return math.NaN()
}

// countOrRate returns n, or n as a fraction of total for "rate".
func countOrRate(aggregate string, n, total int64) float64 {
	if aggregate != "rate" {
		return float64(n)
	}
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func compare(actual float64, op string, expected float64) bool {
	const epsilon = 1e-9
	switch op {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
