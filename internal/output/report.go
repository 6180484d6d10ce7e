package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/torosent/crankshaft/internal/httpclient"
	"github.com/torosent/crankshaft/internal/metrics"
	"github.com/torosent/crankshaft/internal/threshold"
)

// ConnectionReport is the JSON form of the engine's connection counters.
type ConnectionReport struct {
	Dialed        int64 `json:"dialed"`
	DialFailures  int64 `json:"dial_failures"`
	Reused        int64 `json:"reused"`
	Closed        int64 `json:"closed"`
	Flushed       int64 `json:"flushed"`
	StreamsOpened int64 `json:"streams_opened"`
	BytesWritten  int64 `json:"bytes_written"`
	BytesRead     int64 `json:"bytes_read"`
	Pooled        int   `json:"pooled"`
}

func newConnectionReport(s httpclient.Stats) *ConnectionReport {
	return &ConnectionReport{
		Dialed:        s.Dialed,
		DialFailures:  s.DialFailures,
		Reused:        s.Reused,
		Closed:        s.Closed,
		Flushed:       s.Flushed,
		StreamsOpened: s.StreamsOpened,
		BytesWritten:  s.BytesWritten,
		BytesRead:     s.BytesRead,
		Pooled:        s.Pooled,
	}
}

// PrintReport outputs a human-readable summary report. conns may be nil.
func PrintReport(w io.Writer, stats metrics.Stats, conns *httpclient.Stats) {
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	fmt.Fprintf(w, "Total Requests:    %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", stats.Failures)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Requests/sec:      %.2f\n", stats.RequestsPerSec)
	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P95:             %s\n", stats.P95Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	if len(stats.Protocols) > 0 {
		fmt.Fprintln(w, "\nProtocols:")
		writeCounts(w, stats.Protocols, "  ")
	}
	if len(stats.StatusCodes) > 0 {
		fmt.Fprintln(w, "\nStatus Codes:")
		writeCounts(w, stats.StatusCodes, "  ")
	}
	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors by Kind:")
		writeCounts(w, stats.Errors, "  ")
	}
	if len(stats.ErrorTypes) > 0 {
		fmt.Fprintln(w, "\nErrors by Type:")
		named := make(map[string]int, len(stats.ErrorTypes))
		for typ, n := range stats.ErrorTypes {
			named[metrics.FriendlyErrorName(typ)] += n
		}
		writeCounts(w, named, "  ")
	}
	if len(stats.StatusBuckets) > 0 {
		fmt.Fprintln(w, "\nFailure Buckets:")
		writeStatusBuckets(w, stats.StatusBuckets, "  ")
	}

	if conns != nil {
		fmt.Fprintln(w, "\nConnections:")
		fmt.Fprintf(w, "  Dialed:          %d (%d failed)\n", conns.Dialed, conns.DialFailures)
		fmt.Fprintf(w, "  Reused:          %d\n", conns.Reused)
		fmt.Fprintf(w, "  Closed:          %d\n", conns.Closed)
		fmt.Fprintf(w, "  Flushed:         %d\n", conns.Flushed)
		if conns.StreamsOpened > 0 {
			fmt.Fprintf(w, "  HTTP/2 Streams:  %d\n", conns.StreamsOpened)
		}
		fmt.Fprintf(w, "  Bytes Out/In:    %d/%d\n", conns.BytesWritten, conns.BytesRead)
	}
}

type jsonReport struct {
	metrics.Stats
	Connections *ConnectionReport  `json:"connections,omitempty"`
	Thresholds  []threshold.Result `json:"thresholds,omitempty"`
}

// PrintJSONReport outputs a JSON-formatted report. conns may be nil.
func PrintJSONReport(w io.Writer, stats metrics.Stats, conns *httpclient.Stats, thresholds ...threshold.Result) error {
	report := jsonReport{Stats: stats, Thresholds: thresholds}
	if conns != nil {
		report.Connections = newConnectionReport(*conns)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// writeCounts prints one "key: n" line per entry, largest first.
func writeCounts(w io.Writer, counts map[string]int, indent string) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] == counts[keys[j]] {
			return keys[i] < keys[j]
		}
		return counts[keys[i]] > counts[keys[j]]
	})
	for _, k := range keys {
		fmt.Fprintf(w, "%s%s: %d\n", indent, k, counts[k])
	}
}

func writeStatusBuckets(w io.Writer, buckets map[string]map[string]int, indent string) {
	rows := metrics.FlattenStatusBuckets(buckets)
	if len(rows) == 0 {
		fmt.Fprintf(w, "%sNone\n", indent)
		return
	}
	for _, row := range rows {
		suffix := ""
		if row.Transport {
			suffix = " (no response)"
		}
		fmt.Fprintf(w, "%s%s %s: %d%s\n", indent, row.Protocol, row.Code, row.Count, suffix)
	}
}

// PrintThresholds prints one line per evaluated threshold.
func PrintThresholds(w io.Writer, results []threshold.Result) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(w, "\nThresholds:")
	for _, r := range results {
		fmt.Fprintf(w, "  %s\n", r.Message)
	}
}
