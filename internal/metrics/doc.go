// Package metrics aggregates load test outcomes.
//
// A [Collector] is shared by every session. RecordRequest takes the latency,
// the terminal error (nil on success) and optional [RequestMetadata]:
//
//	collector := metrics.NewCollector()
//	collector.RecordRequest(latency, err, &metrics.RequestMetadata{
//		Protocol:   "HTTP/2",
//		StatusCode: "200",
//		Connected:  true,
//	})
//	stats := collector.Stats(collector.Elapsed())
//
// Latencies go into HdrHistogram shards; Stats merges the shards and reports
// min/max/mean and P50/P90/P95/P99. Failures are broken down by error kind
// (see httpclient.ErrorKind), by Go type, and by protocol and status code.
package metrics
