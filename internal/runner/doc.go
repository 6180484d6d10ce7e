// Package runner drives a load test as a set of virtual sessions.
//
// Each of the Concurrency workers runs one session at a time. A session has a
// client id, issues up to SessionRequests requests through the [Requester],
// then ends ([Options.OnSessionEnd] fires with its id) and the worker starts a
// fresh session. The HTTP requester uses the id as the engine client id and
// flushes it on session end, so every session starts on new connections.
//
// A single scheduler goroutine hands out request permits, paced by the
// arrival model:
//   - [ArrivalModelUniform]: a token bucket from golang.org/x/time/rate
//   - [ArrivalModelPoisson]: exponential inter-arrival gaps
//
// The run stops at TotalRequests, after Duration, or when the context ends.
//
// # Middleware
//
//   - [WithRetry]: retries failures the policy accepts
//   - [WithLogging]: reports failures to a [FailureLogger]
package runner
