// Package httpclient is the HTTP engine behind the crankshaft load generator.
//
// A [Client] sends requests over pooled channels. Channels speak HTTP/1.1
// (one exchange at a time) or HTTP/2 (many concurrent streams); callers see
// the same [Listener] sequence either way:
//
//	OnConnectAttempt, OnConnect (new connections only), OnRequestSent,
//	OnHeaders, OnContentChunk..., then exactly one of OnComplete or OnFailure.
//
// # Client groups
//
// Every send carries a client id, normally one per virtual user session.
// Channels opened for that id are only reused by requests of the same id and
// are torn down together by [Client.Flush]. Shared requests use a separate
// set of channels that no flush touches.
//
// # Sending
//
//	client := httpclient.NewClient(httpclient.Config{Logger: logger})
//	defer client.Close()
//
//	l := httpclient.NewResponseListener()
//	client.Send(ctx, req, "session-1", false, l, nil, nil)
//	resp, err := l.Wait(ctx)
//
// [Client.SendBatch] packs several requests onto as few HTTP/2 connections as
// the server's concurrency limit allows.
//
// # Request Building
//
// [NewRequestBuilder] turns a [config.Config] into a request template whose
// Build method returns a fresh [Request] with its own body producer and id.
//
// # Integration
//
// This package integrates with:
//   - [github.com/torosent/crankshaft/internal/body] for request bodies
//   - [github.com/torosent/crankshaft/internal/pool] for channel bookkeeping
//   - [github.com/torosent/crankshaft/internal/config] for configuration
package httpclient
