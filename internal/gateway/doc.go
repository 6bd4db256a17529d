// ABOUTME: Package doc for the gateway package
// ABOUTME: HTTP API surface and component wiring for the parley server

/*
Package gateway wires the parley server together and exposes its HTTP API.

A Gateway owns the component lifecycle: it opens the SQLite store, builds
the session resolver and the message pipeline against the configured
responder webhook, and serves the API until its context is cancelled.

The API surface:

	POST /api/send          run one message through the pipeline
	GET  /api/messages      list a session's messages in order
	POST /api/sessions      resolve or create a session by identity
	GET  /api/sessions/{id} fetch one session
	GET  /healthz           liveness probe

Sends may carry a correlationId; redelivery of the same id within the
dedupe TTL is acknowledged with {"status": "duplicate"} instead of being
processed twice. The id is only marked after a successful send, so failed
attempts stay retryable.
*/
package gateway
