// Package pipeline is the server-side message path.
//
// # Sequence
//
// For one inbound user message:
//
//  1. Resolve the session (create when identity fields are present and no
//     explicit session id was supplied).
//  2. Persist the message and bump session activity.
//  3. Bot-role messages are direct injections: persist and return.
//  4. Persist a synthetic acknowledgment at +100ms so the user sees an
//     immediate response while the responder works.
//  5. Invoke the responder with the new message, a bounded trailing
//     history (most recent 100 messages) and the caller's context blob.
//  6. Contain every responder failure: network error, bad status, bad
//     body all collapse to an empty reply set. The user's message is
//     already durable by then.
//  7. Normalize an output-only response into a single text reply.
//  8. Persist replies at +1000ms plus 100ms per item, each independently;
//     one failed reply is logged and skipped, siblings still land.
//
// # Ordering
//
// Within one invocation the persisted order is exactly
// [user message, ack, reply1, reply2, ...], enforced by the synthetic
// timestamp offsets rather than insertion order.
package pipeline
