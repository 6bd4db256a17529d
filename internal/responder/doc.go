// Package responder is the boundary to the external webhook responder.
//
// The gateway posts the new message plus a bounded trailing history and
// expects {replies, output, metadata} back. Reply items are validated
// against the typed union (text, image, audio, choice) at this boundary;
// anything else is an error, and the pipeline treats every gateway error
// the same way: substitute the Empty() response and carry on, so a
// responder outage never blocks recording the user's own message.
//
// Normalize covers responders that only return a bare output value by
// synthesizing a single text reply from it.
package responder
