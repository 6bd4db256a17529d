// Package session resolves conversation sessions by identity.
//
// A session is keyed by (agent id, user id, chat id). Resolve looks up a
// session by whichever identity fields are supplied and optionally creates
// one; the store's unique identity index makes concurrent creation safe by
// turning the loser of the race into a lookup of the winner's session.
//
// Get applies a freshness window: sessions idle longer than the window are
// reported as ErrExpired so clients discard cached session ids and start a
// fresh conversation.
package session
