// Package store provides persistent storage for parley using SQLite.
//
// # Data Models
//
//   - Session: A durable conversation context keyed by (agent_id, user_id,
//     chat_id). The identity triple resolves to at most one live session; a
//     partial unique index enforces this for every session that carries a
//     user or chat identity.
//   - Message: One message within a session with a role (user, bot, system)
//     and a typed payload (text, image, audio, choice). Choice options are
//     stored as a JSON column.
//
// # Ordering
//
// Messages are totally ordered per session by created_at. Timestamps are
// stored as fixed-width nanosecond-precision RFC 3339 text: the message
// pipeline separates the acknowledgment and multi-part replies with
// millisecond offsets, so second granularity would collapse them, and the
// constant width keeps lexicographic TEXT ordering chronological.
//
// ListMessages returns the most recent N messages in ascending order, which
// is what both the responder history window and the client poll consume.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path in tests.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateSession: Identity triple already has a session
//
// All methods accept context.Context for cancellation support.
package store
