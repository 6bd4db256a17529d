// ABOUTME: Package doc for the chatstate package
// ABOUTME: Client-side conversation view with optimistic send and poll reconciliation

/*
Package chatstate maintains the client-side view of a conversation.

The rendered list is derived from three sources on every poll tick: the
freshly polled persisted list, a locally-synthesized greeting, and any
optimistic messages whose sends are still in flight. The server never
echoes a client's local ids, so an optimistic message is considered
confirmed when an equivalent message (same role, same type, same trimmed
text or url) shows up among the most recent polled items.

Synchronization is polling-based on purpose. The merge contract only
needs "fetch the latest persisted list", so a push transport could be
swapped in behind Conversation.Refresh without touching the merge.
*/
package chatstate
