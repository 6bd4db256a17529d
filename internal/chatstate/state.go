// ABOUTME: Client-side conversation state with optimistic/polled/greeting reconciliation
// ABOUTME: The rendered list is re-derived deterministically on every poll tick

package chatstate

import (
	"strings"
	"sync"
	"time"

	"github.com/2389/parley/internal/store"
)

// recentWindow is how many trailing polled items are scanned when deciding
// whether an optimistic message has been confirmed by the server.
const recentWindow = 10

// Item is one entry in the rendered conversation list. Persisted messages
// carry the server id; optimistic and greeting items carry a local id and
// the ephemeral flag until they are confirmed or removed.
type Item struct {
	ID        string
	LocalID   string
	Role      string
	Type      string
	Text      string
	URL       string
	MIME      string
	Choices   []store.Choice
	CreatedAt time.Time
	Ephemeral bool
}

// Identity returns the stable identity used for change detection: the
// server id when present, the local id otherwise.
func (it Item) Identity() string {
	if it.ID != "" {
		return it.ID
	}
	return it.LocalID
}

// equivalent reports whether a polled item confirms an optimistic one.
// The server does not echo local ids, so confirmation is content-based:
// same role, same type, and same trimmed text or same url.
func equivalent(optimistic, polled Item) bool {
	if optimistic.Role != polled.Role || optimistic.Type != polled.Type {
		return false
	}
	if t := strings.TrimSpace(optimistic.Text); t != "" && t == strings.TrimSpace(polled.Text) {
		return true
	}
	if optimistic.URL != "" && optimistic.URL == polled.URL {
		return true
	}
	return false
}

// State holds the rendered conversation list and the local-only items that
// reconciliation folds into it. Safe for concurrent use; the poller and the
// send path touch it from different goroutines.
type State struct {
	mu         sync.Mutex
	rendered   []Item
	optimistic []Item
	greeting   *Item
}

// NewState creates an empty State.
func NewState() *State {
	return &State{}
}

// SetGreeting installs a locally-synthesized greeting shown when the
// persisted list is empty. It is never sent to the server.
func (s *State) SetGreeting(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greeting = &Item{
		LocalID:   "greeting",
		Role:      store.RoleBot,
		Type:      store.MessageTypeText,
		Text:      text,
		CreatedAt: time.Now(),
		Ephemeral: true,
	}
	s.rendered = s.mergeLocked(s.polledLocked())
}

// Items returns the current rendered list.
func (s *State) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// AppendOptimistic adds an unconfirmed item to the rendered list.
func (s *State) AppendOptimistic(it Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it.Ephemeral = true
	s.optimistic = append(s.optimistic, it)
	s.rendered = append(s.rendered, it)
}

// UpgradeOptimistic rewrites an optimistic item in place, typically to swap
// a local preview URL for the server-confirmed one. Returns false when the
// item is no longer held.
func (s *State) UpgradeOptimistic(localID string, update func(*Item)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.optimistic {
		if s.optimistic[i].LocalID == localID {
			update(&s.optimistic[i])
			found = true
		}
	}
	if !found {
		return false
	}
	for i := range s.rendered {
		if s.rendered[i].Ephemeral && s.rendered[i].LocalID == localID {
			update(&s.rendered[i])
		}
	}
	return true
}

// RemoveOptimistic drops an optimistic item, used when its send failed.
func (s *State) RemoveOptimistic(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optimistic = deleteByLocalID(s.optimistic, localID)
	kept := make([]Item, 0, len(s.rendered))
	for _, it := range s.rendered {
		if it.Ephemeral && it.LocalID == localID {
			continue
		}
		kept = append(kept, it)
	}
	s.rendered = kept
}

// AppendConfirmed appends server-confirmed items directly, used on the send
// path when the response arrives before the next poll catches up. Items whose
// server id is already rendered are skipped: a poll tick may land between the
// send response and this call and deliver the same messages first.
func (s *State) AppendConfirmed(items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.rendered))
	for _, it := range s.rendered {
		if it.ID != "" {
			seen[it.ID] = true
		}
	}
	for _, it := range items {
		if it.ID != "" && seen[it.ID] {
			continue
		}
		s.rendered = append(s.rendered, it)
	}
}

// ApplyPoll reconciles a freshly polled persisted list into the rendered
// list and returns it. Confirmed optimistic items are dropped; unconfirmed
// ones stay appended after the polled list. When the merge produces a list
// of the same length ending in the same identity, the previous slice is
// kept so callers can cheaply skip re-rendering.
func (s *State) ApplyPoll(polled []Item) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.mergeLocked(polled)
	if len(merged) == len(s.rendered) && len(merged) > 0 &&
		merged[len(merged)-1].Identity() == s.rendered[len(s.rendered)-1].Identity() {
		return s.rendered
	}
	s.rendered = merged
	return s.rendered
}

// mergeLocked derives the rendered list from (polled, greeting, optimistic).
func (s *State) mergeLocked(polled []Item) []Item {
	merged := make([]Item, 0, len(polled)+len(s.optimistic)+1)
	if s.greeting != nil && !containsEquivalent(polled, *s.greeting) {
		merged = append(merged, *s.greeting)
	}
	merged = append(merged, polled...)

	recent := polled
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}

	kept := s.optimistic[:0]
	for _, opt := range s.optimistic {
		confirmed := false
		for _, p := range recent {
			if equivalent(opt, p) {
				confirmed = true
				break
			}
		}
		if confirmed {
			continue
		}
		kept = append(kept, opt)
		merged = append(merged, opt)
	}
	s.optimistic = kept
	return merged
}

// polledLocked recovers the persisted portion of the current rendered list.
func (s *State) polledLocked() []Item {
	var polled []Item
	for _, it := range s.rendered {
		if !it.Ephemeral {
			polled = append(polled, it)
		}
	}
	return polled
}

func containsEquivalent(items []Item, candidate Item) bool {
	for _, it := range items {
		if equivalent(candidate, it) {
			return true
		}
	}
	return false
}

func deleteByLocalID(items []Item, localID string) []Item {
	kept := items[:0]
	for _, it := range items {
		if it.LocalID == localID {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// ScrollAction is what the view should do after the message count grows.
type ScrollAction int

const (
	// ScrollNone leaves the viewport alone.
	ScrollNone ScrollAction = iota
	// ScrollToBottom reveals the newest message.
	ScrollToBottom
	// ScrollNotify surfaces a new-messages affordance without moving the view.
	ScrollNotify
)

// DecideScroll applies the visibility rule when the rendered count grows:
// the user's own message is always revealed; a bot message only auto-scrolls
// when the viewer was already near the bottom.
func DecideScroll(prevCount, newCount int, lastRole string, nearBottom bool) ScrollAction {
	if newCount <= prevCount {
		return ScrollNone
	}
	if lastRole == store.RoleUser {
		return ScrollToBottom
	}
	if nearBottom {
		return ScrollToBottom
	}
	return ScrollNotify
}
