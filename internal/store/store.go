// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Session, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when inserting a session whose identity
// triple (agent_id, user_id, chat_id) already exists
var ErrDuplicateSession = errors.New("session already exists")

// Session is a durable conversation context keyed by agent/user/chat identity
type Session struct {
	ID           string
	AgentID      string
	UserID       string // optional, empty when the visitor is anonymous
	ChatID       string // optional, external chat identifier
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActiveAt time.Time
}

// Role constants for message authorship
const (
	RoleUser   = "user"
	RoleBot    = "bot"
	RoleSystem = "system"
)

// MessageType constants for message payloads
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeAudio  = "audio"
	MessageTypeChoice = "choice"
)

// ValidRole reports whether r is a known message role.
func ValidRole(r string) bool {
	return r == RoleUser || r == RoleBot || r == RoleSystem
}

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeChoice:
		return true
	}
	return false
}

// Choice is one selectable option carried by a choice message
type Choice struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Message is a single persisted message within a session.
// Within a session messages form a total order by CreatedAt; the pipeline
// assigns synthetic sub-second offsets so acknowledgment and multi-part
// replies render in the intended sequence.
type Message struct {
	ID        string
	SessionID string
	Role      string // "user", "bot", "system"
	Type      string // "text", "image", "audio", "choice"
	Text      string
	URL       string
	MIME      string
	Choices   []Choice
	CreatedAt time.Time
}

// Store defines the interface for session and message persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	FindSessionByIdentity(ctx context.Context, agentID, userID, chatID string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
