// ABOUTME: Session resolution service for parley
// ABOUTME: Finds or creates sessions keyed by (agent, user, chat) identity

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/store"
)

// ErrExpired is returned by Get when a session's last activity is older
// than the configured freshness window.
var ErrExpired = errors.New("session expired")

// DefaultFreshnessWindow is how long a session stays resolvable by id
// after its last activity.
const DefaultFreshnessWindow = 24 * time.Hour

// SessionStore defines what the resolver needs from storage
type SessionStore interface {
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	FindSessionByIdentity(ctx context.Context, agentID, userID, chatID string) (*store.Session, error)
}

// Resolver finds or creates conversation sessions.
type Resolver struct {
	store           SessionStore
	freshnessWindow time.Duration
	logger          *slog.Logger
}

// New creates a Resolver. A zero freshnessWindow selects the default.
func New(s SessionStore, freshnessWindow time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if freshnessWindow <= 0 {
		freshnessWindow = DefaultFreshnessWindow
	}
	return &Resolver{
		store:           s,
		freshnessWindow: freshnessWindow,
		logger:          logger.With("component", "session"),
	}
}

// ResolveRequest identifies the session to resolve.
type ResolveRequest struct {
	SessionID string // when set, resolve by id and ignore the identity fields
	AgentID   string // required unless SessionID is set
	UserID    string
	ChatID    string
	Create    bool // create a session when the lookup misses
}

// Resolve returns the session for the given identity, creating it when
// requested. Resolution is idempotent: repeated calls with the same triple
// return the same session. Returns store.ErrNotFound when nothing matches
// and creation was not requested.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*store.Session, error) {
	if req.SessionID != "" {
		return r.store.GetSession(ctx, req.SessionID)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("agentId is required")
	}

	existing, err := r.store.FindSessionByIdentity(ctx, req.AgentID, req.UserID, req.ChatID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if !req.Create {
		return nil, store.ErrNotFound
	}

	now := time.Now()
	session := &store.Session{
		ID:           uuid.New().String(),
		AgentID:      req.AgentID,
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		// Another request may have created the session between our lookup
		// and insert. The unique identity index turns that race into a
		// duplicate error, which we resolve as "use the existing session".
		if errors.Is(err, store.ErrDuplicateSession) {
			existing, lookupErr := r.store.FindSessionByIdentity(ctx, req.AgentID, req.UserID, req.ChatID)
			if lookupErr == nil {
				r.logger.Debug("found existing session after create race", "session_id", existing.ID)
				return existing, nil
			}
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	r.logger.Debug("session created",
		"session_id", session.ID,
		"agent_id", session.AgentID,
		"user_id", session.UserID,
		"chat_id", session.ChatID)
	return session, nil
}

// Get fetches a session by id and applies the freshness window:
// a session whose last activity is older than the window is reported
// as ErrExpired rather than returned.
func (r *Resolver) Get(ctx context.Context, id string) (*store.Session, error) {
	session, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if time.Since(session.LastActiveAt) > r.freshnessWindow {
		return nil, ErrExpired
	}
	return session, nil
}
