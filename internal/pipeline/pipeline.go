// ABOUTME: Message pipeline composing session resolution, persistence, and the responder
// ABOUTME: Persist first, ack fast, contain responder failures - the user's message always lands

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/responder"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// Validation errors surfaced synchronously to the caller.
var (
	ErrAgentRequired       = errors.New("agentId required")
	ErrMessageTypeRequired = errors.New("message.type required")
	ErrSessionRequired     = errors.New("sessionId required")
	ErrInvalidRole         = errors.New("invalid role")
)

// Ordering offsets. The acknowledgment lands just after the user message;
// replies land after the acknowledgment, spaced so multi-part answers keep
// the order the responder produced them in.
const (
	ackOffset       = 100 * time.Millisecond
	replyBaseOffset = 1000 * time.Millisecond
	replyStepOffset = 100 * time.Millisecond

	DefaultAckText  = "Ok, let me verify..."
	DefaultHistoryN = 100
)

// PipelineStore defines what the pipeline needs from storage
type PipelineStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*store.Message, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// SessionResolver defines what the pipeline needs from the session layer
type SessionResolver interface {
	Resolve(ctx context.Context, req session.ResolveRequest) (*store.Session, error)
}

// ResponderClient defines what the pipeline needs from the responder boundary
type ResponderClient interface {
	Invoke(ctx context.Context, req *responder.Request) (*responder.Response, error)
}

// Pipeline is the server-side message path: resolve the session, persist
// the inbound message, invoke the responder, and persist its replies in
// order with failure containment.
type Pipeline struct {
	sessions     SessionResolver
	store        PipelineStore
	responder    ResponderClient
	ackText      string
	historyLimit int
	logger       *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAckText overrides the synthetic acknowledgment text.
func WithAckText(text string) Option {
	return func(p *Pipeline) { p.ackText = text }
}

// WithHistoryLimit overrides the trailing-history window sent to the responder.
func WithHistoryLimit(n int) Option {
	return func(p *Pipeline) { p.historyLimit = n }
}

// New creates a Pipeline.
func New(sessions SessionResolver, s PipelineStore, r ResponderClient, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		sessions:     sessions,
		store:        s,
		responder:    r,
		ackText:      DefaultAckText,
		historyLimit: DefaultHistoryN,
		logger:       logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SendRequest carries one inbound message through the pipeline.
type SendRequest struct {
	SessionID string
	AgentID   string
	UserID    string
	ChatID    string

	Role    string // defaults to "user"; "bot" injects directly, no responder call
	Type    string // required: text, image, audio, choice
	Text    string
	URL     string
	MIME    string
	Choices []store.Choice

	// Context is an opaque blob forwarded to the responder untouched.
	Context map[string]any
}

// SendResult is what the pipeline returns to the API layer.
type SendResult struct {
	Session     *store.Session
	UserMessage *store.Message
	Ack         *store.Message
	Replies     []*store.Message
	Output      any
	Metadata    map[string]any
}

// Send runs the full pipeline for one inbound message.
//
// The user's message is persisted before the responder is invoked, and a
// responder failure of any kind is contained: the caller gets the persisted
// message back with zero replies instead of an error.
func (p *Pipeline) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// 1. Resolve the session; create only when identity fields allow a
	// later client to find it again.
	sess, err := p.sessions.Resolve(ctx, session.ResolveRequest{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		Create:    req.SessionID == "",
	})
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = store.RoleUser
	}

	// 2. Persist the inbound message and bump session activity.
	now := time.Now()
	inbound := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      role,
		Type:      req.Type,
		Text:      req.Text,
		URL:       req.URL,
		MIME:      req.MIME,
		Choices:   req.Choices,
		CreatedAt: now,
	}
	if err := p.store.SaveMessage(ctx, inbound); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	p.touch(sess.ID, now)

	result := &SendResult{
		Session:     sess,
		UserMessage: inbound,
		Replies:     []*store.Message{},
		Metadata:    map[string]any{},
	}

	// 3. Direct bot injection: persist and return, no responder call.
	if role == store.RoleBot {
		return result, nil
	}

	// 4. Synthetic acknowledgment so the user sees an immediate response
	// while the responder works. Perceived-latency mitigation, not a
	// correctness requirement; a persist failure here is logged and skipped.
	ack := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      store.RoleBot,
		Type:      store.MessageTypeText,
		Text:      p.ackText,
		CreatedAt: now.Add(ackOffset),
	}
	if err := p.store.SaveMessage(ctx, ack); err != nil {
		p.logger.Error("failed to persist acknowledgment", "error", err, "session_id", sess.ID)
		ack = nil
	}
	result.Ack = ack

	// 5-7. Invoke the responder with trailing history; contain any failure.
	resp := p.invokeResponder(ctx, req, sess, inbound)
	resp.Normalize()
	result.Output = resp.Output
	result.Metadata = resp.Metadata

	// 8. Persist replies with increasing offsets. Each persist stands
	// alone: one failure is logged and skipped, siblings still land.
	for i, reply := range resp.Replies {
		msg := &store.Message{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			Role:      store.RoleBot,
			Type:      reply.Type,
			Text:      reply.Text,
			URL:       reply.URL,
			MIME:      reply.MIME,
			Choices:   reply.Choices,
			CreatedAt: now.Add(replyBaseOffset + time.Duration(i)*replyStepOffset),
		}
		if err := p.store.SaveMessage(ctx, msg); err != nil {
			p.logger.Error("failed to persist reply",
				"error", err,
				"session_id", sess.ID,
				"reply_index", i)
			continue
		}
		result.Replies = append(result.Replies, msg)
	}
	p.touch(sess.ID, time.Now())

	return result, nil
}

// invokeResponder builds the wire request and calls the responder.
// Every failure mode collapses to the empty substitute response.
func (p *Pipeline) invokeResponder(ctx context.Context, req *SendRequest, sess *store.Session, inbound *store.Message) *responder.Response {
	history, err := p.store.ListMessages(ctx, sess.ID, p.historyLimit)
	if err != nil {
		p.logger.Error("failed to load history for responder", "error", err, "session_id", sess.ID)
		history = nil
	}

	outHistory := make([]responder.OutboundMessage, 0, len(history))
	for _, m := range history {
		outHistory = append(outHistory, responder.OutboundFromMessage(m))
	}

	wireReq := &responder.Request{
		AgentID: req.AgentID,
		Session: responder.SessionRef{
			ID:     sess.ID,
			UserID: sess.UserID,
			ChatID: sess.ChatID,
		},
		Message: responder.OutboundFromMessage(inbound),
		History: outHistory,
		Context: req.Context,
	}

	resp, err := p.responder.Invoke(ctx, wireReq)
	if err != nil {
		p.logger.Warn("responder call failed, continuing with empty reply",
			"error", err,
			"session_id", sess.ID,
			"agent_id", req.AgentID)
		return responder.Empty()
	}
	return resp
}

// touch bumps session activity with its own short deadline so a cancelled
// request context can't lose the activity bump.
func (p *Pipeline) touch(sessionID string, at time.Time) {
	touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.store.TouchSession(touchCtx, sessionID, at); err != nil {
		p.logger.Error("failed to touch session", "error", err, "session_id", sessionID)
	}
}

// validate checks the request's required fields.
func validate(req *SendRequest) error {
	if req.Type == "" {
		return ErrMessageTypeRequired
	}
	if !store.ValidMessageType(req.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrMessageTypeRequired, req.Type)
	}
	if req.Role != "" && !store.ValidRole(req.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}
	if req.AgentID == "" {
		return ErrAgentRequired
	}
	if req.SessionID == "" && req.UserID == "" && req.ChatID == "" {
		return ErrSessionRequired
	}
	return nil
}
