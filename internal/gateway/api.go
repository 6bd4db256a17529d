// ABOUTME: HTTP API handlers for the gateway - send, history, and session endpoints
// ABOUTME: Wire types are camelCase JSON; errors are {"error": "..."} with proper status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/parley/internal/pipeline"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// MessagePayload is the wire form of one message body.
type MessagePayload struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	URL     string         `json:"url,omitempty"`
	MIME    string         `json:"mime,omitempty"`
	Choices []store.Choice `json:"choices,omitempty"`
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	SessionID     string         `json:"sessionId,omitempty"`
	AgentID       string         `json:"agentId"`
	UserID        string         `json:"userId,omitempty"`
	ChatID        string         `json:"chatId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Role          string         `json:"role,omitempty"`
	Message       MessagePayload `json:"message"`
	Context       map[string]any `json:"context,omitempty"`
}

// MessageJSON is the wire form of a stored message.
type MessageJSON struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	URL       string         `json:"url,omitempty"`
	MIME      string         `json:"mime,omitempty"`
	Choices   []store.Choice `json:"choices,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SendResponse is the body of a successful POST /api/send.
type SendResponse struct {
	SessionID   string         `json:"sessionId"`
	UserMessage MessageJSON    `json:"userMessage"`
	AckMessage  *MessageJSON   `json:"ackMessage,omitempty"`
	Replies     []MessageJSON  `json:"replies"`
	Output      any            `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SessionJSON is the wire form of a session.
type SessionJSON struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId"`
	UserID       string    `json:"userId,omitempty"`
	ChatID       string    `json:"chatId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

func messageJSON(m *store.Message) MessageJSON {
	return MessageJSON{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Type:      m.Type,
		Text:      m.Text,
		URL:       m.URL,
		MIME:      m.MIME,
		Choices:   m.Choices,
		CreatedAt: m.CreatedAt,
	}
}

func sessionJSON(s *store.Session) SessionJSON {
	return SessionJSON{
		ID:           s.ID,
		AgentID:      s.AgentID,
		UserID:       s.UserID,
		ChatID:       s.ChatID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}

// handleSend handles POST /api/send: the full inbound-message pipeline with
// correlation-id deduplication in front of it.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Duplicate deliveries within the TTL are acknowledged, not reprocessed.
	if req.CorrelationID != "" && g.dedupe.Check(req.CorrelationID) {
		g.logger.Info("duplicate send suppressed", "correlation_id", req.CorrelationID)
		sendJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	result, err := g.pipeline.Send(r.Context(), &pipeline.SendRequest{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		Role:      req.Role,
		Type:      req.Message.Type,
		Text:      req.Message.Text,
		URL:       req.Message.URL,
		MIME:      req.Message.MIME,
		Choices:   req.Message.Choices,
		Context:   req.Context,
	})
	if err != nil {
		g.logger.Error("send failed", "error", err, "agent_id", req.AgentID)
		sendJSONError(w, statusForError(err), errorMessage(err))
		return
	}

	// Mark only after success so a failed attempt can be retried.
	if req.CorrelationID != "" {
		g.dedupe.Mark(req.CorrelationID)
	}

	resp := SendResponse{
		SessionID:   result.Session.ID,
		UserMessage: messageJSON(result.UserMessage),
		Replies:     make([]MessageJSON, 0, len(result.Replies)),
		Output:      result.Output,
		Metadata:    result.Metadata,
	}
	if result.Ack != nil {
		ack := messageJSON(result.Ack)
		resp.AckMessage = &ack
	}
	for _, m := range result.Replies {
		resp.Replies = append(resp.Replies, messageJSON(m))
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleListMessages handles GET /api/messages?sessionId=&limit=.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sendJSONError(w, http.StatusBadRequest, "sessionId required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if _, err := g.sessions.Get(r.Context(), sessionID); err != nil {
		sendJSONError(w, statusForError(err), errorMessage(err))
		return
	}

	messages, err := g.store.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "error", err, "session_id", sessionID)
		sendJSONError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]MessageJSON, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageJSON(m))
	}
	sendJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// SessionRequest is the body of POST /api/sessions.
type SessionRequest struct {
	AgentID string `json:"agentId"`
	UserID  string `json:"userId,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
}

// handleSessions handles POST /api/sessions: resolve-or-create by identity.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AgentID == "" {
		sendJSONError(w, http.StatusBadRequest, "agentId required")
		return
	}

	sess, err := g.sessions.Resolve(r.Context(), session.ResolveRequest{
		AgentID: req.AgentID,
		UserID:  req.UserID,
		ChatID:  req.ChatID,
		Create:  true,
	})
	if err != nil {
		g.logger.Error("session resolve failed", "error", err, "agent_id", req.AgentID)
		sendJSONError(w, statusForError(err), errorMessage(err))
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"session": sessionJSON(sess)})
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	sess, err := g.sessions.Get(r.Context(), id)
	if err != nil {
		sendJSONError(w, statusForError(err), errorMessage(err))
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"session": sessionJSON(sess)})
}

// errorMessage maps domain errors to the API's error strings.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "session not found"
	case errors.Is(err, session.ErrExpired):
		return "session expired"
	default:
		return err.Error()
	}
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrExpired):
		return http.StatusGone
	case errors.Is(err, pipeline.ErrAgentRequired),
		errors.Is(err, pipeline.ErrMessageTypeRequired),
		errors.Is(err, pipeline.ErrSessionRequired),
		errors.Is(err, pipeline.ErrInvalidRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
