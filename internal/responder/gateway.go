// ABOUTME: HTTP client for the external webhook responder
// ABOUTME: Sends message+history requests and validates the reply payload

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/parley/internal/store"
)

// SessionRef identifies the session on the responder wire.
type SessionRef struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

// OutboundMessage is a message as presented to the responder, either the
// new message or one item of the trailing history.
type OutboundMessage struct {
	Role        string         `json:"role"`
	Type        string         `json:"type"`
	MessageKind string         `json:"messageKind"`
	Text        string         `json:"text,omitempty"`
	URL         string         `json:"url,omitempty"`
	MIME        string         `json:"mime,omitempty"`
	Choices     []store.Choice `json:"choices,omitempty"`
}

// Request is the outbound wire payload for one responder invocation.
type Request struct {
	AgentID string            `json:"agentId"`
	Session SessionRef        `json:"session"`
	Message OutboundMessage   `json:"message"`
	History []OutboundMessage `json:"history"`
	Context map[string]any    `json:"context"`
}

// Reply is one typed item of the responder's answer.
type Reply struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	URL     string         `json:"url,omitempty"`
	MIME    string         `json:"mime,omitempty"`
	Choices []store.Choice `json:"choices,omitempty"`
}

// Response is the normalized responder answer.
type Response struct {
	Replies  []Reply        `json:"replies"`
	Output   any            `json:"output"`
	Metadata map[string]any `json:"metadata"`
}

// Empty returns the substitute response used when the responder call fails.
// The caller proceeds with zero replies instead of failing the user's message.
func Empty() *Response {
	return &Response{Replies: []Reply{}, Output: nil, Metadata: map[string]any{}}
}

// MessageKind returns the normalized kind tag for a message type.
func MessageKind(msgType string) string {
	return strings.ToLower(strings.TrimSpace(msgType))
}

// OutboundFromMessage converts a persisted message into its wire form.
func OutboundFromMessage(msg *store.Message) OutboundMessage {
	return OutboundMessage{
		Role:        msg.Role,
		Type:        msg.Type,
		MessageKind: MessageKind(msg.Type),
		Text:        msg.Text,
		URL:         msg.URL,
		MIME:        msg.MIME,
		Choices:     msg.Choices,
	}
}

// Gateway calls the external responder over HTTP.
type Gateway struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New creates a Gateway for the given responder URL. A nil client selects
// http.DefaultClient; no request timeout is enforced beyond the caller's
// context and whatever the client itself is configured with.
func New(url string, client *http.Client, logger *slog.Logger) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		url:    url,
		client: client,
		logger: logger.With("component", "responder"),
	}
}

// Invoke posts the request to the responder and returns its validated
// response. Any transport failure, non-2xx status, empty or unparseable
// body, or malformed reply item is returned as an error; the pipeline
// contains these by substituting Empty().
func (g *Gateway) Invoke(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling responder request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating responder request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling responder: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading responder body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("responder returned status %d", httpResp.StatusCode)
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, fmt.Errorf("responder returned empty body")
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parsing responder body: %w", err)
	}

	if err := validateReplies(resp.Replies); err != nil {
		return nil, fmt.Errorf("malformed responder reply: %w", err)
	}

	if resp.Replies == nil {
		resp.Replies = []Reply{}
	}
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}

	g.logger.Debug("responder replied",
		"agent_id", req.AgentID,
		"session_id", req.Session.ID,
		"replies", len(resp.Replies))
	return &resp, nil
}

// validateReplies checks each reply against the discriminated union the
// pipeline knows how to persist. One bad item fails the whole call.
func validateReplies(replies []Reply) error {
	for i, r := range replies {
		switch r.Type {
		case store.MessageTypeText:
			if r.Text == "" {
				return fmt.Errorf("reply %d: text reply without text", i)
			}
		case store.MessageTypeImage:
			if r.URL == "" {
				return fmt.Errorf("reply %d: image reply without url", i)
			}
		case store.MessageTypeAudio:
			if r.URL == "" {
				return fmt.Errorf("reply %d: audio reply without url", i)
			}
		case store.MessageTypeChoice:
			if len(r.Choices) == 0 {
				return fmt.Errorf("reply %d: choice reply without choices", i)
			}
			for j, c := range r.Choices {
				if c.Label == "" || c.Value == "" {
					return fmt.Errorf("reply %d: choice %d missing label or value", i, j)
				}
			}
		default:
			return fmt.Errorf("reply %d: unknown type %q", i, r.Type)
		}
	}
	return nil
}

// Normalize applies the output fallback: a response with zero structured
// replies but a non-empty output field yields a single synthesized text
// reply carrying the stringified output.
func (r *Response) Normalize() {
	if len(r.Replies) > 0 || r.Output == nil {
		return
	}
	text := stringifyOutput(r.Output)
	if text == "" {
		return
	}
	r.Replies = []Reply{{Type: store.MessageTypeText, Text: text}}
}

// stringifyOutput renders the opaque output value as reply text.
func stringifyOutput(output any) string {
	switch v := output.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
