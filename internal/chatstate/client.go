// ABOUTME: HTTP client for the parley gateway API consumed by client surfaces
// ABOUTME: Caches the resolved session id on disk and re-resolves when it goes stale

package chatstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/2389/parley/internal/store"
)

// wireMessage mirrors the gateway's message JSON.
type wireMessage struct {
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

func (m wireMessage) item() Item {
	return Item{
		ID:        m.ID,
		Role:      m.Role,
		Type:      m.Type,
		Text:      m.Text,
		URL:       m.URL,
		MIME:      m.MIME,
		Choices:   m.Choices,
		CreatedAt: m.CreatedAt,
	}
}

// SendParams is one outbound message from the client surface.
type SendParams struct {
	Type          string
	Text          string
	URL           string
	MIME          string
	CorrelationID string
}

// SendResult is the gateway's response to a send, as rendered items.
type SendResult struct {
	SessionID   string
	UserMessage Item
	Ack         *Item
	Replies     []Item
	Output      any
	Duplicate   bool
}

// Client talks to the parley gateway for one (agent, user) identity.
type Client struct {
	baseURL   string
	agentID   string
	userID    string
	cachePath string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a Client. cachePath is where the resolved session id is
// stored between runs; empty disables caching.
func NewClient(baseURL, agentID, userID, cachePath string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		agentID:   agentID,
		userID:    userID,
		cachePath: cachePath,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    logger.With("component", "chatclient"),
	}
}

// ResolveSession returns a usable session id, preferring the cached one when
// the server still considers it live. A cached id the server reports as
// missing or expired is discarded and replaced.
func (c *Client) ResolveSession(ctx context.Context) (string, error) {
	if cached := c.readCachedSession(); cached != "" {
		if err := c.checkSession(ctx, cached); err == nil {
			return cached, nil
		}
		c.logger.Info("cached session stale, resolving a new one", "session_id", cached)
	}

	body, err := json.Marshal(map[string]string{
		"agentId": c.agentID,
		"userId":  c.userID,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &resp); err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}
	c.writeCachedSession(resp.Session.ID)
	return resp.Session.ID, nil
}

// checkSession asks the server whether a session id is still live.
func (c *Client) checkSession(ctx context.Context, id string) error {
	var resp struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	return c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &resp)
}

// ListMessages fetches the persisted message list in ascending order.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]Item, error) {
	path := "/api/messages?sessionId=" + url.QueryEscape(sessionID)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	items := make([]Item, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		items = append(items, m.item())
	}
	return items, nil
}

// Send posts one message through the pipeline.
func (c *Client) Send(ctx context.Context, sessionID string, p SendParams) (*SendResult, error) {
	payload := map[string]any{
		"sessionId": sessionID,
		"agentId":   c.agentID,
		"userId":    c.userID,
		"message": map[string]any{
			"type": p.Type,
			"text": p.Text,
			"url":  p.URL,
			"mime": p.MIME,
		},
	}
	if p.CorrelationID != "" {
		payload["correlationId"] = p.CorrelationID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status      string        `json:"status"`
		SessionID   string        `json:"sessionId"`
		UserMessage wireMessage   `json:"userMessage"`
		AckMessage  *wireMessage  `json:"ackMessage"`
		Replies     []wireMessage `json:"replies"`
		Output      any           `json:"output"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/send", body, &resp); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	if resp.Status == "duplicate" {
		return &SendResult{SessionID: sessionID, Duplicate: true}, nil
	}

	result := &SendResult{
		SessionID:   resp.SessionID,
		UserMessage: resp.UserMessage.item(),
		Output:      resp.Output,
	}
	if resp.AckMessage != nil {
		ack := resp.AckMessage.item()
		result.Ack = &ack
	}
	for _, m := range resp.Replies {
		result.Replies = append(result.Replies, m.item())
	}
	return result, nil
}

// do runs one API request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) readCachedSession() string {
	if c.cachePath == "" {
		return ""
	}
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) writeCachedSession(id string) {
	if c.cachePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0700); err != nil {
		c.logger.Warn("failed to create session cache dir", "error", err)
		return
	}
	if err := os.WriteFile(c.cachePath, []byte(id+"\n"), 0600); err != nil {
		c.logger.Warn("failed to cache session id", "error", err)
	}
}
