// ABOUTME: Conversation ties the gateway client, rendered state, and uploads together
// ABOUTME: Owns the optimistic send path and the fixed-interval poll loop

package chatstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/store"
)

// DefaultPollInterval is how often the persisted list is re-fetched.
const DefaultPollInterval = 3 * time.Second

// Uploader stores a binary attachment and returns where it landed.
// Implemented by an external collaborator; the conversation only needs the
// returned URL to embed into a message.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (url, mime string, size int64, err error)
}

// Attachment is a local file pending upload. Release frees any local-only
// preview resource once the attachment is confirmed or abandoned.
type Attachment struct {
	Filename   string
	Data       []byte
	PreviewURL string
	Release    func()
}

// Conversation drives one chat session: optimistic sends, reply ingestion,
// and periodic reconciliation against the server's message list.
type Conversation struct {
	client   *Client
	state    *State
	uploader Uploader
	greeting string

	sessionID string
	logger    *slog.Logger
}

// NewConversation creates a Conversation. uploader may be nil when the
// surface never sends attachments.
func NewConversation(client *Client, uploader Uploader, greeting string, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		client:   client,
		state:    NewState(),
		uploader: uploader,
		greeting: greeting,
		logger:   logger.With("component", "conversation"),
	}
}

// Start resolves the session and loads the initial message list. When the
// list is empty and a greeting is configured, a local ephemeral greeting is
// synthesized in its place.
func (c *Conversation) Start(ctx context.Context) error {
	sessionID, err := c.client.ResolveSession(ctx)
	if err != nil {
		return err
	}
	c.sessionID = sessionID

	items, err := c.client.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	if len(items) == 0 && c.greeting != "" {
		c.state.SetGreeting(c.greeting)
	}
	c.state.ApplyPoll(items)
	return nil
}

// SessionID returns the resolved session id; empty before Start.
func (c *Conversation) SessionID() string {
	return c.sessionID
}

// Items returns the current rendered list.
func (c *Conversation) Items() []Item {
	return c.state.Items()
}

// SendText sends a text message with an optimistic preview. On failure the
// preview is rolled back and the error surfaced.
func (c *Conversation) SendText(ctx context.Context, text string) (*SendResult, error) {
	return c.send(ctx, Item{
		LocalID:   uuid.New().String(),
		Role:      store.RoleUser,
		Type:      store.MessageTypeText,
		Text:      text,
		CreatedAt: time.Now(),
	}, nil)
}

// SendAttachment uploads a local file and sends it as an image or audio
// message. The optimistic item shows the local preview URL until the upload
// returns the confirmed one.
func (c *Conversation) SendAttachment(ctx context.Context, msgType string, att Attachment) (*SendResult, error) {
	if c.uploader == nil {
		return nil, fmt.Errorf("no uploader configured")
	}
	return c.send(ctx, Item{
		LocalID:   uuid.New().String(),
		Role:      store.RoleUser,
		Type:      msgType,
		URL:       att.PreviewURL,
		CreatedAt: time.Now(),
	}, &att)
}

// send runs the optimistic send path for one item.
func (c *Conversation) send(ctx context.Context, optimistic Item, att *Attachment) (*SendResult, error) {
	c.state.AppendOptimistic(optimistic)

	fail := func(err error) (*SendResult, error) {
		c.state.RemoveOptimistic(optimistic.LocalID)
		if att != nil && att.Release != nil {
			att.Release()
		}
		return nil, err
	}

	params := SendParams{
		Type:          optimistic.Type,
		Text:          optimistic.Text,
		URL:           optimistic.URL,
		CorrelationID: optimistic.LocalID,
	}

	if att != nil {
		url, mime, size, err := c.uploader.Upload(ctx, att.Filename, att.Data)
		if err != nil {
			return fail(fmt.Errorf("uploading attachment: %w", err))
		}
		c.logger.Debug("attachment uploaded", "url", url, "mime", mime, "size", size)
		// Swap the local preview for the confirmed resource in place.
		c.state.UpgradeOptimistic(optimistic.LocalID, func(it *Item) {
			it.URL = url
			it.MIME = mime
		})
		params.URL = url
		params.MIME = mime
	}

	result, err := c.client.Send(ctx, c.sessionID, params)
	if err != nil {
		return fail(err)
	}
	if att != nil && att.Release != nil {
		att.Release()
	}
	if result.Duplicate {
		return result, nil
	}

	// Surface the replies immediately; the next poll re-derives the list
	// and folds the optimistic copy away.
	var confirmed []Item
	if result.Ack != nil {
		confirmed = append(confirmed, *result.Ack)
	}
	confirmed = append(confirmed, result.Replies...)
	c.state.AppendConfirmed(confirmed...)
	return result, nil
}

// Refresh runs one poll tick: fetch the persisted list and reconcile.
func (c *Conversation) Refresh(ctx context.Context) ([]Item, error) {
	items, err := c.client.ListMessages(ctx, c.sessionID, 0)
	if err != nil {
		return nil, err
	}
	return c.state.ApplyPoll(items), nil
}

// Poll re-fetches the message list on a fixed interval until the context is
// cancelled, invoking onUpdate whenever the rendered list changed. Poll
// failures are logged and the loop keeps going.
func (c *Conversation) Poll(ctx context.Context, interval time.Duration, onUpdate func([]Item)) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevLen, prevLast := listFingerprint(c.state.Items())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items, err := c.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("poll failed", "error", err)
				continue
			}
			n, last := listFingerprint(items)
			if (n != prevLen || last != prevLast) && onUpdate != nil {
				onUpdate(items)
			}
			prevLen, prevLast = n, last
		}
	}
}

func listFingerprint(items []Item) (int, string) {
	if len(items) == 0 {
		return 0, ""
	}
	return len(items), items[len(items)-1].Identity()
}
