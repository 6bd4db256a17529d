// ABOUTME: Tests for the conversation send path and session resolution caching
// ABOUTME: Uses an in-memory fake of the gateway API behind httptest

package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/store"
)

// fakeGateway is a minimal in-memory stand-in for the server API.
type fakeGateway struct {
	mu       sync.Mutex
	session  string
	expired  bool
	messages []wireMessage
	failSend bool
	resolves int
	nextID   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{session: "sess-1"}
}

func (f *fakeGateway) newID() string {
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID)
}

func (f *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.resolves++
		f.expired = false
		writeJSON(w, http.StatusOK, map[string]any{"session": map[string]string{"id": f.session}})
	})
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		switch {
		case f.expired:
			writeJSON(w, http.StatusGone, map[string]string{"error": "session expired"})
		case id != f.session:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"session": map[string]string{"id": f.session}})
		}
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"messages": f.messages})
	})
	mux.HandleFunc("/api/send", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failSend {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		var req struct {
			SessionID string `json:"sessionId"`
			Message   struct {
				Type string `json:"type"`
				Text string `json:"text"`
				URL  string `json:"url"`
				MIME string `json:"mime"`
			} `json:"message"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)

		now := time.Now()
		user := wireMessage{ID: f.newID(), SessionID: req.SessionID, Role: store.RoleUser,
			Type: req.Message.Type, Text: req.Message.Text, URL: req.Message.URL, MIME: req.Message.MIME, CreatedAt: now}
		ack := wireMessage{ID: f.newID(), SessionID: req.SessionID, Role: store.RoleBot,
			Type: store.MessageTypeText, Text: "Ok, let me verify...", CreatedAt: now.Add(100 * time.Millisecond)}
		reply := wireMessage{ID: f.newID(), SessionID: req.SessionID, Role: store.RoleBot,
			Type: store.MessageTypeText, Text: "echo: " + req.Message.Text, CreatedAt: now.Add(time.Second)}
		f.messages = append(f.messages, user, ack, reply)

		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId":   req.SessionID,
			"userMessage": user,
			"ackMessage":  ack,
			"replies":     []wireMessage{reply},
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConversation(t *testing.T, fake *fakeGateway, uploader Uploader, greeting string) *Conversation {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "agent-1", "user-1", "", testLogger())
	return NewConversation(client, uploader, greeting, testLogger())
}

func TestConversation_StartSynthesizesGreeting(t *testing.T) {
	conv := newTestConversation(t, newFakeGateway(), nil, "Welcome!")
	require.NoError(t, conv.Start(context.Background()))

	items := conv.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Welcome!", items[0].Text)
	assert.True(t, items[0].Ephemeral)
	assert.Equal(t, "sess-1", conv.SessionID())
}

func TestConversation_StartSkipsGreetingWithHistory(t *testing.T) {
	fake := newFakeGateway()
	fake.messages = []wireMessage{{ID: "m1", Role: store.RoleUser, Type: store.MessageTypeText, Text: "earlier", CreatedAt: time.Now()}}

	conv := newTestConversation(t, fake, nil, "Welcome!")
	require.NoError(t, conv.Start(context.Background()))

	items := conv.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "earlier", items[0].Text)
}

func TestConversation_SendTextLifecycle(t *testing.T) {
	fake := newFakeGateway()
	conv := newTestConversation(t, fake, nil, "")
	require.NoError(t, conv.Start(context.Background()))

	result, err := conv.SendText(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, result.Replies, 1)
	assert.Equal(t, "echo: hello", result.Replies[0].Text)

	// Optimistic user message plus ack and reply, no duplicates.
	items := conv.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "hello", items[0].Text)
	assert.True(t, items[0].Ephemeral)

	// The poll must never render the optimistic copy next to its
	// server-confirmed equivalent.
	items, err = conv.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	hellos := 0
	for _, it := range items {
		if it.Role == store.RoleUser && it.Text == "hello" {
			hellos++
		}
	}
	assert.Equal(t, 1, hellos)
	assert.Equal(t, "hello", items[0].Text)
	assert.Equal(t, "echo: hello", items[2].Text)
}

func TestConversation_SendFailureRollsBack(t *testing.T) {
	fake := newFakeGateway()
	fake.failSend = true
	conv := newTestConversation(t, fake, nil, "")
	require.NoError(t, conv.Start(context.Background()))

	_, err := conv.SendText(context.Background(), "doomed")
	require.Error(t, err)
	assert.Empty(t, conv.Items(), "failed optimistic message must be rolled back")
}

type stubUploader struct {
	url  string
	mime string
	err  error
}

func (u *stubUploader) Upload(ctx context.Context, filename string, data []byte) (string, string, int64, error) {
	if u.err != nil {
		return "", "", 0, u.err
	}
	return u.url, u.mime, int64(len(data)), nil
}

func TestConversation_AttachmentUpgradesPreview(t *testing.T) {
	fake := newFakeGateway()
	uploader := &stubUploader{url: "https://cdn/pic.png", mime: "image/png"}
	conv := newTestConversation(t, fake, uploader, "")
	require.NoError(t, conv.Start(context.Background()))

	released := false
	result, err := conv.SendAttachment(context.Background(), store.MessageTypeImage, Attachment{
		Filename:   "pic.png",
		Data:       []byte("png-bytes"),
		PreviewURL: "blob:local-preview",
		Release:    func() { released = true },
	})
	require.NoError(t, err)
	assert.True(t, released, "local preview must be released after confirmation")
	assert.Equal(t, "https://cdn/pic.png", result.UserMessage.URL)

	items := conv.Items()
	require.NotEmpty(t, items)
	assert.Equal(t, "https://cdn/pic.png", items[0].URL, "preview URL upgraded in place")
}

func TestConversation_UploadFailureReleasesPreview(t *testing.T) {
	fake := newFakeGateway()
	uploader := &stubUploader{err: fmt.Errorf("disk full")}
	conv := newTestConversation(t, fake, uploader, "")
	require.NoError(t, conv.Start(context.Background()))

	released := false
	_, err := conv.SendAttachment(context.Background(), store.MessageTypeImage, Attachment{
		Filename:   "pic.png",
		Data:       []byte("png-bytes"),
		PreviewURL: "blob:local-preview",
		Release:    func() { released = true },
	})
	require.Error(t, err)
	assert.True(t, released)
	assert.Empty(t, conv.Items())
}

func TestClient_SessionCacheReuse(t *testing.T) {
	fake := newFakeGateway()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cachePath := filepath.Join(t.TempDir(), "session")

	first := NewClient(srv.URL, "agent-1", "user-1", cachePath, testLogger())
	id, err := first.ResolveSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
	assert.Equal(t, 1, fake.resolves)

	// A fresh client with the same cache file reuses the live session.
	second := NewClient(srv.URL, "agent-1", "user-1", cachePath, testLogger())
	id, err = second.ResolveSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
	assert.Equal(t, 1, fake.resolves, "live cached session must not re-resolve")
}

func TestClient_StaleCachedSessionReResolves(t *testing.T) {
	fake := newFakeGateway()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cachePath := filepath.Join(t.TempDir(), "session")
	client := NewClient(srv.URL, "agent-1", "user-1", cachePath, testLogger())

	_, err := client.ResolveSession(context.Background())
	require.NoError(t, err)

	fake.mu.Lock()
	fake.expired = true
	fake.mu.Unlock()

	id, err := client.ResolveSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
	assert.Equal(t, 2, fake.resolves, "expired cached session must re-resolve")
}
