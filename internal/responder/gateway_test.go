// ABOUTME: Tests for the responder gateway client
// ABOUTME: Covers wire contract, reply validation, failure modes, and output fallback

package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/store"
)

func testRequest() *Request {
	return &Request{
		AgentID: "agent-1",
		Session: SessionRef{ID: "session-1", UserID: "user-1"},
		Message: OutboundMessage{
			Role:        store.RoleUser,
			Type:        store.MessageTypeText,
			MessageKind: "text",
			Text:        "Hi",
		},
		Context: map[string]any{"page": "/pricing"},
	}
}

func TestInvoke_SendsWireContract(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"replies":[{"type":"text","text":"Hello, how can I help?"}]}`))
	}))
	defer srv.Close()

	g := New(srv.URL, nil, nil)
	resp, err := g.Invoke(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, resp.Replies, 1)
	assert.Equal(t, "Hello, how can I help?", resp.Replies[0].Text)

	assert.Equal(t, "agent-1", got["agentId"])
	session := got["session"].(map[string]any)
	assert.Equal(t, "session-1", session["id"])
	message := got["message"].(map[string]any)
	assert.Equal(t, "user", message["role"])
	assert.Equal(t, "text", message["messageKind"])
	assert.Equal(t, map[string]any{"page": "/pricing"}, got["context"])
}

func TestInvoke_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil, nil).Invoke(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestInvoke_EmptyBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil, nil).Invoke(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestInvoke_MalformedBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil, nil).Invoke(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestInvoke_UnreachableIsError(t *testing.T) {
	_, err := New("http://127.0.0.1:1/webhook", nil, nil).Invoke(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestInvoke_RejectsMalformedReplyItems(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown type", body: `{"replies":[{"type":"video","url":"x"}]}`},
		{name: "text without text", body: `{"replies":[{"type":"text"}]}`},
		{name: "image without url", body: `{"replies":[{"type":"image"}]}`},
		{name: "audio without url", body: `{"replies":[{"type":"audio","mime":"audio/mpeg"}]}`},
		{name: "choice without choices", body: `{"replies":[{"type":"choice","text":"pick"}]}`},
		{name: "choice missing value", body: `{"replies":[{"type":"choice","choices":[{"label":"A"}]}]}`},
		{name: "one bad among good", body: `{"replies":[{"type":"text","text":"ok"},{"type":"nope"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, nil, nil).Invoke(context.Background(), testRequest())
			assert.Error(t, err)
		})
	}
}

func TestInvoke_AcceptsAllReplyKinds(t *testing.T) {
	body := `{
		"replies": [
			{"type":"text","text":"hi"},
			{"type":"image","url":"https://x/img.png"},
			{"type":"audio","url":"https://x/a.mp3","mime":"audio/mpeg"},
			{"type":"choice","text":"pick","choices":[{"label":"A","value":"a"}]}
		],
		"metadata": {"intent":"greeting"}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, nil, nil).Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, resp.Replies, 4)
	assert.Equal(t, "greeting", resp.Metadata["intent"])
}

func TestNormalize_OutputFallback(t *testing.T) {
	tests := []struct {
		name     string
		resp     Response
		wantText string
		wantLen  int
	}{
		{
			name:     "string output",
			resp:     Response{Output: "42"},
			wantText: "42",
			wantLen:  1,
		},
		{
			name:     "non-string output is stringified",
			resp:     Response{Output: map[string]any{"answer": float64(42)}},
			wantText: `{"answer":42}`,
			wantLen:  1,
		},
		{
			name:    "replies win over output",
			resp:    Response{Replies: []Reply{{Type: "text", Text: "hi"}}, Output: "ignored"},
			wantLen: 1,
		},
		{
			name:    "nil output stays empty",
			resp:    Response{},
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.resp.Normalize()
			assert.Len(t, tt.resp.Replies, tt.wantLen)
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, tt.resp.Replies[0].Text)
				assert.Equal(t, store.MessageTypeText, tt.resp.Replies[0].Type)
			}
		})
	}
}

func TestEmpty(t *testing.T) {
	e := Empty()
	assert.Empty(t, e.Replies)
	assert.Nil(t, e.Output)
	assert.NotNil(t, e.Metadata)
}

func TestOutboundFromMessage(t *testing.T) {
	msg := &store.Message{
		Role: store.RoleBot,
		Type: store.MessageTypeChoice,
		Text: "pick",
		Choices: []store.Choice{
			{Label: "A", Value: "a"},
		},
	}
	out := OutboundFromMessage(msg)
	assert.Equal(t, "choice", out.MessageKind)
	assert.Equal(t, store.RoleBot, out.Role)
	assert.Equal(t, msg.Choices, out.Choices)
}
