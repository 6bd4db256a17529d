// ABOUTME: Minimal fake responder webhook for E2E testing — echoes messages with markdown.
// ABOUTME: Usage: fake-responder [-addr :9090] [-delay 0s] [-fail-every 0] [-output-only]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"
)

// request is the subset of the gateway's wire contract the echo needs.
type request struct {
	AgentID string `json:"agentId"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
		URL  string `json:"url"`
	} `json:"message"`
	History []json.RawMessage `json:"history"`
}

type reply struct {
	Type    string   `json:"type"`
	Text    string   `json:"text,omitempty"`
	URL     string   `json:"url,omitempty"`
	Choices []choice `json:"choices,omitempty"`
}

type choice struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type response struct {
	Replies  []reply        `json:"replies"`
	Output   any            `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	delay := flag.Duration("delay", 0, "artificial response delay")
	failEvery := flag.Int("fail-every", 0, "return HTTP 500 for every Nth request (0 disables)")
	outputOnly := flag.Bool("output-only", false, "reply via the output field instead of structured replies")
	flag.Parse()

	var calls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/respond", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if *failEvery > 0 && n%int64(*failEvery) == 0 {
			log.Printf("request %d: injected failure", n)
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.Printf("request %d: agent=%s session=%s type=%s text=%q history=%d",
			n, req.AgentID, req.Session.ID, req.Message.Type, req.Message.Text, len(req.History))

		if *delay > 0 {
			time.Sleep(*delay)
		}

		w.Header().Set("Content-Type", "application/json")
		if *outputOnly {
			json.NewEncoder(w).Encode(response{Output: "echo: " + req.Message.Text})
			return
		}
		json.NewEncoder(w).Encode(response{
			Replies:  echoReplies(req),
			Metadata: map[string]any{"echo": true},
		})
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("fake-responder listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// echoReplies builds a canned multi-part reply exercising every reply kind
// the gateway accepts.
func echoReplies(req request) []reply {
	text := strings.TrimSpace(req.Message.Text)
	switch {
	case req.Message.Type == "image":
		return []reply{{Type: "text", Text: "Nice picture! I see you uploaded " + req.Message.URL}}
	case req.Message.Type == "audio":
		return []reply{{Type: "text", Text: "Got your voice message."}}
	case strings.EqualFold(text, "choices"):
		return []reply{{
			Type: "choice",
			Text: "Pick one:",
			Choices: []choice{
				{Label: "Yes", Value: "yes"},
				{Label: "No", Value: "no"},
			},
		}}
	case strings.EqualFold(text, "long"):
		return []reply{
			{Type: "text", Text: "This is the **first** part of a longer answer."},
			{Type: "text", Text: "And here is the second part. It has two sentences!"},
		}
	default:
		return []reply{{Type: "text", Text: fmt.Sprintf("echo: %s", text)}}
	}
}
