// ABOUTME: HTTP-backed speech synthesis and remote clip fetching
// ABOUTME: Clips land in temp files and are removed on Release

package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// FileClip is an audio resource stored in a temporary file.
type FileClip struct {
	Path string
	MIME string

	once sync.Once
}

// Release removes the backing file. Safe to call more than once.
func (c *FileClip) Release() {
	c.once.Do(func() {
		if c.Path != "" {
			os.Remove(c.Path)
		}
	})
}

// HTTPSynthesizer converts text to audio through a webhook-style TTS
// endpoint: POST {"text": ...} in, audio bytes out.
type HTTPSynthesizer struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSynthesizer creates an HTTPSynthesizer against the given endpoint.
func NewHTTPSynthesizer(url string, client *http.Client, logger *slog.Logger) *HTTPSynthesizer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSynthesizer{
		url:    url,
		client: client,
		logger: logger.With("component", "synthesizer"),
	}
}

// Synthesize converts one text chunk to a playable clip.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (Clip, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling synthesizer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("synthesizer returned status %d", resp.StatusCode)
	}
	return clipFromStream(resp.Body, resp.Header.Get("Content-Type"))
}

// HTTPClipFetcher downloads a remote audio resource to a temp file.
type HTTPClipFetcher struct {
	client *http.Client
}

// NewHTTPClipFetcher creates an HTTPClipFetcher.
func NewHTTPClipFetcher(client *http.Client) *HTTPClipFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClipFetcher{client: client}
}

// Fetch downloads the audio at url.
func (f *HTTPClipFetcher) Fetch(ctx context.Context, url string) (Clip, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("audio fetch returned status %d", resp.StatusCode)
	}
	return clipFromStream(resp.Body, resp.Header.Get("Content-Type"))
}

// clipFromStream spools audio bytes into a temp file clip.
func clipFromStream(r io.Reader, mime string) (Clip, error) {
	f, err := os.CreateTemp("", "parley-clip-*.audio")
	if err != nil {
		return nil, fmt.Errorf("creating clip file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	return &FileClip{Path: f.Name(), MIME: mime}, nil
}
