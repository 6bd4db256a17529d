// ABOUTME: Terminal client for the parley gateway with optional voice mode
// ABOUTME: Readline-style input, polled conversation view, spoken replies via TTS

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/chatstate"
	"github.com/2389/parley/internal/store"
	"github.com/2389/parley/internal/voice"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	server := flag.String("server", cfg.Server, "Gateway server URL")
	agentID := flag.String("agent", cfg.AgentID, "Agent id to converse with")
	userID := flag.String("user", cfg.UserID, "User id for session identity")
	flag.Parse()

	fmt.Printf("parley-tui connected to %s (agent %s)\n", *server, *agentID)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *server, *agentID, *userID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the pieces of one interactive session.
type app struct {
	conv *chatstate.Conversation
	orch *voice.Orchestrator
	rec  *typedRecognizer

	mu      sync.Mutex
	printed int
}

func run(ctx context.Context, cfg tuiConfig, server, agentID, userID string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cachePath := filepath.Join(configDir(), "session-"+agentID)
	client := chatstate.NewClient(server, agentID, userID, cachePath, logger)
	conv := chatstate.NewConversation(client, newLocalUploader(), cfg.Greeting, logger)

	if err := conv.Start(ctx); err != nil {
		return fmt.Errorf("starting conversation: %w", err)
	}

	a := &app{conv: conv}
	a.setupVoice(cfg, logger)
	a.printNew()

	go conv.Poll(ctx, cfg.pollInterval, func([]chatstate.Item) { a.printNew() })

	scanner := bufio.NewScanner(os.Stdin)
	prompt := color.New(color.FgGreen, color.Bold)
	for {
		prompt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := a.handleCommand(ctx, line); quit {
				break
			}
			continue
		}

		// In voice mode, typed lines stand in for spoken utterances.
		if a.rec != nil && a.rec.isListening() {
			a.orch.HandleUtterance(line)
			continue
		}

		if _, err := conv.SendText(ctx, line); err != nil {
			color.Red("send failed: %v", err)
			continue
		}
		a.printNew()
	}

	if a.orch != nil {
		a.orch.Deactivate()
	}
	return scanner.Err()
}

// setupVoice wires the orchestrator when a synthesizer endpoint is
// configured; voice mode stays unavailable otherwise.
func (a *app) setupVoice(cfg tuiConfig, logger *slog.Logger) {
	if cfg.Voice.SynthesizerURL == "" {
		return
	}

	a.rec = &typedRecognizer{}
	synth := voice.NewHTTPSynthesizer(cfg.Voice.SynthesizerURL, nil, logger)
	player := newExecPlayer(cfg.Voice.PlayerCommand)
	a.orch = voice.NewOrchestrator(a.rec, synth, player, logger,
		voice.WithClipFetcher(voice.NewHTTPClipFetcher(nil)),
		voice.WithErrorHandler(func(err error) { color.Red("voice: %v", err) }),
	)

	a.orch.OnUtterance(func(text string) {
		ctx := context.Background()
		result, err := a.conv.SendText(ctx, text)
		if err != nil {
			color.Red("send failed: %v", err)
			a.orch.Resume()
			return
		}
		a.printNew()
		a.speakReplies(ctx, result)
	})
}

// speakReplies voices a send result: text replies as one utterance, audio
// replies by URL.
func (a *app) speakReplies(ctx context.Context, result *chatstate.SendResult) {
	var texts []string
	for _, item := range result.Replies {
		switch item.Type {
		case store.MessageTypeAudio:
			if err := a.orch.SpeakAudioURL(ctx, item.URL); err != nil {
				color.Red("voice: %v", err)
			}
		default:
			if item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
	}
	if len(texts) == 0 {
		a.orch.Resume()
		return
	}
	if err := a.orch.SpeakText(ctx, texts...); err != nil {
		color.Red("voice: %v", err)
	}
}

// handleCommand runs one slash command; returns true to quit.
func (a *app) handleCommand(ctx context.Context, line string) bool {
	parts := strings.SplitN(line, " ", 2)
	switch parts[0] {
	case "/help":
		fmt.Println("  /history        reprint the whole conversation")
		fmt.Println("  /image <path>   upload and send an image")
		fmt.Println("  /voice          enter voice mode (typed lines are spoken input)")
		fmt.Println("  /text           leave voice mode")
		fmt.Println("  /quit           exit")
	case "/history":
		a.mu.Lock()
		a.printed = 0
		a.mu.Unlock()
		a.printNew()
	case "/image":
		if len(parts) < 2 {
			color.Red("usage: /image <path>")
			return false
		}
		a.sendImage(ctx, strings.TrimSpace(parts[1]))
	case "/voice":
		if a.orch == nil {
			color.Red("voice mode needs voice.synthesizer_url in tui.toml")
			return false
		}
		if err := a.orch.Activate(); err != nil {
			color.Red("voice: %v", err)
			return false
		}
		color.Cyan("voice mode on — typed lines are treated as speech, /text to leave")
	case "/text":
		if a.orch != nil {
			a.orch.Deactivate()
			color.Cyan("voice mode off")
		}
	case "/quit", "/exit":
		return true
	default:
		color.Red("unknown command %s", parts[0])
	}
	return false
}

func (a *app) sendImage(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		color.Red("read failed: %v", err)
		return
	}
	_, err = a.conv.SendAttachment(ctx, store.MessageTypeImage, chatstate.Attachment{
		Filename:   filepath.Base(path),
		Data:       data,
		PreviewURL: "file://" + path,
	})
	if err != nil {
		color.Red("send failed: %v", err)
		return
	}
	a.printNew()
}

// printNew prints rendered items that have not been shown yet.
func (a *app) printNew() {
	items := a.conv.Items()
	a.mu.Lock()
	start := a.printed
	if start > len(items) {
		start = 0
	}
	a.printed = len(items)
	a.mu.Unlock()

	for _, item := range items[start:] {
		printItem(item)
	}
}

func printItem(item chatstate.Item) {
	var label string
	switch item.Role {
	case store.RoleUser:
		label = color.GreenString("you")
	case store.RoleBot:
		label = color.CyanString("bot")
	default:
		label = color.HiBlackString(item.Role)
	}

	body := item.Text
	switch item.Type {
	case store.MessageTypeImage:
		body = fmt.Sprintf("[image] %s", item.URL)
	case store.MessageTypeAudio:
		body = fmt.Sprintf("[audio] %s", item.URL)
	case store.MessageTypeChoice:
		var labels []string
		for _, c := range item.Choices {
			labels = append(labels, c.Label)
		}
		body = fmt.Sprintf("%s [%s]", item.Text, strings.Join(labels, " / "))
	}
	if item.Ephemeral {
		body += color.HiBlackString(" (sending)")
	}
	fmt.Printf("%s %s\n", label, body)
}

// localUploader is a stand-in for the real upload service: files are copied
// into the local data dir and referenced by file:// URL.
type localUploader struct {
	dir string
}

func newLocalUploader() *localUploader {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return &localUploader{dir: os.TempDir()}
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return &localUploader{dir: filepath.Join(dataDir, "parley", "uploads")}
}

func (u *localUploader) Upload(ctx context.Context, filename string, data []byte) (string, string, int64, error) {
	if err := os.MkdirAll(u.dir, 0700); err != nil {
		return "", "", 0, err
	}
	dest := filepath.Join(u.dir, filename)
	if err := os.WriteFile(dest, data, 0600); err != nil {
		return "", "", 0, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "file://" + dest, mimeType, int64(len(data)), nil
}
