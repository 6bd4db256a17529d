// ABOUTME: Voice orchestrator state machine over recognition and sequential playback
// ABOUTME: Echo prevention: recognition never runs while speaking, restart only after cooldown

package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase is the orchestrator's current state. Transitions go through the
// guarded methods below; cancellation is itself a transition back to
// PhaseIdle rather than a side flag.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseProcessing
	PhaseSpeaking
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseProcessing:
		return "processing"
	case PhaseSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrInactive is returned when playback is requested while voice mode is off.
var ErrInactive = errors.New("voice mode not active")

// Default pacing. The cooldown lets the acoustic echo of the speaker die
// out before the microphone is re-armed; without it the orchestrator hears
// its own output.
const (
	DefaultInterChunkPause = 200 * time.Millisecond
	DefaultCooldown        = 800 * time.Millisecond
)

// Recognizer is the speech-recognition boundary. Start and Stop must be
// idempotent; results and errors are fed back through HandleUtterance and
// HandleRecognitionError.
type Recognizer interface {
	Start() error
	Stop() error
}

// Clip is a playable audio resource. Release frees it and must be safe to
// call exactly once per clip.
type Clip interface {
	Release()
}

// Synthesizer converts one text chunk to a playable clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Clip, error)
}

// ClipFetcher retrieves a remote audio resource, used for audio-type replies
// that arrive with a URL instead of text.
type ClipFetcher interface {
	Fetch(ctx context.Context, url string) (Clip, error)
}

// Player plays one clip at a time. Play blocks until the clip finishes or
// is interrupted; Stop interrupts the current playback.
type Player interface {
	Play(ctx context.Context, clip Clip) error
	Stop()
}

// Orchestrator coordinates speech recognition input with a sequential
// playback queue. All state lives on the instance so independent
// orchestrators (and tests) do not interfere.
type Orchestrator struct {
	recognizer Recognizer
	synth      Synthesizer
	player     Player
	fetcher    ClipFetcher
	logger     *slog.Logger

	pause    time.Duration
	cooldown time.Duration

	onUtterance func(text string)
	onError     func(err error)

	// speakMu serializes utterances so concurrent playback requests never
	// interleave on the shared player. Always acquired before mu.
	speakMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	generation  uint64
	recognizing bool
	speakCancel context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPacing overrides the inter-chunk pause and the post-playback cooldown.
func WithPacing(pause, cooldown time.Duration) Option {
	return func(o *Orchestrator) {
		o.pause = pause
		o.cooldown = cooldown
	}
}

// WithClipFetcher enables playback of audio-URL replies.
func WithClipFetcher(f ClipFetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithErrorHandler receives non-benign recognition and playback errors.
func WithErrorHandler(fn func(error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}

// NewOrchestrator creates an Orchestrator in PhaseIdle.
func NewOrchestrator(rec Recognizer, synth Synthesizer, player Player, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		recognizer: rec,
		synth:      synth,
		player:     player,
		logger:     logger.With("component", "voice"),
		pause:      DefaultInterChunkPause,
		cooldown:   DefaultCooldown,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnUtterance registers the handler invoked with each recognized utterance.
// The handler typically forwards the text to the conversation send path and
// then calls Speak with the replies.
func (o *Orchestrator) OnUtterance(fn func(text string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onUtterance = fn
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Activate enters voice mode and starts listening. Activating an already
// active orchestrator is a no-op.
func (o *Orchestrator) Activate() error {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return nil
	}
	o.phase = PhaseListening
	o.mu.Unlock()
	return o.startRecognition()
}

// Deactivate leaves voice mode: current playback stops, the pending queue
// drains with every clip released, recognition stops, and the cooldown
// auto-restart is suppressed. Idempotent.
func (o *Orchestrator) Deactivate() {
	o.mu.Lock()
	if o.phase == PhaseIdle {
		o.mu.Unlock()
		return
	}
	o.generation++
	o.phase = PhaseIdle
	wasRecognizing := o.recognizing
	o.recognizing = false
	cancel := o.speakCancel
	o.speakCancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.player.Stop()
	if wasRecognizing {
		if err := o.recognizer.Stop(); err != nil {
			o.logger.Warn("failed to stop recognition", "error", err)
		}
	}
	o.logger.Info("voice mode deactivated")
}

// HandleUtterance feeds one recognized utterance into the state machine.
// Only acted on while listening; recognition stops and the registered
// handler runs on its own goroutine.
func (o *Orchestrator) HandleUtterance(text string) {
	o.mu.Lock()
	if o.phase != PhaseListening {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseProcessing
	wasRecognizing := o.recognizing
	o.recognizing = false
	handler := o.onUtterance
	o.mu.Unlock()

	if wasRecognizing {
		if err := o.recognizer.Stop(); err != nil {
			o.logger.Warn("failed to stop recognition", "error", err)
		}
	}
	o.logger.Debug("utterance recognized", "text", text)
	if handler != nil {
		go handler(text)
	}
}

// Benign recognition stoppages that are expected during normal operation.
var benignRecognitionErrors = map[string]bool{
	"no-speech": true,
	"aborted":   true,
}

// HandleRecognitionError feeds a recognition error kind into the
// orchestrator. no-speech and aborted are ignored; anything else is
// surfaced as a non-fatal warning.
func (o *Orchestrator) HandleRecognitionError(kind string) {
	if benignRecognitionErrors[kind] {
		o.logger.Debug("benign recognition stoppage", "kind", kind)
		return
	}
	o.logger.Warn("recognition error", "kind", kind)
	o.mu.Lock()
	handler := o.onError
	o.mu.Unlock()
	if handler != nil {
		handler(fmt.Errorf("recognition error: %s", kind))
	}
}

// Resume re-arms listening after a processing step produced nothing to
// speak, for example when the send failed. No cooldown applies because no
// audio was played.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.phase != PhaseProcessing {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseListening
	o.mu.Unlock()
	if err := o.startRecognition(); err != nil {
		o.logger.Warn("failed to resume recognition", "error", err)
	}
}

// SpeakText speaks one or more bot texts as a single utterance: the texts
// are flattened to plain speech chunks, synthesized sequentially, and
// played back in order. Playback of the first chunk begins as soon as its
// clip is ready, without waiting for the rest. Blocks until the queue
// drains or voice mode is cancelled; concurrent calls are played one
// utterance at a time.
func (o *Orchestrator) SpeakText(ctx context.Context, texts ...string) error {
	var chunks []string
	for _, t := range texts {
		chunks = append(chunks, SpeechChunks(t)...)
	}
	return o.speak(ctx, len(chunks), func(ctx context.Context, i int) (Clip, error) {
		return o.synth.Synthesize(ctx, chunks[i])
	})
}

// SpeakAudioURL plays a single remote audio resource.
func (o *Orchestrator) SpeakAudioURL(ctx context.Context, url string) error {
	if o.fetcher == nil {
		return fmt.Errorf("no clip fetcher configured")
	}
	return o.speak(ctx, 1, func(ctx context.Context, _ int) (Clip, error) {
		return o.fetcher.Fetch(ctx, url)
	})
}

// speak runs one utterance: a producer fetches clips sequentially into a
// buffered queue while the consumer plays them one at a time with a short
// pause between chunks. Each clip is released right after it finishes,
// whether it played to completion or was cancelled.
func (o *Orchestrator) speak(ctx context.Context, n int, fetch func(ctx context.Context, i int) (Clip, error)) error {
	// One utterance at a time; a caller arriving mid-playback waits for
	// the current utterance to drain (or be cancelled) before starting.
	o.speakMu.Lock()
	defer o.speakMu.Unlock()

	o.mu.Lock()
	if o.phase == PhaseIdle {
		o.mu.Unlock()
		return ErrInactive
	}
	if n == 0 {
		// Nothing speakable; go straight back to listening.
		o.phase = PhaseProcessing
		o.mu.Unlock()
		o.Resume()
		return nil
	}
	gen := o.generation
	wasRecognizing := o.recognizing
	o.recognizing = false
	o.phase = PhaseSpeaking

	ctx, cancel := context.WithCancel(ctx)
	o.speakCancel = cancel
	o.mu.Unlock()
	defer cancel()

	if wasRecognizing {
		if err := o.recognizer.Stop(); err != nil {
			o.logger.Warn("failed to stop recognition", "error", err)
		}
	}

	clips := make(chan Clip, n)
	go func() {
		defer close(clips)
		for i := 0; i < n; i++ {
			clip, err := fetch(ctx, i)
			if err != nil {
				// A synthesis failure stops the current utterance but
				// does not take the orchestrator down.
				if ctx.Err() == nil {
					o.logger.Warn("failed to fetch audio chunk", "error", err, "chunk", i)
				}
				return
			}
			if o.stale(gen) {
				clip.Release()
				return
			}
			clips <- clip
		}
	}()

	first := true
	for clip := range clips {
		if o.stale(gen) {
			clip.Release()
			continue
		}
		if !first && o.pause > 0 {
			time.Sleep(o.pause)
		}
		first = false
		if o.stale(gen) {
			clip.Release()
			continue
		}
		err := o.player.Play(ctx, clip)
		clip.Release()
		if err != nil && ctx.Err() == nil {
			o.logger.Warn("playback failed", "error", err)
		}
	}

	if o.stale(gen) {
		return nil
	}
	o.rearmAfterCooldown(gen)
	return nil
}

// rearmAfterCooldown waits out the echo cooldown, then restarts listening
// when voice mode survived the wait.
func (o *Orchestrator) rearmAfterCooldown(gen uint64) {
	if o.cooldown > 0 {
		time.Sleep(o.cooldown)
	}
	o.mu.Lock()
	if o.generation != gen || o.phase != PhaseSpeaking {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseListening
	o.mu.Unlock()
	if err := o.startRecognition(); err != nil {
		o.logger.Warn("failed to restart recognition after cooldown", "error", err)
	}
}

// stale reports whether cancellation superseded the given generation.
func (o *Orchestrator) stale(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation != gen || o.phase == PhaseIdle
}

// startRecognition starts the recognizer unless it is already running.
// Idempotent by design.
func (o *Orchestrator) startRecognition() error {
	o.mu.Lock()
	if o.recognizing || o.phase != PhaseListening {
		o.mu.Unlock()
		return nil
	}
	o.recognizing = true
	o.mu.Unlock()

	if err := o.recognizer.Start(); err != nil {
		o.mu.Lock()
		o.recognizing = false
		o.mu.Unlock()
		return fmt.Errorf("starting recognition: %w", err)
	}
	return nil
}
