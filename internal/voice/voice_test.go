// ABOUTME: Tests for the voice orchestrator state machine and playback queue
// ABOUTME: Properties: chunks play once in order or cancel cleanly, and no self-listening

package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	mu     sync.Mutex
	starts []time.Time
	stops  int
	active bool
}

func (r *fakeRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, time.Now())
	r.active = true
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.active = false
	return nil
}

func (r *fakeRecognizer) isActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

type fakeClip struct {
	text     string
	mu       sync.Mutex
	released bool
}

func (c *fakeClip) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

func (c *fakeClip) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeSynth struct {
	mu     sync.Mutex
	delay  time.Duration
	failAt int // 0-based call index that errors; -1 for never
	calls  int
	clips  []*fakeClip
}

func newFakeSynth(delay time.Duration) *fakeSynth {
	return &fakeSynth{delay: delay, failAt: -1}
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) (Clip, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call == s.failAt {
		return nil, errors.New("synthesis refused")
	}
	clip := &fakeClip{text: text}
	s.mu.Lock()
	s.clips = append(s.clips, clip)
	s.mu.Unlock()
	return clip, nil
}

func (s *fakeSynth) allClips() []*fakeClip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeClip(nil), s.clips...)
}

type fakePlayer struct {
	mu         sync.Mutex
	rec        *fakeRecognizer
	delay      time.Duration
	played     []string
	listening  bool // a recognizer seen active during playback
	lastFinish time.Time
	firstPlay  chan struct{}
	firstOnce  sync.Once
	stop       chan struct{}
}

func newFakePlayer(rec *fakeRecognizer, delay time.Duration) *fakePlayer {
	return &fakePlayer{
		rec:       rec,
		delay:     delay,
		firstPlay: make(chan struct{}),
		stop:      make(chan struct{}, 1),
	}
}

func (p *fakePlayer) Play(ctx context.Context, clip Clip) error {
	fc := clip.(*fakeClip)
	p.mu.Lock()
	p.played = append(p.played, fc.text)
	if p.rec != nil && p.rec.isActive() {
		p.listening = true
	}
	p.mu.Unlock()
	p.firstOnce.Do(func() { close(p.firstPlay) })

	var err error
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		err = ctx.Err()
	case <-p.stop:
		err = errors.New("playback interrupted")
	}
	p.mu.Lock()
	p.lastFinish = time.Now()
	p.mu.Unlock()
	return err
}

func (p *fakePlayer) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *fakePlayer) playedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func testVoiceLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(rec *fakeRecognizer, synth *fakeSynth, player *fakePlayer, opts ...Option) *Orchestrator {
	base := []Option{WithPacing(time.Millisecond, 10*time.Millisecond)}
	return NewOrchestrator(rec, synth, player, testVoiceLogger(), append(base, opts...)...)
}

func TestActivate_Idempotent(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0))

	require.NoError(t, o.Activate())
	require.NoError(t, o.Activate())

	assert.Equal(t, PhaseListening, o.Phase())
	assert.Equal(t, 1, rec.startCount())
}

func TestDeactivate_Idempotent(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0))

	require.NoError(t, o.Activate())
	o.Deactivate()
	o.Deactivate()

	assert.Equal(t, PhaseIdle, o.Phase())
	assert.False(t, rec.isActive())
}

func TestSpeakText_PlaysEveryChunkOnceInOrder(t *testing.T) {
	rec := &fakeRecognizer{}
	synth := newFakeSynth(0)
	player := newFakePlayer(rec, time.Millisecond)
	o := newTestOrchestrator(rec, synth, player)

	require.NoError(t, o.Activate())
	require.NoError(t, o.SpeakText(context.Background(), "One. Two. Three."))

	assert.Equal(t, []string{"One.", "Two.", "Three."}, player.playedTexts())
	for _, clip := range synth.allClips() {
		assert.True(t, clip.isReleased(), "clip %q must be released after playback", clip.text)
	}
	assert.False(t, player.listening, "recognition must never run while speaking")
	assert.Equal(t, PhaseListening, o.Phase())
	assert.True(t, rec.isActive(), "listening resumes after the queue drains")
}

func TestSpeakText_MultipleRepliesAreOneUtterance(t *testing.T) {
	rec := &fakeRecognizer{}
	synth := newFakeSynth(0)
	player := newFakePlayer(rec, 0)
	o := newTestOrchestrator(rec, synth, player)

	require.NoError(t, o.Activate())
	require.NoError(t, o.SpeakText(context.Background(), "First reply.", "Second reply."))

	assert.Equal(t, []string{"First reply.", "Second reply."}, player.playedTexts())
	// Listening restarted exactly once, after the whole utterance.
	assert.Equal(t, 2, rec.startCount())
}

func TestSpeakText_ConcurrentCallsPlaySequentially(t *testing.T) {
	rec := &fakeRecognizer{}
	synth := newFakeSynth(0)
	player := newFakePlayer(rec, 2*time.Millisecond)
	o := newTestOrchestrator(rec, synth, player)

	require.NoError(t, o.Activate())

	var wg sync.WaitGroup
	for _, text := range []string{"Alpha one. Alpha two.", "Bravo one. Bravo two."} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			require.NoError(t, o.SpeakText(context.Background(), text))
		}(text)
	}
	wg.Wait()

	played := player.playedTexts()
	require.Len(t, played, 4)
	// Utterances must not interleave on the shared player: whichever
	// started first finishes both chunks before the other begins.
	alphaFirst := []string{"Alpha one.", "Alpha two.", "Bravo one.", "Bravo two."}
	bravoFirst := []string{"Bravo one.", "Bravo two.", "Alpha one.", "Alpha two."}
	if !assert.ObjectsAreEqual(alphaFirst, played) && !assert.ObjectsAreEqual(bravoFirst, played) {
		t.Fatalf("utterances interleaved: %v", played)
	}
	assert.Equal(t, PhaseListening, o.Phase())
}

func TestSpeakText_CancellationStopsQueueAndReleasesClips(t *testing.T) {
	rec := &fakeRecognizer{}
	synth := newFakeSynth(5 * time.Millisecond)
	player := newFakePlayer(rec, 500*time.Millisecond)
	o := newTestOrchestrator(rec, synth, player)

	require.NoError(t, o.Activate())

	done := make(chan error, 1)
	go func() {
		done <- o.SpeakText(context.Background(), "One. Two. Three. Four. Five.")
	}()

	<-player.firstPlay
	o.Deactivate()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("speak did not return after cancellation")
	}

	played := player.playedTexts()
	assert.Less(t, len(played), 5, "cancellation must stop further playback")
	for _, clip := range synth.allClips() {
		assert.True(t, clip.isReleased(), "queued clip %q must be released on cancel", clip.text)
	}
	assert.Equal(t, PhaseIdle, o.Phase())
	assert.False(t, rec.isActive(), "cooldown restart must be suppressed after cancel")
	assert.Equal(t, 1, rec.startCount())
}

func TestSpeakText_WhileInactiveFails(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0))

	err := o.SpeakText(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestSpeakText_NothingSpeakableResumesListening(t *testing.T) {
	rec := &fakeRecognizer{}
	player := newFakePlayer(rec, 0)
	o := newTestOrchestrator(rec, newFakeSynth(0), player)

	require.NoError(t, o.Activate())
	require.NoError(t, o.SpeakText(context.Background(), "   "))

	assert.Empty(t, player.playedTexts())
	assert.Equal(t, PhaseListening, o.Phase())
	assert.True(t, rec.isActive())
}

func TestSpeakText_SynthesisFailureStopsUtteranceOnly(t *testing.T) {
	rec := &fakeRecognizer{}
	synth := newFakeSynth(0)
	synth.failAt = 1
	player := newFakePlayer(rec, 0)
	o := newTestOrchestrator(rec, synth, player)

	require.NoError(t, o.Activate())
	require.NoError(t, o.SpeakText(context.Background(), "One. Two. Three."))

	assert.Equal(t, []string{"One."}, player.playedTexts())
	assert.Equal(t, PhaseListening, o.Phase(), "a failed utterance must not take the orchestrator down")
}

func TestCooldown_DelaysRecognitionRestart(t *testing.T) {
	rec := &fakeRecognizer{}
	synth := newFakeSynth(0)
	player := newFakePlayer(rec, 0)
	cooldown := 60 * time.Millisecond
	o := newTestOrchestrator(rec, synth, player, WithPacing(0, cooldown))

	require.NoError(t, o.Activate())
	require.NoError(t, o.SpeakText(context.Background(), "Done."))

	rec.mu.Lock()
	require.Len(t, rec.starts, 2)
	restartedAt := rec.starts[1]
	rec.mu.Unlock()

	player.mu.Lock()
	finishedAt := player.lastFinish
	player.mu.Unlock()

	elapsed := restartedAt.Sub(finishedAt)
	assert.GreaterOrEqual(t, elapsed, cooldown-10*time.Millisecond,
		"recognition resumed %v after playback, want the %v echo cooldown", elapsed, cooldown)
}

func TestHandleUtterance_TransitionsToProcessing(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0))

	got := make(chan string, 1)
	o.OnUtterance(func(text string) { got <- text })

	require.NoError(t, o.Activate())
	o.HandleUtterance("turn on the lights")

	select {
	case text := <-got:
		assert.Equal(t, "turn on the lights", text)
	case <-time.After(time.Second):
		t.Fatal("utterance handler not invoked")
	}
	assert.Equal(t, PhaseProcessing, o.Phase())
	assert.False(t, rec.isActive(), "recognition stops while processing")
}

func TestHandleUtterance_IgnoredOutsideListening(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0))

	called := false
	o.OnUtterance(func(string) { called = true })

	o.HandleUtterance("ghost input")
	time.Sleep(10 * time.Millisecond)
	assert.False(t, called)
	assert.Equal(t, PhaseIdle, o.Phase())
}

func TestResume_ReturnsToListeningWithoutCooldown(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0))

	require.NoError(t, o.Activate())
	o.HandleUtterance("hello")
	require.Equal(t, PhaseProcessing, o.Phase())

	o.Resume()
	assert.Equal(t, PhaseListening, o.Phase())
	assert.True(t, rec.isActive())

	// Resume outside processing is a no-op.
	o.Resume()
	assert.Equal(t, 2, rec.startCount())
}

func TestHandleRecognitionError_BenignKindsIgnored(t *testing.T) {
	rec := &fakeRecognizer{}
	var surfaced []string
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0),
		WithErrorHandler(func(err error) { surfaced = append(surfaced, err.Error()) }))

	o.HandleRecognitionError("no-speech")
	o.HandleRecognitionError("aborted")
	assert.Empty(t, surfaced)

	o.HandleRecognitionError("audio-capture")
	require.Len(t, surfaced, 1)
	assert.Contains(t, surfaced[0], "audio-capture")
}

func TestSpeakAudioURL_UsesFetcher(t *testing.T) {
	rec := &fakeRecognizer{}
	player := newFakePlayer(rec, 0)
	clip := &fakeClip{text: "remote-audio"}
	fetcher := clipFetcherFunc(func(ctx context.Context, url string) (Clip, error) {
		if url != "https://cdn/reply.mp3" {
			return nil, fmt.Errorf("unexpected url %s", url)
		}
		return clip, nil
	})
	o := newTestOrchestrator(rec, newFakeSynth(0), player, WithClipFetcher(fetcher))

	require.NoError(t, o.Activate())
	require.NoError(t, o.SpeakAudioURL(context.Background(), "https://cdn/reply.mp3"))

	assert.Equal(t, []string{"remote-audio"}, player.playedTexts())
	assert.True(t, clip.isReleased())
}

func TestSpeakAudioURL_WithoutFetcher(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(rec, newFakeSynth(0), newFakePlayer(rec, 0))

	require.NoError(t, o.Activate())
	assert.Error(t, o.SpeakAudioURL(context.Background(), "https://cdn/reply.mp3"))
}

type clipFetcherFunc func(ctx context.Context, url string) (Clip, error)

func (f clipFetcherFunc) Fetch(ctx context.Context, url string) (Clip, error) {
	return f(ctx, url)
}
