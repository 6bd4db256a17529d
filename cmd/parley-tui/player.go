// ABOUTME: Exec-based audio player and a typed-input recognizer for the TUI
// ABOUTME: Playback shells out to ffplay or a configured equivalent

package main

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/2389/parley/internal/voice"
)

// execPlayer plays clips by running an external command with the clip file
// path appended. Stop kills the running command.
type execPlayer struct {
	command []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

func newExecPlayer(command []string) *execPlayer {
	return &execPlayer{command: command}
}

func (p *execPlayer) Play(ctx context.Context, clip voice.Clip) error {
	fc, ok := clip.(*voice.FileClip)
	if !ok {
		return fmt.Errorf("unsupported clip type %T", clip)
	}
	if len(p.command) == 0 {
		return fmt.Errorf("no player command configured")
	}

	args := append(append([]string(nil), p.command[1:]...), fc.Path)
	cmd := exec.CommandContext(ctx, p.command[0], args...)

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cmd = nil
		p.mu.Unlock()
	}()

	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("playing clip: %w", err)
	}
	return nil
}

func (p *execPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// typedRecognizer stands in for a real microphone: while "listening", lines
// typed at the prompt are handed to the orchestrator as utterances. Start
// and Stop just track whether typed input should be treated as speech.
type typedRecognizer struct {
	mu     sync.Mutex
	active bool
}

func (r *typedRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	return nil
}

func (r *typedRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	return nil
}

func (r *typedRecognizer) isListening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
