// ABOUTME: TOML configuration for the parley TUI
// ABOUTME: File settings are defaults; command-line flags win

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// tuiConfig is loaded from ~/.config/parley/tui.toml when present.
type tuiConfig struct {
	Server       string `toml:"server"`
	AgentID      string `toml:"agent_id"`
	UserID       string `toml:"user_id"`
	Greeting     string `toml:"greeting"`
	PollInterval string `toml:"poll_interval"`

	Voice voiceConfig `toml:"voice"`

	pollInterval time.Duration
}

type voiceConfig struct {
	SynthesizerURL string   `toml:"synthesizer_url"`
	PlayerCommand  []string `toml:"player_command"`
}

func defaultConfig() tuiConfig {
	return tuiConfig{
		Server:       "http://localhost:8080",
		AgentID:      "default",
		UserID:       "tui-user",
		PollInterval: "3s",
		Voice: voiceConfig{
			PlayerCommand: []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"},
		},
	}
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "parley")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".config", "parley")
}

// loadConfig reads the TOML config, falling back to defaults when the file
// does not exist.
func loadConfig() (tuiConfig, error) {
	cfg := defaultConfig()

	path := filepath.Join(configDir(), "tui.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	interval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return cfg, fmt.Errorf("invalid poll_interval %q: %w", cfg.PollInterval, err)
	}
	cfg.pollInterval = interval
	return cfg, nil
}
