package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

type Config struct {
	LogLevel string        `json:"log_level"`
	Capture  CaptureConfig `json:"capture"`
	Whisper  WhisperConfig `json:"whisper"`
}

// CaptureConfig describes how the external recorder is invoked and how
// its output file is watched.
type CaptureConfig struct {
	Binary string `json:"binary"` // SoX "rec" or compatible
	Device string `json:"device"` // AUDIODEV value, "" = system default

	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`

	// Voice-activity gate: capture begins once input stays above the
	// start threshold for the start duration, and ends after input stays
	// below the stop threshold for the trailing-silence duration.
	StartThresholdPct  float64 `json:"start_threshold_pct"`
	StartDurationSec   float64 `json:"start_duration_sec"`
	StopThresholdPct   float64 `json:"stop_threshold_pct"`
	TrailingSilenceSec float64 `json:"trailing_silence_sec"`

	MaxChunkSec    float64 `json:"max_chunk_sec"`
	PollIntervalMs int     `json:"poll_interval_ms"`
	MinChunkBytes  int64   `json:"min_chunk_bytes"`
	RetryBackoffMs int     `json:"retry_backoff_ms"`
	RestartDelayMs int     `json:"restart_delay_ms"`
}

type WhisperConfig struct {
	Binary     string `json:"binary"` // whisper.cpp CLI
	Model      string `json:"model"`
	VADModel   string `json:"vad_model"`
	VADEnabled bool   `json:"vad_enabled"`
	Language   string `json:"language"` // "auto", "en", etc.
	Threads    int    `json:"threads"`
}

func (c CaptureConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c CaptureConfig) MaxChunkDuration() time.Duration {
	return time.Duration(c.MaxChunkSec * float64(time.Second))
}

func (c CaptureConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c CaptureConfig) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// Load reads the config from disk or returns defaults. SEASHELL_*
// environment variables (optionally from a .env file loaded by the
// caller) override both.
func Load() (*Config, error) {
	path := configPath()

	// Default config
	cfg := &Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			Binary:             "rec",
			Device:             "",
			SampleRate:         16000,
			Channels:           1,
			BitDepth:           16,
			StartThresholdPct:  3.0,
			StartDurationSec:   0.1,
			StopThresholdPct:   3.0,
			TrailingSilenceSec: 2.0,
			MaxChunkSec:        30.0,
			PollIntervalMs:     100,
			MinChunkBytes:      4096,
			RetryBackoffMs:     1000,
			RestartDelayMs:     100,
		},
		Whisper: WhisperConfig{
			Binary:     "whisper-cli",
			Model:      filepath.Join(ModelsPath(), "ggml-base.en.bin"),
			VADModel:   filepath.Join(ModelsPath(), "ggml-silero-v5.1.2.bin"),
			VADEnabled: true,
			Language:   "auto",
			Threads:    4,
		},
	}

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := configPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// applyEnv overlays SEASHELL_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("SEASHELL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SEASHELL_REC_BIN"); v != "" {
		c.Capture.Binary = v
	}
	if v := os.Getenv("SEASHELL_DEVICE"); v != "" {
		c.Capture.Device = v
	}
	if v := os.Getenv("SEASHELL_WHISPER_BIN"); v != "" {
		c.Whisper.Binary = v
	}
	if v := os.Getenv("SEASHELL_MODEL"); v != "" {
		c.Whisper.Model = v
	}
	if v := os.Getenv("SEASHELL_VAD_MODEL"); v != "" {
		c.Whisper.VADModel = v
	}
	if v := os.Getenv("SEASHELL_LANGUAGE"); v != "" {
		c.Whisper.Language = v
	}
	if v := os.Getenv("SEASHELL_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Whisper.Threads = n
		}
	}
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "seashell", "config.json")
}

// ModelsPath returns the platform-specific models directory path
func ModelsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, "seashell", "models")
}
