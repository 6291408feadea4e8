// Package config provides configuration management for CortexVoice
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// KnownBackends are the recognition backend identifiers accepted in
// stt.backend_priority.
var KnownBackends = []string{"elevenlabs", "deepgram", "whisper-local"}

// Config holds all application configuration
type Config struct {
	Session SessionConfig `mapstructure:"session"`
	Audio   AudioConfig   `mapstructure:"audio"`
	STT     STTConfig     `mapstructure:"stt"`
	Wake    WakeConfig    `mapstructure:"wake"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Log     LogConfig     `mapstructure:"log"`

	v *viper.Viper
}

// SessionConfig configures the listening session
type SessionConfig struct {
	DefaultMode string `mapstructure:"default_mode"` // continuous or wake_word
}

// AudioConfig configures audio capture and VAD
type AudioConfig struct {
	InputDevice        string  `mapstructure:"input_device"`
	SampleRate         int     `mapstructure:"sample_rate"`
	Channels           int     `mapstructure:"channels"`
	ChunkDurationMs    int     `mapstructure:"chunk_duration_ms"`
	PreRollMs          int     `mapstructure:"pre_roll_ms"`
	MaxUtteranceSec    int     `mapstructure:"max_utterance_sec"`
	ListenTimeoutMs    int     `mapstructure:"listen_timeout_ms"`
	VADThreshold       float64 `mapstructure:"vad_threshold"`
	VADHangoverMs      int     `mapstructure:"vad_hangover_ms"`
	VADMinSpeechMs     int     `mapstructure:"vad_min_speech_ms"`
	VADSmoothingFrames int     `mapstructure:"vad_smoothing_frames"`
}

// STTConfig configures recognition backends and the selector
type STTConfig struct {
	BackendPriority     []string `mapstructure:"backend_priority"`
	MinConfidence       float64  `mapstructure:"min_confidence"`
	FailureThreshold    int      `mapstructure:"failure_threshold"`
	BaseCooldownSeconds float64  `mapstructure:"base_cooldown_seconds"`
	MaxCooldownSeconds  float64  `mapstructure:"max_cooldown_seconds"`
	AttemptTimeoutSec   float64  `mapstructure:"attempt_timeout_seconds"`
	Language            string   `mapstructure:"language"`
	FillerWords         []string `mapstructure:"filler_words"`

	ElevenLabs   ElevenLabsConfig   `mapstructure:"elevenlabs"`
	Deepgram     DeepgramConfig     `mapstructure:"deepgram"`
	WhisperLocal WhisperLocalConfig `mapstructure:"whisper_local"`
}

// ElevenLabsConfig configures the ElevenLabs backend
type ElevenLabsConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DeepgramConfig configures the Deepgram backend
type DeepgramConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WhisperLocalConfig configures the local Whisper backend
type WhisperLocalConfig struct {
	ServiceURL string        `mapstructure:"service_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WakeConfig configures the wake-word gate
type WakeConfig struct {
	Words         []string `mapstructure:"words"`
	WindowSeconds float64  `mapstructure:"window_seconds"` // 0 = trigger per utterance
}

// QueueConfig configures the command queue
type QueueConfig struct {
	Capacity       int    `mapstructure:"capacity"`
	OverflowPolicy string `mapstructure:"overflow_policy"` // drop_oldest or reject_newest
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	ToFile bool   `mapstructure:"to_file"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			DefaultMode: "wake_word",
		},
		Audio: AudioConfig{
			InputDevice:        "default",
			SampleRate:         16000,
			Channels:           1,
			ChunkDurationMs:    100,
			PreRollMs:          300,
			MaxUtteranceSec:    15,
			ListenTimeoutMs:    30000,
			VADThreshold:       0.012,
			VADHangoverMs:      600,
			VADMinSpeechMs:     250,
			VADSmoothingFrames: 5,
		},
		STT: STTConfig{
			BackendPriority:     []string{"elevenlabs", "deepgram", "whisper-local"},
			MinConfidence:       0.4,
			FailureThreshold:    3,
			BaseCooldownSeconds: 5,
			MaxCooldownSeconds:  120,
			AttemptTimeoutSec:   20,
			Language:            "en",
			ElevenLabs: ElevenLabsConfig{
				Model:   "scribe_v1",
				Timeout: 15 * time.Second,
			},
			Deepgram: DeepgramConfig{
				Model:   "nova-2",
				Timeout: 15 * time.Second,
			},
			WhisperLocal: WhisperLocalConfig{
				ServiceURL: "http://localhost:8899",
				Timeout:    30 * time.Second,
			},
		},
		Wake: WakeConfig{
			Words:         []string{"hey claude", "claude"},
			WindowSeconds: 0,
		},
		Queue: QueueConfig{
			Capacity:       50,
			OverflowPolicy: "drop_oldest",
		},
		Log: LogConfig{
			Level:  "info",
			ToFile: true,
		},
	}
}

// Load reads configuration from ~/.cortexvoice/config.yaml and the
// environment, creating the file with defaults on first run.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadFrom(dir)
}

// LoadFrom reads configuration from the given directory
func LoadFrom(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("CORTEXVOICE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// First run, write defaults so the user has a file to edit
		cfg.v = v
		if err := cfg.Save(dir); err != nil {
			return cfg, err
		}
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	cfg.v = v
	return cfg, cfg.Validate()
}

// Save writes the configuration to config.yaml in the given directory
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	v := c.v
	if v == nil {
		v = viper.New()
		v.SetConfigType("yaml")
	}

	v.Set("session", c.Session)
	v.Set("audio", c.Audio)
	v.Set("stt", c.STT)
	v.Set("wake", c.Wake)
	v.Set("queue", c.Queue)
	v.Set("log", c.Log)

	return v.WriteConfigAs(filepath.Join(dir, "config.yaml"))
}

// Validate checks option values the pipeline depends on
func (c *Config) Validate() error {
	switch c.Session.DefaultMode {
	case "continuous", "wake_word":
	default:
		return fmt.Errorf("session.default_mode: unknown mode %q", c.Session.DefaultMode)
	}

	if c.STT.MinConfidence < 0 || c.STT.MinConfidence > 1 {
		return fmt.Errorf("stt.min_confidence: %v out of range [0,1]", c.STT.MinConfidence)
	}
	if c.STT.FailureThreshold < 1 {
		return fmt.Errorf("stt.failure_threshold: must be at least 1, got %d", c.STT.FailureThreshold)
	}
	if c.STT.BaseCooldownSeconds <= 0 || c.STT.MaxCooldownSeconds < c.STT.BaseCooldownSeconds {
		return fmt.Errorf("stt cooldowns: base %v must be positive and at most max %v",
			c.STT.BaseCooldownSeconds, c.STT.MaxCooldownSeconds)
	}
	if len(c.STT.BackendPriority) == 0 {
		return fmt.Errorf("stt.backend_priority: at least one backend required")
	}
	for _, name := range c.STT.BackendPriority {
		if !knownBackend(name) {
			return fmt.Errorf("stt.backend_priority: unknown backend %q", name)
		}
	}

	if c.Session.DefaultMode == "wake_word" && len(c.Wake.Words) == 0 {
		return fmt.Errorf("wake.words: required in wake_word mode")
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity: must be at least 1, got %d", c.Queue.Capacity)
	}
	switch c.Queue.OverflowPolicy {
	case "drop_oldest", "reject_newest":
	default:
		return fmt.Errorf("queue.overflow_policy: unknown policy %q", c.Queue.OverflowPolicy)
	}

	return nil
}

// Watch re-reads the file on change and invokes onChange with the new
// config. Used to hot-reload wake words and the confidence floor.
func (c *Config) Watch(onChange func(*Config)) {
	if c.v == nil {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		fresh := DefaultConfig()
		if err := c.v.Unmarshal(fresh); err != nil {
			return
		}
		if err := fresh.Validate(); err != nil {
			return
		}
		fresh.v = c.v
		onChange(fresh)
	})
	c.v.WatchConfig()
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cortexvoice"), nil
}

func knownBackend(name string) bool {
	for _, b := range KnownBackends {
		if b == name {
			return true
		}
	}
	return false
}
