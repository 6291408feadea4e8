// Package audio provides microphone capture and voice activity
// detection for CortexVoice.
package audio

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrDeviceNotFound = errors.New("audio device not found")
	ErrCaptureActive  = errors.New("capture already in progress")
	ErrNoSpeech       = errors.New("no speech detected")
	ErrStreamClosed   = errors.New("audio stream closed")
)

// Config holds audio capture configuration
type Config struct {
	Device          string `json:"device"`            // Input device name, "default" for system default
	SampleRate      int    `json:"sample_rate"`       // Default: 16000 Hz for STT
	Channels        int    `json:"channels"`          // Default: 1 (mono)
	BitDepth        int    `json:"bit_depth"`         // Default: 16
	ChunkDurationMs int    `json:"chunk_duration_ms"` // Default: 100ms
	PreRollMs       int    `json:"pre_roll_ms"`       // Audio kept before speech onset
	MaxUtteranceSec int    `json:"max_utterance_sec"` // Hard cap on a single utterance
	ListenTimeoutMs int    `json:"listen_timeout_ms"` // Give up waiting for speech after this
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Device:          "default",
		SampleRate:      16000,
		Channels:        1,
		BitDepth:        16,
		ChunkDurationMs: 100,
		PreRollMs:       300,
		MaxUtteranceSec: 15,
		ListenTimeoutMs: 30000,
	}
}

// Segment is a complete captured utterance, 16-bit little-endian PCM.
type Segment struct {
	PCM        []byte        `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
	CapturedAt time.Time     `json:"captured_at"`
	PeakRMS    float64       `json:"peak_rms"`
}

// Source yields speech segments from some audio input. The microphone
// implementation lives in mic.go; tests substitute fakes.
type Source interface {
	// Capture blocks until one utterance has been recorded or the
	// context is cancelled. Returns ErrNoSpeech when the listen
	// timeout elapses without voice activity.
	Capture(ctx context.Context) (*Segment, error)
	Close() error
}

// Device describes an audio input device
type Device struct {
	ID               int     `json:"id"`
	Name             string  `json:"name"`
	MaxInputChannels int     `json:"max_input_channels"`
	SampleRate       float64 `json:"sample_rate"`
	IsDefault        bool    `json:"is_default"`
}

// LevelReport summarizes a short test recording
type LevelReport struct {
	Duration       time.Duration `json:"duration"`
	AvgRMS         float64       `json:"avg_rms"`
	PeakRMS        float64       `json:"peak_rms"`
	SpeechDetected bool          `json:"speech_detected"`
}

// CalibrationResult holds the outcome of an ambient noise measurement
type CalibrationResult struct {
	Duration           time.Duration `json:"duration"`
	AmbientRMS         float64       `json:"ambient_rms"`
	PeakRMS            float64       `json:"peak_rms"`
	SuggestedThreshold float64       `json:"suggested_threshold"`
	Applied            bool          `json:"applied"`
}
