// Package stt provides speech-to-text recognition backends and the
// fallback selector that orders them.
package stt

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("recognition backend unavailable")
	ErrAudioTooShort       = errors.New("audio too short for transcription")
	ErrTranscriptEmpty     = errors.New("backend returned an empty transcript")
	ErrLowConfidence       = errors.New("transcript confidence below configured floor")
	ErrNoBackendAvailable  = errors.New("all recognition backends failed or are disabled")
	ErrBackendTimeout      = errors.New("recognition attempt timed out")
)

// Provider is the interface all recognition backends implement. Transcribe
// must honor ctx cancellation and deadlines; the session's cooperative stop
// relies on every attempt being timeout-bounded.
type Provider interface {
	// Name returns the backend identifier (e.g. "elevenlabs", "whisper-local")
	Name() string

	// Transcribe converts one audio segment to text
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error)

	// Health checks if the backend is usable
	Health(ctx context.Context) error

	// Capabilities returns the backend's feature set
	Capabilities() ProviderCapabilities
}

// TranscribeRequest represents a transcription request
type TranscribeRequest struct {
	Audio      []byte `json:"-"`                  // Raw PCM audio data
	Format     string `json:"format,omitempty"`   // Audio format (wav, pcm)
	SampleRate int    `json:"sample_rate"`        // Sample rate in Hz
	Channels   int    `json:"channels"`           // Number of channels
	Language   string `json:"language,omitempty"` // Language code hint (e.g. "en")
}

// TranscribeResponse represents a transcription result
type TranscribeResponse struct {
	Text           string        `json:"text"`            // Transcribed text
	Confidence     float64       `json:"confidence"`      // Overall confidence (0-1)
	Language       string        `json:"language"`        // Detected/specified language
	Duration       time.Duration `json:"duration"`        // Audio duration
	ProcessingTime time.Duration `json:"processing_time"` // How long transcription took
	IsFinal        bool          `json:"is_final"`        // True if this is a final result
}

// ProviderCapabilities describes what a backend supports
type ProviderCapabilities struct {
	SupportsStreaming  bool     `json:"supports_streaming"`
	SupportedLanguages []string `json:"supported_languages"`
	MaxAudioLengthSec  int      `json:"max_audio_length_sec"`
	AvgLatencyMs       int      `json:"avg_latency_ms"`
	IsLocal            bool     `json:"is_local"` // True if runs locally
}

// defaultConfidence is assumed when a backend does not report one.
// Conservative, so a configured floor can still reject it.
const defaultConfidence = 0.8
