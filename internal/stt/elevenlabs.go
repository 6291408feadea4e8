package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ElevenLabsProvider implements recognition using the ElevenLabs
// speech-to-text API. This is the primary cloud backend.
type ElevenLabsProvider struct {
	apiKey string
	client *http.Client
	logger zerolog.Logger
	config *ElevenLabsConfig
}

// ElevenLabsConfig holds ElevenLabs configuration
type ElevenLabsConfig struct {
	APIKey   string        `json:"api_key"`
	BaseURL  string        `json:"base_url"`
	Model    string        `json:"model"`    // "scribe_v1"
	Language string        `json:"language"` // Optional language hint
	Timeout  time.Duration `json:"timeout"`
}

// DefaultElevenLabsConfig returns sensible defaults
func DefaultElevenLabsConfig() *ElevenLabsConfig {
	return &ElevenLabsConfig{
		BaseURL:  "https://api.elevenlabs.io",
		Model:    "scribe_v1",
		Language: "", // Auto-detect
		Timeout:  15 * time.Second,
	}
}

// NewElevenLabsProvider creates a new ElevenLabs provider
func NewElevenLabsProvider(logger zerolog.Logger, config *ElevenLabsConfig) *ElevenLabsProvider {
	if config == nil {
		config = DefaultElevenLabsConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultElevenLabsConfig().BaseURL
	}

	// Try to get API key from config, then environment
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ELEVENLABS_API_KEY")
	}

	return &ElevenLabsProvider{
		apiKey: apiKey,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With().Str("provider", "elevenlabs").Logger(),
		config: config,
	}
}

// Name returns the backend identifier
func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// SetAPIKey sets the API key (for runtime configuration)
func (p *ElevenLabsProvider) SetAPIKey(apiKey string) {
	p.apiKey = apiKey
}

// IsAvailable returns true if the provider has a valid API key
func (p *ElevenLabsProvider) IsAvailable() bool {
	return p.apiKey != ""
}

// Transcribe sends audio to the ElevenLabs speech-to-text API
func (p *ElevenLabsProvider) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	startTime := time.Now()

	if p.apiKey == "" {
		return nil, fmt.Errorf("ElevenLabs API key not configured: %w", ErrProviderUnavailable)
	}

	if len(req.Audio) == 0 {
		return nil, ErrAudioTooShort
	}

	wavData := wavFromPCM(req.Audio, req.SampleRate, req.Channels)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.WriteField("model_id", p.config.Model); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}

	if p.config.Language != "" {
		if err := writer.WriteField("language_code", p.config.Language); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/v1/speech-to-text", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	p.logger.Debug().Int("audioBytes", len(req.Audio)).Msg("Sending audio to ElevenLabs")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("ElevenLabs API error")
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var result struct {
		Text                string  `json:"text"`
		LanguageCode        string  `json:"language_code"`
		LanguageProbability float64 `json:"language_probability"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	processingTime := time.Since(startTime)
	p.logger.Info().Str("text", result.Text).Dur("time", processingTime).Msg("Transcription complete")

	confidence := result.LanguageProbability
	if confidence == 0 {
		confidence = defaultConfidence
	}

	return &TranscribeResponse{
		Text:           result.Text,
		Confidence:     confidence,
		Language:       result.LanguageCode,
		ProcessingTime: processingTime,
		IsFinal:        true,
	}, nil
}

// Health checks if the API is usable
func (p *ElevenLabsProvider) Health(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("ElevenLabs API key not configured: %w", ErrProviderUnavailable)
	}
	return nil
}

// Capabilities returns backend capabilities
func (p *ElevenLabsProvider) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		SupportsStreaming:  false,
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "zh", "ja", "ko", "ru", "ar"},
		MaxAudioLengthSec:  300,
		AvgLatencyMs:       800,
		IsLocal:            false,
	}
}
