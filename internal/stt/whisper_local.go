package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WhisperLocalProvider implements recognition against a locally running
// Whisper inference service. Used as the offline fallback when cloud
// backends are unreachable.
type WhisperLocalProvider struct {
	client *http.Client
	logger zerolog.Logger
	config *WhisperLocalConfig
}

// WhisperLocalConfig holds local Whisper service configuration
type WhisperLocalConfig struct {
	ServiceURL string        `json:"service_url"`
	Language   string        `json:"language"`
	Timeout    time.Duration `json:"timeout"`
}

// DefaultWhisperLocalConfig returns sensible defaults
func DefaultWhisperLocalConfig() *WhisperLocalConfig {
	return &WhisperLocalConfig{
		ServiceURL: "http://localhost:8899",
		Language:   "en",
		Timeout:    30 * time.Second,
	}
}

// NewWhisperLocalProvider creates a new local Whisper provider
func NewWhisperLocalProvider(logger zerolog.Logger, config *WhisperLocalConfig) *WhisperLocalProvider {
	if config == nil {
		config = DefaultWhisperLocalConfig()
	}
	if config.ServiceURL == "" {
		config.ServiceURL = DefaultWhisperLocalConfig().ServiceURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultWhisperLocalConfig().Timeout
	}

	return &WhisperLocalProvider{
		client: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With().Str("provider", "whisper-local").Logger(),
		config: config,
	}
}

// Name returns the backend identifier
func (p *WhisperLocalProvider) Name() string {
	return "whisper-local"
}

// Transcribe sends audio to the local Whisper service
func (p *WhisperLocalProvider) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	startTime := time.Now()

	if len(req.Audio) == 0 {
		return nil, ErrAudioTooShort
	}

	wavData := wavFromPCM(req.Audio, req.SampleRate, req.Channels)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	language := req.Language
	if language == "" {
		language = p.config.Language
	}
	if err := writer.WriteField("language", language); err != nil {
		return nil, fmt.Errorf("failed to write language field: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.ServiceURL+"/stt", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	p.logger.Debug().Int("audioBytes", len(req.Audio)).Msg("Sending audio to local Whisper service")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return nil, fmt.Errorf("service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Whisper service error")
		return nil, fmt.Errorf("service error: %s", string(body))
	}

	var result struct {
		Text             string  `json:"text"`
		Language         string  `json:"language"`
		Confidence       float64 `json:"confidence"`
		ProcessingTimeMs int     `json:"processing_time_ms"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	confidence := result.Confidence
	if confidence == 0 {
		confidence = defaultConfidence
	}

	processingTime := time.Since(startTime)
	p.logger.Info().Str("text", result.Text).Dur("time", processingTime).Msg("Transcription complete")

	return &TranscribeResponse{
		Text:           result.Text,
		Confidence:     confidence,
		Language:       result.Language,
		ProcessingTime: processingTime,
		IsFinal:        true,
	}, nil
}

// Health checks the local service's /health endpoint
func (p *WhisperLocalProvider) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.config.ServiceURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// Capabilities returns backend capabilities
func (p *WhisperLocalProvider) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		SupportsStreaming:  false,
		SupportedLanguages: []string{"en", "fr", "es", "zh", "ja", "ko", "auto"},
		MaxAudioLengthSec:  30,
		AvgLatencyMs:       500,
		IsLocal:            true,
	}
}
