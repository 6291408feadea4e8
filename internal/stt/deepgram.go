package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	deepgramWSEndpoint = "wss://api.deepgram.com/v1/listen"
	deepgramModel      = "nova-2"
)

// DeepgramProvider implements recognition using Deepgram's streaming
// WebSocket API. Each Transcribe call opens a short-lived stream, sends
// the segment, and collects the final transcript.
type DeepgramProvider struct {
	apiKey string
	logger zerolog.Logger
	config *DeepgramConfig
}

// DeepgramConfig holds Deepgram configuration
type DeepgramConfig struct {
	APIKey     string        `json:"api_key"`
	Endpoint   string        `json:"endpoint"` // WebSocket endpoint, override for tests
	Model      string        `json:"model"`
	Language   string        `json:"language"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Punctuate  bool          `json:"punctuate"`
	Timeout    time.Duration `json:"timeout"`
}

// DefaultDeepgramConfig returns sensible defaults
func DefaultDeepgramConfig() *DeepgramConfig {
	return &DeepgramConfig{
		Endpoint:   deepgramWSEndpoint,
		Model:      deepgramModel,
		Language:   "en-US",
		SampleRate: 16000,
		Channels:   1,
		Punctuate:  true,
		Timeout:    10 * time.Second,
	}
}

// NewDeepgramProvider creates a new Deepgram provider
func NewDeepgramProvider(logger zerolog.Logger, config *DeepgramConfig) *DeepgramProvider {
	if config == nil {
		config = DefaultDeepgramConfig()
	}
	if config.Endpoint == "" {
		config.Endpoint = deepgramWSEndpoint
	}
	if config.Model == "" {
		config.Model = deepgramModel
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}

	return &DeepgramProvider{
		apiKey: apiKey,
		logger: logger.With().Str("provider", "deepgram").Logger(),
		config: config,
	}
}

// Name returns the backend identifier
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// IsAvailable returns true if the provider has a valid API key
func (p *DeepgramProvider) IsAvailable() bool {
	return p.apiKey != ""
}

type deepgramMessage struct {
	Type        string          `json:"type"`
	Duration    float64         `json:"duration,omitempty"`
	IsFinal     bool            `json:"is_final,omitempty"`
	SpeechFinal bool            `json:"speech_final,omitempty"`
	Channel     deepgramChannel `json:"channel,omitempty"`
}

type deepgramChannel struct {
	Alternatives []deepgramAlternative `json:"alternatives,omitempty"`
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// dial opens the streaming connection for one segment.
func (p *DeepgramProvider) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s?model=%s&language=%s&encoding=linear16&sample_rate=%d&channels=%d&punctuate=%t",
		p.config.Endpoint,
		p.config.Model,
		p.config.Language,
		p.config.SampleRate,
		p.config.Channels,
		p.config.Punctuate,
	)

	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			p.logger.Error().
				Int("status", resp.StatusCode).
				Err(err).
				Msg("Deepgram WebSocket connection failed")
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Transcribe streams the segment to Deepgram and returns the final result
func (p *DeepgramProvider) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	startTime := time.Now()

	if p.apiKey == "" {
		return nil, fmt.Errorf("Deepgram API key not configured: %w", ErrProviderUnavailable)
	}
	if len(req.Audio) == 0 {
		return nil, ErrAudioTooShort
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Send the whole segment, then signal end of stream.
	const chunkSize = 8192
	for i := 0; i < len(req.Audio); i += chunkSize {
		end := i + chunkSize
		if end > len(req.Audio) {
			end = len(req.Audio)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, req.Audio[i:end]); err != nil {
			return nil, fmt.Errorf("websocket write: %w", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`)); err != nil {
		return nil, fmt.Errorf("close stream: %w", err)
	}

	timeout := p.config.Timeout
	if timeout <= 0 {
		timeout = DefaultDeepgramConfig().Timeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	var best *TranscribeResponse
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			if best != nil {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}

		var msg deepgramMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			p.logger.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse Deepgram message")
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			resp := &TranscribeResponse{
				Text:           alt.Transcript,
				Confidence:     alt.Confidence,
				Language:       p.config.Language,
				Duration:       time.Duration(msg.Duration * float64(time.Second)),
				ProcessingTime: time.Since(startTime),
				IsFinal:        msg.IsFinal || msg.SpeechFinal,
			}
			best = resp
			if resp.IsFinal {
				p.logger.Info().Str("text", resp.Text).Dur("time", resp.ProcessingTime).Msg("Transcription complete")
				return resp, nil
			}

		case "Error":
			p.logger.Error().Str("message", string(message)).Msg("Deepgram error")
			return nil, fmt.Errorf("deepgram error: %s", string(message))
		}
	}

	if best == nil {
		return nil, ErrTranscriptEmpty
	}
	best.IsFinal = true
	return best, nil
}

// Health checks if the backend is usable
func (p *DeepgramProvider) Health(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("Deepgram API key not configured: %w", ErrProviderUnavailable)
	}
	return nil
}

// Capabilities returns backend capabilities
func (p *DeepgramProvider) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		SupportsStreaming:  true,
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "nl", "ja", "ko", "zh", "ru", "ar", "hi"},
		MaxAudioLengthSec:  0,
		AvgLatencyMs:       150,
		IsLocal:            false,
	}
}
