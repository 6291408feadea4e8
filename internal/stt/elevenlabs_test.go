package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewElevenLabsProvider(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("with config key", func(t *testing.T) {
		provider := NewElevenLabsProvider(logger, &ElevenLabsConfig{APIKey: "test-key"})

		assert.Equal(t, "elevenlabs", provider.Name())
		assert.True(t, provider.IsAvailable())
	})

	t.Run("without key", func(t *testing.T) {
		t.Setenv("ELEVENLABS_API_KEY", "")
		provider := NewElevenLabsProvider(logger, &ElevenLabsConfig{})

		assert.False(t, provider.IsAvailable())
		assert.ErrorIs(t, provider.Health(context.Background()), ErrProviderUnavailable)
	})

	t.Run("key from environment", func(t *testing.T) {
		t.Setenv("ELEVENLABS_API_KEY", "env-key")
		provider := NewElevenLabsProvider(logger, &ElevenLabsConfig{})

		assert.True(t, provider.IsAvailable())
	})
}

func TestElevenLabsProvider_Transcribe(t *testing.T) {
	tests := []struct {
		name           string
		apiKey         string
		audio          []byte
		responseStatus int
		responseBody   string
		wantText       string
		wantConfidence float64
		wantErr        error
	}{
		{
			name:           "successful transcription",
			apiKey:         "test-key",
			audio:          []byte("fake pcm data"),
			responseStatus: http.StatusOK,
			responseBody:   `{"text":"hey claude create a function","language_code":"en","language_probability":0.97}`,
			wantText:       "hey claude create a function",
			wantConfidence: 0.97,
		},
		{
			name:           "missing probability defaults conservatively",
			apiKey:         "test-key",
			audio:          []byte("fake pcm data"),
			responseStatus: http.StatusOK,
			responseBody:   `{"text":"stop listening"}`,
			wantText:       "stop listening",
			wantConfidence: defaultConfidence,
		},
		{
			name:    "missing api key",
			apiKey:  "",
			audio:   []byte("fake pcm data"),
			wantErr: ErrProviderUnavailable,
		},
		{
			name:    "empty audio",
			apiKey:  "test-key",
			audio:   nil,
			wantErr: ErrAudioTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ELEVENLABS_API_KEY", "")

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/speech-to-text", r.URL.Path)
				assert.Equal(t, tt.apiKey, r.Header.Get("xi-api-key"))

				err := r.ParseMultipartForm(10 << 20)
				require.NoError(t, err)
				assert.Equal(t, "scribe_v1", r.FormValue("model_id"))

				file, _, err := r.FormFile("file")
				require.NoError(t, err)
				defer file.Close()

				w.WriteHeader(tt.responseStatus)
				w.Write([]byte(tt.responseBody))
			}))
			defer server.Close()

			provider := NewElevenLabsProvider(zerolog.Nop(), &ElevenLabsConfig{
				APIKey:  tt.apiKey,
				BaseURL: server.URL,
				Model:   "scribe_v1",
				Timeout: 5 * time.Second,
			})

			result, err := provider.Transcribe(context.Background(), &TranscribeRequest{
				Audio:      tt.audio,
				Format:     "pcm",
				SampleRate: 16000,
				Channels:   1,
			})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, result)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, result)
			assert.Equal(t, tt.wantText, result.Text)
			assert.InDelta(t, tt.wantConfidence, result.Confidence, 0.001)
		})
	}
}

func TestElevenLabsProvider_TranscribeAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer server.Close()

	provider := NewElevenLabsProvider(zerolog.Nop(), &ElevenLabsConfig{
		APIKey:  "bad-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	_, err := provider.Transcribe(context.Background(), &TranscribeRequest{
		Audio:      []byte("fake pcm"),
		SampleRate: 16000,
		Channels:   1,
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API error")
}
