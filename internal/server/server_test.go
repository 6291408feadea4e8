package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvoice/internal/audio"
	"github.com/normanking/cortexvoice/internal/queue"
	"github.com/normanking/cortexvoice/internal/session"
	"github.com/normanking/cortexvoice/internal/stt"
	"github.com/normanking/cortexvoice/internal/wake"
)

type fakeMic struct {
	mu         sync.Mutex
	segments   chan *audio.Segment
	captureErr error
	devices    []audio.Device
	report     *audio.LevelReport
	calibrated *audio.CalibrationResult
	lastApply  bool
}

func newFakeMic() *fakeMic {
	return &fakeMic{
		segments: make(chan *audio.Segment, 16),
		devices: []audio.Device{
			{ID: 0, Name: "Built-in Microphone", MaxInputChannels: 1, SampleRate: 16000, IsDefault: true},
		},
		report:     &audio.LevelReport{AvgRMS: 0.02, PeakRMS: 0.15, SpeechDetected: true},
		calibrated: &audio.CalibrationResult{AmbientRMS: 0.004, SuggestedThreshold: 0.012},
	}
}

func (f *fakeMic) Capture(ctx context.Context) (*audio.Segment, error) {
	f.mu.Lock()
	err := f.captureErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case seg := <-f.segments:
		return seg, nil
	}
}

func (f *fakeMic) Close() error { return nil }

func (f *fakeMic) ListDevices() ([]audio.Device, error) { return f.devices, nil }

func (f *fakeMic) Test(ctx context.Context, duration time.Duration) (*audio.LevelReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return f.report, nil
}

func (f *fakeMic) Calibrate(ctx context.Context, duration time.Duration, apply bool) (*audio.CalibrationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastApply = apply
	out := *f.calibrated
	out.Applied = apply
	return &out, nil
}

type fakeRecognizer struct {
	mu     sync.Mutex
	script []func() (*stt.Recognition, error)
	calls  int
}

func (f *fakeRecognizer) Recognize(ctx context.Context, req *stt.TranscribeRequest) (*stt.Recognition, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i < len(f.script) {
		return f.script[i]()
	}
	return nil, stt.ErrNoBackendAvailable
}

func (f *fakeRecognizer) Health() []stt.HealthSnapshot {
	return []stt.HealthSnapshot{{Backend: "fake"}}
}

func recognized(text string) func() (*stt.Recognition, error) {
	return func() (*stt.Recognition, error) {
		return &stt.Recognition{Text: text, Confidence: 0.9, Backend: "fake"}, nil
	}
}

func newTestServer(rec session.Recognizer, mic *fakeMic) *Server {
	q := queue.New(&queue.Config{Capacity: 10, Policy: queue.DropOldest}, zerolog.Nop())
	gate := wake.New(&wake.Config{Phrases: []string{"hey claude", "claude"}})
	sess := session.New(zerolog.Nop(), mic, rec, stt.NewFilter(nil), gate, q)
	return New(zerolog.Nop(), Options{Version: "test", DefaultMode: wake.ModeContinuous, DeviceName: "default"}, sess, rec, mic)
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, map[string]any) {
	t.Helper()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)

	if res.IsError {
		return res, nil
	}

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return res, payload
}

func TestServer_StartStopStatus(t *testing.T) {
	s := newTestServer(&fakeRecognizer{}, newFakeMic())

	_, payload := callTool(t, s.handleGetStatus, nil)
	assert.Equal(t, "idle", payload["state"])

	_, payload = callTool(t, s.handleStartListening, map[string]any{"mode": "wake_word"})
	assert.Equal(t, "listening", payload["status"])
	assert.Equal(t, "wake_word", payload["mode"])
	assert.NotEmpty(t, payload["session_id"])

	res, _ := callTool(t, s.handleStartListening, nil)
	assert.True(t, res.IsError)

	_, payload = callTool(t, s.handleGetStatus, nil)
	assert.Equal(t, "listening", payload["state"])

	_, payload = callTool(t, s.handleStopListening, nil)
	assert.Equal(t, "stopped", payload["status"])

	_, payload = callTool(t, s.handleStopListening, nil)
	assert.Equal(t, "already_idle", payload["status"])
}

func TestServer_StartListening_InvalidMode(t *testing.T) {
	s := newTestServer(&fakeRecognizer{}, newFakeMic())

	res, _ := callTool(t, s.handleStartListening, map[string]any{"mode": "telepathy"})
	assert.True(t, res.IsError)
}

func TestServer_GetNextCommand(t *testing.T) {
	t.Run("timeout returns absence", func(t *testing.T) {
		s := newTestServer(&fakeRecognizer{}, newFakeMic())

		start := time.Now()
		_, payload := callTool(t, s.handleGetNextCommand, map[string]any{"timeout_seconds": 0.1})
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, false, payload["available"])
	})

	t.Run("delivers queued command", func(t *testing.T) {
		mic := newFakeMic()
		rec := &fakeRecognizer{script: []func() (*stt.Recognition, error){
			recognized("run the tests"),
		}}
		s := newTestServer(rec, mic)

		_, payload := callTool(t, s.handleStartListening, map[string]any{"mode": "continuous"})
		assert.Equal(t, "listening", payload["status"])
		defer s.session.Stop()

		mic.segments <- &audio.Segment{PCM: []byte("pcm"), SampleRate: 16000, Channels: 1}

		_, payload = callTool(t, s.handleGetNextCommand, map[string]any{"timeout_seconds": 2.0})
		assert.Equal(t, true, payload["available"])
		assert.Equal(t, "run the tests", payload["text"])
		assert.Equal(t, "fake", payload["backend"])
		assert.Equal(t, float64(1), payload["sequence"])
	})
}

func TestServer_ClearCommands(t *testing.T) {
	s := newTestServer(&fakeRecognizer{}, newFakeMic())

	q := s.session.Queue()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(queue.Command{Text: "cmd", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	_, payload := callTool(t, s.handleClearCommands, nil)
	assert.Equal(t, float64(3), payload["cleared_count"])
	assert.Equal(t, 0, q.Depth())
}

func TestServer_Ping(t *testing.T) {
	s := newTestServer(&fakeRecognizer{}, newFakeMic())

	_, payload := callTool(t, s.handlePing, nil)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "test", payload["version"])
}

func TestServer_GetStatusRecentLogs(t *testing.T) {
	t.Run("includes log excerpt when wired", func(t *testing.T) {
		mic := newFakeMic()
		rec := &fakeRecognizer{}
		q := queue.New(&queue.Config{Capacity: 10, Policy: queue.DropOldest}, zerolog.Nop())
		gate := wake.New(&wake.Config{Phrases: []string{"claude"}})
		sess := session.New(zerolog.Nop(), mic, rec, stt.NewFilter(nil), gate, q)

		var gotLimit int
		opts := Options{
			Version:     "test",
			DefaultMode: wake.ModeContinuous,
			History: func(limit int) []string {
				gotLimit = limit
				return []string{`{"level":"info","message":"CortexVoice starting"}`}
			},
		}
		s := New(zerolog.Nop(), opts, sess, rec, mic)

		_, payload := callTool(t, s.handleGetStatus, nil)
		assert.Equal(t, "idle", payload["state"])
		assert.Equal(t, recentLogLimit, gotLimit)

		logs, ok := payload["recent_logs"].([]any)
		require.True(t, ok)
		require.Len(t, logs, 1)
		assert.Contains(t, logs[0], "CortexVoice starting")
	})

	t.Run("omitted when no history source", func(t *testing.T) {
		s := newTestServer(&fakeRecognizer{}, newFakeMic())

		_, payload := callTool(t, s.handleGetStatus, nil)
		_, present := payload["recent_logs"]
		assert.False(t, present)
	})
}

func TestServer_TestMicrophone(t *testing.T) {
	t.Run("reports levels", func(t *testing.T) {
		s := newTestServer(&fakeRecognizer{}, newFakeMic())

		_, payload := callTool(t, s.handleTestMicrophone, map[string]any{"duration_seconds": 1.0})
		assert.Equal(t, true, payload["ok"])
		assert.Equal(t, "default", payload["device_name"])
		assert.Equal(t, true, payload["speech_detected"])
	})

	t.Run("busy microphone surfaces conflict", func(t *testing.T) {
		mic := newFakeMic()
		mic.captureErr = audio.ErrCaptureActive
		s := newTestServer(&fakeRecognizer{}, mic)

		res, _ := callTool(t, s.handleTestMicrophone, nil)
		assert.True(t, res.IsError)
	})
}

func TestServer_TranscribeOnce(t *testing.T) {
	t.Run("returns transcript without queuing", func(t *testing.T) {
		mic := newFakeMic()
		rec := &fakeRecognizer{script: []func() (*stt.Recognition, error){
			recognized("note this down"),
		}}
		s := newTestServer(rec, mic)

		mic.segments <- &audio.Segment{PCM: []byte("pcm"), SampleRate: 16000, Channels: 1}

		_, payload := callTool(t, s.handleTranscribeOnce, nil)
		assert.Equal(t, "note this down", payload["text"])
		assert.Equal(t, "fake", payload["backend"])
		assert.Equal(t, 0, s.session.Queue().Depth())
	})

	t.Run("no speech is not an error", func(t *testing.T) {
		mic := newFakeMic()
		mic.captureErr = audio.ErrNoSpeech
		s := newTestServer(&fakeRecognizer{}, mic)

		res, payload := callTool(t, s.handleTranscribeOnce, nil)
		assert.False(t, res.IsError)
		assert.Equal(t, "", payload["text"])
	})
}

func TestServer_CalibrateAudio(t *testing.T) {
	mic := newFakeMic()
	s := newTestServer(&fakeRecognizer{}, mic)

	_, payload := callTool(t, s.handleCalibrateAudio, map[string]any{"duration_seconds": 1.0, "apply": false})
	assert.Equal(t, false, payload["applied"])
	assert.False(t, mic.lastApply)

	_, payload = callTool(t, s.handleCalibrateAudio, nil)
	assert.Equal(t, true, payload["applied"])
	assert.True(t, mic.lastApply)
}

func TestServer_ListAudioDevices(t *testing.T) {
	s := newTestServer(&fakeRecognizer{}, newFakeMic())

	_, payload := callTool(t, s.handleListAudioDevices, nil)
	devices, ok := payload["devices"].([]any)
	require.True(t, ok)
	require.Len(t, devices, 1)

	dev := devices[0].(map[string]any)
	assert.Equal(t, "Built-in Microphone", dev["name"])
	assert.Equal(t, true, dev["is_default"])
}
