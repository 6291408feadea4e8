// Package server exposes the voice pipeline as MCP tools over stdio.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/audio"
	"github.com/normanking/cortexvoice/internal/session"
	"github.com/normanking/cortexvoice/internal/stt"
	"github.com/normanking/cortexvoice/internal/wake"
)

// Mic is the microphone surface the tool handlers need. MicSource
// implements it; tests substitute fakes.
type Mic interface {
	Capture(ctx context.Context) (*audio.Segment, error)
	ListDevices() ([]audio.Device, error)
	Test(ctx context.Context, duration time.Duration) (*audio.LevelReport, error)
	Calibrate(ctx context.Context, duration time.Duration, apply bool) (*audio.CalibrationResult, error)
}

// Options configures the MCP server
type Options struct {
	Version     string
	DefaultMode wake.Mode
	DeviceName  string
	// History returns the most recent log lines for get_status
	// diagnostics. Optional; nil means no log excerpt in status.
	History func(limit int) []string
}

// Server wires the session, recognizer, and microphone to MCP tools
type Server struct {
	opts       Options
	session    *session.Session
	recognizer session.Recognizer
	mic        Mic
	logger     zerolog.Logger
	mcp        *mcpserver.MCPServer
	startedAt  time.Time
}

// New creates the server and registers all tools
func New(logger zerolog.Logger, opts Options, sess *session.Session, recognizer session.Recognizer, mic Mic) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = wake.ModeWakeWord
	}

	s := &Server{
		opts:       opts,
		session:    sess,
		recognizer: recognizer,
		mic:        mic,
		logger:     logger.With().Str("component", "server").Logger(),
		startedAt:  time.Now(),
	}

	s.mcp = mcpserver.NewMCPServer("cortexvoice", opts.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Serve runs the stdio transport until the client disconnects
func (s *Server) Serve() error {
	s.logger.Info().Str("version", s.opts.Version).Msg("Serving MCP over stdio")
	return mcpserver.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("start_listening",
		mcp.WithDescription("Start a voice listening session. Commands accumulate in the queue until stopped."),
		mcp.WithString("mode",
			mcp.Description("Listening mode: continuous queues every utterance, wake_word requires a trigger phrase"),
			mcp.Enum("continuous", "wake_word"),
		),
	), s.handleStartListening)

	s.mcp.AddTool(mcp.NewTool("stop_listening",
		mcp.WithDescription("Stop the active listening session. Safe to call when already stopped."),
	), s.handleStopListening)

	s.mcp.AddTool(mcp.NewTool("get_next_command",
		mcp.WithDescription("Block until the next voice command is available or the timeout elapses."),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait for a command, default 5"),
		),
	), s.handleGetNextCommand)

	s.mcp.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Report session state, queue depth, and recognition backend health."),
	), s.handleGetStatus)

	s.mcp.AddTool(mcp.NewTool("test_microphone",
		mcp.WithDescription("Record briefly and report input levels to verify the microphone works."),
		mcp.WithNumber("duration_seconds",
			mcp.Description("Recording length, default 2"),
		),
	), s.handleTestMicrophone)

	s.mcp.AddTool(mcp.NewTool("clear_commands",
		mcp.WithDescription("Discard all queued commands."),
	), s.handleClearCommands)

	s.mcp.AddTool(mcp.NewTool("ping",
		mcp.WithDescription("Liveness check."),
	), s.handlePing)

	s.mcp.AddTool(mcp.NewTool("transcribe_once",
		mcp.WithDescription("Capture and transcribe a single utterance without starting a session."),
	), s.handleTranscribeOnce)

	s.mcp.AddTool(mcp.NewTool("calibrate_audio",
		mcp.WithDescription("Measure ambient noise while silent and tune the voice activity threshold."),
		mcp.WithNumber("duration_seconds",
			mcp.Description("Measurement length, default 3"),
		),
		mcp.WithBoolean("apply",
			mcp.Description("Apply the suggested threshold, default true"),
		),
	), s.handleCalibrateAudio)

	s.mcp.AddTool(mcp.NewTool("list_audio_devices",
		mcp.WithDescription("Enumerate audio input devices."),
	), s.handleListAudioDevices)
}

func (s *Server) handleStartListening(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := wake.Mode(req.GetString("mode", string(s.opts.DefaultMode)))

	id, err := s.session.Start(mode)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyListening) {
			return mcp.NewToolResultError("already listening; call stop_listening first or check get_status"), nil
		}
		if errors.Is(err, session.ErrInvalidMode) {
			return mcp.NewToolResultError(fmt.Sprintf("invalid mode %q, use continuous or wake_word", mode)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]any{
		"status":     "listening",
		"session_id": id,
		"mode":       mode,
	})
}

func (s *Server) handleStopListening(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.session.Stop() {
		return jsonResult(map[string]any{"status": "stopped"})
	}
	return jsonResult(map[string]any{"status": "already_idle"})
}

func (s *Server) handleGetNextCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeout := time.Duration(req.GetFloat("timeout_seconds", 5) * float64(time.Second))
	if timeout < 0 {
		timeout = 0
	}

	cmd, ok := s.session.Queue().Dequeue(ctx, timeout)
	if !ok {
		return jsonResult(map[string]any{"available": false})
	}

	return jsonResult(map[string]any{
		"available":  true,
		"text":       cmd.Text,
		"confidence": cmd.Confidence,
		"backend":    cmd.Backend,
		"sequence":   cmd.Sequence,
		"timestamp":  cmd.Timestamp,
	})
}

// recentLogLimit caps the log excerpt attached to get_status responses.
const recentLogLimit = 20

// statusPayload augments the session status with recent log lines.
type statusPayload struct {
	session.Status
	RecentLogs []string `json:"recent_logs,omitempty"`
}

func (s *Server) handleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := statusPayload{Status: s.session.Status()}
	if s.opts.History != nil {
		status.RecentLogs = s.opts.History(recentLogLimit)
	}
	return jsonResult(status)
}

func (s *Server) handleTestMicrophone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	duration := time.Duration(req.GetFloat("duration_seconds", 2) * float64(time.Second))

	report, err := s.mic.Test(ctx, duration)
	if err != nil {
		if errors.Is(err, audio.ErrCaptureActive) {
			return mcp.NewToolResultError("microphone is busy, stop the listening session first"), nil
		}
		return jsonResult(map[string]any{
			"ok":          false,
			"device_name": s.opts.DeviceName,
			"error":       err.Error(),
		})
	}

	return jsonResult(map[string]any{
		"ok":              true,
		"device_name":     s.opts.DeviceName,
		"avg_rms":         report.AvgRMS,
		"peak_rms":        report.PeakRMS,
		"speech_detected": report.SpeechDetected,
	})
}

func (s *Server) handleClearCommands(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cleared := s.session.Queue().Clear()
	s.logger.Info().Int("cleared", cleared).Msg("Command queue cleared")
	return jsonResult(map[string]any{"cleared_count": cleared})
}

func (s *Server) handlePing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"status":         "ok",
		"version":        s.opts.Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleTranscribeOnce(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	segment, err := s.mic.Capture(ctx)
	if err != nil {
		if errors.Is(err, audio.ErrCaptureActive) {
			return mcp.NewToolResultError("microphone is busy, stop the listening session first"), nil
		}
		if errors.Is(err, audio.ErrNoSpeech) {
			return jsonResult(map[string]any{"text": "", "detail": "no speech detected"})
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.recognizer.Recognize(ctx, &stt.TranscribeRequest{
		Audio:      segment.PCM,
		Format:     "pcm",
		SampleRate: segment.SampleRate,
		Channels:   segment.Channels,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recognition failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"text":       rec.Text,
		"confidence": rec.Confidence,
		"backend":    rec.Backend,
	})
}

func (s *Server) handleCalibrateAudio(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	duration := time.Duration(req.GetFloat("duration_seconds", 3) * float64(time.Second))
	apply := req.GetBool("apply", true)

	result, err := s.mic.Calibrate(ctx, duration, apply)
	if err != nil {
		if errors.Is(err, audio.ErrCaptureActive) {
			return mcp.NewToolResultError("microphone is busy, stop the listening session first"), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(result)
}

func (s *Server) handleListAudioDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.mic.ListDevices()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"devices": devices})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
