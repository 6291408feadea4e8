// CortexVoice - voice command MCP server for driving a coding assistant
package main

import (
	"bufio"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/audio"
	"github.com/normanking/cortexvoice/internal/config"
	"github.com/normanking/cortexvoice/internal/logging"
	"github.com/normanking/cortexvoice/internal/queue"
	"github.com/normanking/cortexvoice/internal/server"
	"github.com/normanking/cortexvoice/internal/session"
	"github.com/normanking/cortexvoice/internal/stt"
	"github.com/normanking/cortexvoice/internal/wake"
)

const version = "0.3.0"

// loadEnvFile loads API keys from ~/.cortexvoice/.env into the process
// environment without overriding values already set.
func loadEnvFile(logger zerolog.Logger) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}

	file, err := os.Open(filepath.Join(home, ".cortexvoice", ".env"))
	if err != nil {
		return
	}
	defer file.Close()

	loaded := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			loaded++
		}
	}
	if loaded > 0 {
		logger.Info().Int("count", loaded).Msg("Loaded environment variables from .env")
	}
}

// buildProviders instantiates recognition backends in priority order
func buildProviders(cfg *config.Config, logger zerolog.Logger) []stt.Provider {
	var providers []stt.Provider
	for _, name := range cfg.STT.BackendPriority {
		switch name {
		case "elevenlabs":
			providers = append(providers, stt.NewElevenLabsProvider(logger, &stt.ElevenLabsConfig{
				APIKey:   cfg.STT.ElevenLabs.APIKey,
				Model:    cfg.STT.ElevenLabs.Model,
				Language: cfg.STT.Language,
				Timeout:  cfg.STT.ElevenLabs.Timeout,
			}))
		case "deepgram":
			providers = append(providers, stt.NewDeepgramProvider(logger, &stt.DeepgramConfig{
				APIKey:     cfg.STT.Deepgram.APIKey,
				Model:      cfg.STT.Deepgram.Model,
				SampleRate: cfg.Audio.SampleRate,
				Channels:   cfg.Audio.Channels,
				Punctuate:  true,
				Timeout:    cfg.STT.Deepgram.Timeout,
			}))
		case "whisper-local":
			providers = append(providers, stt.NewWhisperLocalProvider(logger, &stt.WhisperLocalConfig{
				ServiceURL: cfg.STT.WhisperLocal.ServiceURL,
				Language:   cfg.STT.Language,
				Timeout:    cfg.STT.WhisperLocal.Timeout,
			}))
		}
	}
	return providers
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.ToFile = cfg.Log.ToFile
	syslog, err := logging.New(logCfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()

	zlogger := syslog.Logger
	zlogger.Info().Str("version", version).Str("logFile", syslog.Path()).Msg("CortexVoice starting")

	loadEnvFile(zlogger)

	providers := buildProviders(cfg, zlogger)
	if len(providers) == 0 {
		zlogger.Fatal().Msg("No recognition backends configured")
	}

	selector := stt.NewSelector(providers, &stt.SelectorConfig{
		MinConfidence:    cfg.STT.MinConfidence,
		FailureThreshold: cfg.STT.FailureThreshold,
		BaseCooldown:     time.Duration(cfg.STT.BaseCooldownSeconds * float64(time.Second)),
		MaxCooldown:      time.Duration(cfg.STT.MaxCooldownSeconds * float64(time.Second)),
		AttemptTimeout:   time.Duration(cfg.STT.AttemptTimeoutSec * float64(time.Second)),
	}, zlogger)

	filter := stt.NewFilter(cfg.STT.FillerWords)

	gate := wake.New(&wake.Config{
		Phrases: cfg.Wake.Words,
		Window:  time.Duration(cfg.Wake.WindowSeconds * float64(time.Second)),
	})

	vad := audio.NewVAD(&audio.VADConfig{
		Threshold:       cfg.Audio.VADThreshold,
		SmoothingFrames: cfg.Audio.VADSmoothingFrames,
		HangoverMs:      cfg.Audio.VADHangoverMs,
		MinSpeechMs:     cfg.Audio.VADMinSpeechMs,
	})

	mic := audio.NewMicSource(zlogger, &audio.Config{
		Device:          cfg.Audio.InputDevice,
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		ChunkDurationMs: cfg.Audio.ChunkDurationMs,
		PreRollMs:       cfg.Audio.PreRollMs,
		MaxUtteranceSec: cfg.Audio.MaxUtteranceSec,
		ListenTimeoutMs: cfg.Audio.ListenTimeoutMs,
	}, vad)
	defer mic.Close()

	overflow := queue.DropOldest
	if cfg.Queue.OverflowPolicy == "reject_newest" {
		overflow = queue.RejectNewest
	}
	q := queue.New(&queue.Config{
		Capacity: cfg.Queue.Capacity,
		Policy:   overflow,
	}, zlogger)

	sess := session.New(zlogger, mic, selector, filter, gate, q)

	// Hot reload of wake words, filler words, and the confidence floor
	cfg.Watch(func(fresh *config.Config) {
		gate.SetPhrases(fresh.Wake.Words)
		if fresh.STT.FillerWords != nil {
			filter.SetWords(fresh.STT.FillerWords)
		}
		selector.SetMinConfidence(fresh.STT.MinConfidence)
		zlogger.Info().Msg("Configuration reloaded")
	})

	srv := server.New(zlogger, server.Options{
		Version:     version,
		DefaultMode: wake.Mode(cfg.Session.DefaultMode),
		DeviceName:  cfg.Audio.InputDevice,
		History:     syslog.History,
	}, sess, selector, mic)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		zlogger.Info().Str("signal", sig.String()).Msg("Shutting down")
		sess.Stop()
		q.Close()
		mic.Close()
		syslog.Close()
		os.Exit(0)
	}()

	if err := srv.Serve(); err != nil {
		zlogger.Error().Err(err).Msg("Server exited")
	}

	sess.Stop()
	q.Close()
}
