package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// MicSource captures utterances from a microphone through PortAudio.
// One Capture runs at a time; the session loop calls it repeatedly.
type MicSource struct {
	config *Config
	vad    *VAD
	logger zerolog.Logger

	mu          sync.Mutex
	capturing   bool
	initialized bool
}

// NewMicSource creates a microphone source. PortAudio is initialized
// lazily on first use.
func NewMicSource(logger zerolog.Logger, config *Config, vad *VAD) *MicSource {
	if config == nil {
		config = DefaultConfig()
	}
	if vad == nil {
		vad = NewVAD(nil)
	}

	return &MicSource{
		config: config,
		vad:    vad,
		logger: logger.With().Str("component", "mic").Logger(),
	}
}

// VAD exposes the detector so calibration can adjust its threshold
func (m *MicSource) VAD() *VAD {
	return m.vad
}

func (m *MicSource) ensureInit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	m.initialized = true
	return nil
}

// Close terminates PortAudio
func (m *MicSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil
	}
	m.initialized = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio terminate: %w", err)
	}
	return nil
}

func (m *MicSource) beginCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capturing {
		return ErrCaptureActive
	}
	m.capturing = true
	return nil
}

func (m *MicSource) endCapture() {
	m.mu.Lock()
	m.capturing = false
	m.mu.Unlock()
}

// Capture records one utterance. It waits for voice activity, keeps a
// short pre-roll so the first word is not clipped, and returns when
// the speaker has been silent past the VAD hangover.
func (m *MicSource) Capture(ctx context.Context) (*Segment, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}
	if err := m.beginCapture(); err != nil {
		return nil, err
	}
	defer m.endCapture()

	chunkFrames := m.config.SampleRate * m.config.ChunkDurationMs / 1000
	in := make([]int16, chunkFrames*m.config.Channels)

	stream, err := m.openStream(in)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	defer stream.Stop()

	m.vad.Reset()

	preRollChunks := m.config.PreRollMs / m.config.ChunkDurationMs
	if preRollChunks < 1 {
		preRollChunks = 1
	}
	preRoll := make([][]int16, 0, preRollChunks)

	var (
		utterance   []int16
		speechStart time.Time
		peakRMS     float64
	)

	listenDeadline := time.Now().Add(time.Duration(m.config.ListenTimeoutMs) * time.Millisecond)
	maxUtterance := time.Duration(m.config.MaxUtteranceSec) * time.Second
	capturedAt := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}

		chunk := make([]int16, len(in))
		copy(chunk, in)

		result := m.vad.Process(chunk)
		if result.RMS > peakRMS {
			peakRMS = result.RMS
		}

		if speechStart.IsZero() {
			if result.IsSpeech {
				speechStart = time.Now()
				capturedAt = speechStart
				for _, pc := range preRoll {
					utterance = append(utterance, pc...)
				}
				utterance = append(utterance, chunk...)
				m.logger.Debug().Float64("rms", result.RMS).Msg("Speech started")
				continue
			}

			preRoll = append(preRoll, chunk)
			if len(preRoll) > preRollChunks {
				preRoll = preRoll[1:]
			}
			if time.Now().After(listenDeadline) {
				return nil, ErrNoSpeech
			}
			continue
		}

		utterance = append(utterance, chunk...)

		if !result.IsSpeech {
			spoke := time.Since(speechStart)
			if spoke < m.vad.MinSpeech() {
				// Too short to be a command, keep listening
				m.logger.Debug().Dur("duration", spoke).Msg("Discarding short burst")
				speechStart = time.Time{}
				utterance = utterance[:0]
				preRoll = preRoll[:0]
				continue
			}
			break
		}

		if time.Since(speechStart) > maxUtterance {
			m.logger.Warn().Dur("max", maxUtterance).Msg("Utterance hit length cap")
			break
		}
	}

	duration := time.Duration(len(utterance)/m.config.Channels) * time.Second / time.Duration(m.config.SampleRate)
	m.logger.Info().Dur("duration", duration).Int("samples", len(utterance)).Msg("Utterance captured")

	return &Segment{
		PCM:        pcmBytes(utterance),
		SampleRate: m.config.SampleRate,
		Channels:   m.config.Channels,
		Duration:   duration,
		CapturedAt: capturedAt,
		PeakRMS:    peakRMS,
	}, nil
}

// openStream opens the configured input device, falling back to the
// system default when the name is "default" or empty.
func (m *MicSource) openStream(in []int16) (*portaudio.Stream, error) {
	name := strings.TrimSpace(m.config.Device)
	if name == "" || strings.EqualFold(name, "default") {
		stream, err := portaudio.OpenDefaultStream(m.config.Channels, 0, float64(m.config.SampleRate), len(in)/m.config.Channels, in)
		if err != nil {
			return nil, fmt.Errorf("open default stream: %w", err)
		}
		return stream, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	for _, dev := range devices {
		if dev.MaxInputChannels < m.config.Channels {
			continue
		}
		if !strings.Contains(strings.ToLower(dev.Name), strings.ToLower(name)) {
			continue
		}

		params := portaudio.LowLatencyParameters(dev, nil)
		params.Input.Channels = m.config.Channels
		params.SampleRate = float64(m.config.SampleRate)
		params.FramesPerBuffer = len(in) / m.config.Channels

		stream, err := portaudio.OpenStream(params, in)
		if err != nil {
			return nil, fmt.Errorf("open stream on %q: %w", dev.Name, err)
		}
		return stream, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// ListDevices enumerates input-capable audio devices
func (m *MicSource) ListDevices() ([]Device, error) {
	if err := m.ensureInit(); err != nil {
		return nil, err
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	defaultDev, _ := portaudio.DefaultInputDevice()

	var out []Device
	for i, dev := range devices {
		if dev.MaxInputChannels == 0 {
			continue
		}
		out = append(out, Device{
			ID:               i,
			Name:             dev.Name,
			MaxInputChannels: dev.MaxInputChannels,
			SampleRate:       dev.DefaultSampleRate,
			IsDefault:        defaultDev != nil && dev.Name == defaultDev.Name,
		})
	}
	return out, nil
}

// Test records for the given duration and reports observed levels.
// Useful for checking that the microphone picks anything up at all.
func (m *MicSource) Test(ctx context.Context, duration time.Duration) (*LevelReport, error) {
	chunks, peak, avg, err := m.sampleLevels(ctx, duration)
	if err != nil {
		return nil, err
	}

	return &LevelReport{
		Duration:       time.Duration(chunks*m.config.ChunkDurationMs) * time.Millisecond,
		AvgRMS:         avg,
		PeakRMS:        peak,
		SpeechDetected: peak >= m.vad.Threshold(),
	}, nil
}

// Calibrate measures ambient noise while the user stays silent and
// derives a VAD threshold with headroom above the noise floor. When
// apply is true the detector is updated in place.
func (m *MicSource) Calibrate(ctx context.Context, duration time.Duration, apply bool) (*CalibrationResult, error) {
	chunks, peak, avg, err := m.sampleLevels(ctx, duration)
	if err != nil {
		return nil, err
	}

	suggested := avg * 3
	if suggested < 0.005 {
		suggested = 0.005
	}
	if suggested > 0.2 {
		suggested = 0.2
	}

	if apply {
		m.vad.SetThreshold(suggested)
		m.logger.Info().Float64("threshold", suggested).Msg("VAD threshold calibrated")
	}

	return &CalibrationResult{
		Duration:           time.Duration(chunks*m.config.ChunkDurationMs) * time.Millisecond,
		AmbientRMS:         avg,
		PeakRMS:            peak,
		SuggestedThreshold: suggested,
		Applied:            apply,
	}, nil
}

func (m *MicSource) sampleLevels(ctx context.Context, duration time.Duration) (chunks int, peak, avg float64, err error) {
	if err = m.ensureInit(); err != nil {
		return 0, 0, 0, err
	}
	if err = m.beginCapture(); err != nil {
		return 0, 0, 0, err
	}
	defer m.endCapture()

	chunkFrames := m.config.SampleRate * m.config.ChunkDurationMs / 1000
	in := make([]int16, chunkFrames*m.config.Channels)

	stream, err := m.openStream(in)
	if err != nil {
		return 0, 0, 0, err
	}
	defer stream.Close()

	if err = stream.Start(); err != nil {
		return 0, 0, 0, fmt.Errorf("start stream: %w", err)
	}
	defer stream.Stop()

	total := int(duration / (time.Duration(m.config.ChunkDurationMs) * time.Millisecond))
	if total < 1 {
		total = 1
	}

	var sum float64
	for i := 0; i < total; i++ {
		if err = ctx.Err(); err != nil {
			return 0, 0, 0, err
		}
		if err = stream.Read(); err != nil {
			return 0, 0, 0, fmt.Errorf("read stream: %w", err)
		}

		rms := RMS(in)
		sum += rms
		if rms > peak {
			peak = rms
		}
		chunks++
	}

	return chunks, peak, sum / float64(chunks), nil
}

// pcmBytes encodes samples as 16-bit little-endian PCM
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
