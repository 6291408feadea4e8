// Package session owns the listening lifecycle and the capture loop
// that turns microphone audio into queued commands.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/audio"
	"github.com/normanking/cortexvoice/internal/queue"
	"github.com/normanking/cortexvoice/internal/stt"
	"github.com/normanking/cortexvoice/internal/wake"
)

// Common errors
var (
	ErrAlreadyListening = errors.New("session already listening")
	ErrInvalidMode      = errors.New("invalid listening mode")
)

// State is the session lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateStopping  State = "stopping"
)

// Recognizer is the recognition entry point the capture loop depends
// on. The stt.Selector implements it.
type Recognizer interface {
	Recognize(ctx context.Context, req *stt.TranscribeRequest) (*stt.Recognition, error)
	Health() []stt.HealthSnapshot
}

// Status is a point-in-time snapshot, readable from any state.
type Status struct {
	State         State                `json:"state"`
	Mode          wake.Mode            `json:"mode,omitempty"`
	SessionID     string               `json:"session_id,omitempty"`
	StartedAt     time.Time            `json:"started_at,omitempty"`
	StoppedAt     time.Time            `json:"stopped_at,omitempty"`
	QueueDepth    int                  `json:"queue_depth"`
	Dropped       uint64               `json:"dropped"`
	LastSequence  uint64               `json:"last_sequence"`
	BackendHealth []stt.HealthSnapshot `json:"backend_health"`
}

// Session runs at most one capture loop at a time. It is the only
// writer into its command queue.
type Session struct {
	source     audio.Source
	recognizer Recognizer
	filter     *stt.Filter
	gate       *wake.Gate
	queue      *queue.Queue
	logger     zerolog.Logger

	mu        sync.Mutex
	state     State
	mode      wake.Mode
	id        string
	startedAt time.Time
	stoppedAt time.Time
	cancel    context.CancelFunc
	doneCh    chan struct{}
}

// New creates an idle session
func New(logger zerolog.Logger, source audio.Source, recognizer Recognizer, filter *stt.Filter, gate *wake.Gate, q *queue.Queue) *Session {
	return &Session{
		source:     source,
		recognizer: recognizer,
		filter:     filter,
		gate:       gate,
		queue:      q,
		logger:     logger.With().Str("component", "session").Logger(),
		state:      StateIdle,
	}
}

// Queue exposes the session's command queue to the consumer side
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// Start spawns the capture loop. Only valid from idle; callers must
// check status first or handle ErrAlreadyListening.
func (s *Session) Start(mode wake.Mode) (string, error) {
	if !wake.ValidMode(mode) {
		return "", ErrInvalidMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return "", ErrAlreadyListening
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.state = StateListening
	s.mode = mode
	s.id = uuid.NewString()
	s.startedAt = time.Now()
	s.stoppedAt = time.Time{}
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	s.logger.Info().Str("sessionId", s.id).Str("mode", string(mode)).Msg("Listening started")
	go s.run(ctx, mode, s.doneCh)

	return s.id, nil
}

// Stop requests a cooperative shutdown and blocks until the capture
// loop has exited. The in-flight recognition attempt is allowed to
// finish; audio acquisition is interrupted. Returns false when the
// session was already idle.
func (s *Session) Stop() bool {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return false
	case StateStopping:
		done := s.doneCh
		s.mu.Unlock()
		<-done
		return true
	}

	s.state = StateStopping
	done := s.doneCh
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info().Msg("Stop requested")
	cancel()
	<-done
	return true
}

// Status returns a snapshot including queue depth and backend health
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:     s.state,
		Mode:      s.mode,
		SessionID: s.id,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
	}
	s.mu.Unlock()

	st.QueueDepth = s.queue.Depth()
	st.Dropped = s.queue.Dropped()
	st.LastSequence = s.queue.LastSequence()
	st.BackendHealth = s.recognizer.Health()
	return st
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run is the capture loop. One iteration: acquire a segment, recognize
// it, filter and gate the transcript, enqueue the command. Exits when
// ctx is cancelled; recognition itself runs on a background context so
// an outstanding backend call is never interrupted mid-flight.
func (s *Session) run(ctx context.Context, mode wake.Mode, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.stoppedAt = time.Now()
		s.mu.Unlock()
		close(done)
		s.logger.Info().Msg("Listening stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		segment, err := s.source.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, audio.ErrNoSpeech) {
				continue
			}
			s.logger.Warn().Err(err).Msg("Capture failed")
			// Avoid spinning when the device keeps erroring
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if segment == nil || len(segment.PCM) == 0 {
			continue
		}

		rec, err := s.recognizer.Recognize(context.Background(), &stt.TranscribeRequest{
			Audio:      segment.PCM,
			Format:     "pcm",
			SampleRate: segment.SampleRate,
			Channels:   segment.Channels,
		})
		if err != nil {
			if errors.Is(err, stt.ErrNoBackendAvailable) {
				s.logger.Warn().Msg("No recognition backend available, dropping segment")
			} else {
				s.logger.Warn().Err(err).Msg("Recognition failed")
			}
			continue
		}

		text := rec.Text
		if s.filter != nil {
			cleaned, _ := s.filter.Clean(text)
			if cleaned != text {
				s.logger.Debug().Str("raw", text).Str("cleaned", cleaned).Msg("Filler removed")
			}
			text = cleaned
		}
		if text == "" {
			continue
		}

		result := s.gate.Admit(mode, text)
		if !result.Emit {
			s.logger.Debug().Str("text", text).Msg("No trigger phrase, discarded")
			continue
		}
		if result.Text == "" {
			// Bare trigger, acknowledge but do not queue
			s.logger.Info().Str("trigger", result.Trigger).Msg("Wake word acknowledged")
			continue
		}

		cmd, err := s.queue.Enqueue(queue.Command{
			Text:       result.Text,
			Confidence: rec.Confidence,
			Backend:    rec.Backend,
			Timestamp:  time.Now(),
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("text", result.Text).Msg("Command rejected by queue")
			continue
		}

		s.logger.Info().
			Uint64("seq", cmd.Sequence).
			Str("backend", cmd.Backend).
			Float64("confidence", cmd.Confidence).
			Str("text", cmd.Text).
			Msg("Command queued")
	}
}
