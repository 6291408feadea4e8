package stt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SelectorConfig holds fallback and circuit-breaker policy.
type SelectorConfig struct {
	// MinConfidence is the floor below which a transcript counts as a
	// backend failure.
	MinConfidence float64 `json:"min_confidence"`
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold int `json:"failure_threshold"`
	// BaseCooldown is the first breaker cooldown; it doubles per
	// consecutive trip up to MaxCooldown.
	BaseCooldown time.Duration `json:"base_cooldown"`
	MaxCooldown  time.Duration `json:"max_cooldown"`
	// AttemptTimeout bounds each backend call so cooperative session stop
	// can never hang on an outstanding request.
	AttemptTimeout time.Duration `json:"attempt_timeout"`
}

// DefaultSelectorConfig returns sensible defaults
func DefaultSelectorConfig() *SelectorConfig {
	return &SelectorConfig{
		MinConfidence:    0.4,
		FailureThreshold: 3,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      2 * time.Minute,
		AttemptTimeout:   20 * time.Second,
	}
}

// HealthSnapshot is a read-only view of one backend's health.
type HealthSnapshot struct {
	Backend             string    `json:"backend"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	DisabledUntil       time.Time `json:"disabled_until,omitempty"`
	Disabled            bool      `json:"disabled"`
}

// healthRecord tracks one backend's rolling status. Each record carries
// its own mutex; counters are read-modify-write from concurrent sessions.
type healthRecord struct {
	mu                  sync.Mutex
	consecutiveFailures int
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	disabledUntil       time.Time
	trips               int
}

// Recognition is a successful recognize-and-select result.
type Recognition struct {
	Text       string
	Confidence float64
	Backend    string
	Duration   time.Duration
}

// Selector tries backends in priority order, circuit-breaking the ones
// that keep failing. It owns all health records and is shared across
// sessions; it depends only on the Provider interface.
type Selector struct {
	providers []Provider
	health    map[string]*healthRecord
	config    *SelectorConfig
	logger    zerolog.Logger
	now       func() time.Time

	// confMu guards MinConfidence, the only config field mutable after
	// construction: the reload goroutine writes it while sessions read.
	confMu sync.RWMutex
}

// NewSelector creates a Selector over the given providers, tried in order.
func NewSelector(providers []Provider, config *SelectorConfig, logger zerolog.Logger) *Selector {
	if config == nil {
		config = DefaultSelectorConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultSelectorConfig().FailureThreshold
	}
	if config.BaseCooldown <= 0 {
		config.BaseCooldown = DefaultSelectorConfig().BaseCooldown
	}
	if config.MaxCooldown < config.BaseCooldown {
		config.MaxCooldown = config.BaseCooldown
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultSelectorConfig().AttemptTimeout
	}

	health := make(map[string]*healthRecord, len(providers))
	for _, p := range providers {
		health[p.Name()] = &healthRecord{}
	}

	return &Selector{
		providers: providers,
		health:    health,
		config:    config,
		logger:    logger.With().Str("component", "selector").Logger(),
		now:       time.Now,
	}
}

// Providers returns the backend names in priority order.
func (s *Selector) Providers() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// SetMinConfidence updates the confidence floor at runtime.
func (s *Selector) SetMinConfidence(floor float64) {
	s.confMu.Lock()
	s.config.MinConfidence = floor
	s.confMu.Unlock()
}

func (s *Selector) minConfidence() float64 {
	s.confMu.RLock()
	defer s.confMu.RUnlock()
	return s.config.MinConfidence
}

// Recognize tries each backend in priority order and returns the first
// acceptable transcript. Per-attempt failures are absorbed here; the only
// error surfaced is ErrNoBackendAvailable when every backend failed or is
// circuit-broken. Never fatal to the calling session.
func (s *Selector) Recognize(ctx context.Context, req *TranscribeRequest) (*Recognition, error) {
	for _, provider := range s.providers {
		name := provider.Name()
		rec := s.health[name]

		if until, disabled := s.disabledUntil(rec); disabled {
			s.logger.Debug().
				Str("backend", name).
				Time("disabledUntil", until).
				Msg("Skipping circuit-broken backend")
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
		resp, err := provider.Transcribe(attemptCtx, req)
		cancel()

		if err == nil && resp != nil {
			text := strings.TrimSpace(resp.Text)
			switch {
			case text == "":
				err = ErrTranscriptEmpty
			case resp.Confidence < s.minConfidence():
				err = ErrLowConfidence
			}
			if err == nil {
				s.recordSuccess(name, rec)
				return &Recognition{
					Text:       text,
					Confidence: resp.Confidence,
					Backend:    name,
					Duration:   resp.ProcessingTime,
				}, nil
			}
		} else if err == nil {
			err = ErrTranscriptEmpty
		}

		s.recordFailure(name, rec, err)
	}

	return nil, ErrNoBackendAvailable
}

// disabledUntil reports whether a record's breaker is currently open.
func (s *Selector) disabledUntil(rec *healthRecord) (time.Time, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.disabledUntil.After(s.now()) {
		return rec.disabledUntil, true
	}
	return time.Time{}, false
}

// recordSuccess resets the backend's failure tracking.
func (s *Selector) recordSuccess(name string, rec *healthRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.consecutiveFailures = 0
	rec.trips = 0
	rec.disabledUntil = time.Time{}
	rec.lastSuccessAt = s.now()
}

// recordFailure bumps the failure counter and trips the breaker at the
// threshold with an exponentially growing cooldown.
func (s *Selector) recordFailure(name string, rec *healthRecord, cause error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.consecutiveFailures++
	rec.lastFailureAt = s.now()

	s.logger.Warn().
		Str("backend", name).
		Int("consecutiveFailures", rec.consecutiveFailures).
		Err(cause).
		Msg("Backend attempt failed")

	if rec.consecutiveFailures < s.config.FailureThreshold {
		return
	}

	cooldown := s.config.BaseCooldown << rec.trips
	if cooldown > s.config.MaxCooldown || cooldown <= 0 {
		cooldown = s.config.MaxCooldown
	}
	rec.trips++
	rec.disabledUntil = s.now().Add(cooldown)
	rec.consecutiveFailures = 0

	s.logger.Warn().
		Str("backend", name).
		Dur("cooldown", cooldown).
		Int("trips", rec.trips).
		Msg("Backend circuit-broken")
}

// Health returns a snapshot of every backend's health, in priority order.
func (s *Selector) Health() []HealthSnapshot {
	now := s.now()
	out := make([]HealthSnapshot, 0, len(s.providers))
	for _, p := range s.providers {
		rec := s.health[p.Name()]
		rec.mu.Lock()
		out = append(out, HealthSnapshot{
			Backend:             p.Name(),
			ConsecutiveFailures: rec.consecutiveFailures,
			LastSuccessAt:       rec.lastSuccessAt,
			LastFailureAt:       rec.lastFailureAt,
			DisabledUntil:       rec.disabledUntil,
			Disabled:            rec.disabledUntil.After(now),
		})
		rec.mu.Unlock()
	}
	return out
}
