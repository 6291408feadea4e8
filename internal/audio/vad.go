package audio

import (
	"math"
	"sync"
	"time"
)

// VAD segments speech from silence using smoothed RMS energy.
type VAD struct {
	mu     sync.Mutex
	config *VADConfig

	active     bool
	lastActive time.Time

	history    []float64
	historyIdx int

	now func() time.Time
}

// VADConfig holds voice activity detection configuration
type VADConfig struct {
	Threshold       float64 `json:"threshold"`        // Smoothed RMS above this counts as speech
	SmoothingFrames int     `json:"smoothing_frames"` // Frames averaged before comparing, default 5
	HangoverMs      int     `json:"hangover_ms"`      // Silence tolerated inside an utterance
	MinSpeechMs     int     `json:"min_speech_ms"`    // Shorter bursts are treated as noise
}

// DefaultVADConfig returns sensible defaults
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		Threshold:       0.012,
		SmoothingFrames: 5,
		HangoverMs:      600,
		MinSpeechMs:     250,
	}
}

// VADResult is the per-chunk detection outcome
type VADResult struct {
	IsSpeech bool    `json:"is_speech"`
	RMS      float64 `json:"rms"`
}

// NewVAD creates a detector with the given config
func NewVAD(config *VADConfig) *VAD {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.SmoothingFrames <= 0 {
		config.SmoothingFrames = 1
	}

	return &VAD{
		config:  config,
		history: make([]float64, config.SmoothingFrames),
		now:     time.Now,
	}
}

// Process classifies one chunk of samples. The hangover keeps an
// utterance open across short pauses between words.
func (v *VAD) Process(samples []int16) VADResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	rms := RMS(samples)

	v.history[v.historyIdx] = rms
	v.historyIdx = (v.historyIdx + 1) % len(v.history)

	var sum float64
	for _, e := range v.history {
		sum += e
	}
	smoothed := sum / float64(len(v.history))

	isSpeech := smoothed >= v.config.Threshold

	if isSpeech {
		v.active = true
		v.lastActive = v.now()
	} else if v.active {
		silence := v.now().Sub(v.lastActive)
		if silence > time.Duration(v.config.HangoverMs)*time.Millisecond {
			v.active = false
		} else {
			isSpeech = true
		}
	}

	return VADResult{
		IsSpeech: isSpeech,
		RMS:      smoothed,
	}
}

// Active reports whether an utterance is currently open
func (v *VAD) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// Threshold returns the current detection threshold
func (v *VAD) Threshold() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.config.Threshold
}

// MinSpeech returns the shortest utterance worth keeping
func (v *VAD) MinSpeech() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return time.Duration(v.config.MinSpeechMs) * time.Millisecond
}

// SetThreshold replaces the detection threshold. Used after
// calibration and on config reload.
func (v *VAD) SetThreshold(threshold float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.config.Threshold = threshold
}

// Reset clears smoothing history and segment state
func (v *VAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = false
	v.historyIdx = 0
	for i := range v.history {
		v.history[i] = 0
	}
}

// RMS computes root mean square energy of 16-bit samples,
// normalized to 0..1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}
