package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func loudChunk(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return samples
}

func TestRMS(t *testing.T) {
	t.Run("silence is zero", func(t *testing.T) {
		assert.Equal(t, 0.0, RMS(make([]int16, 160)))
	})

	t.Run("empty is zero", func(t *testing.T) {
		assert.Equal(t, 0.0, RMS(nil))
	})

	t.Run("constant amplitude", func(t *testing.T) {
		samples := make([]int16, 160)
		for i := range samples {
			samples[i] = 16384
		}
		assert.InDelta(t, 0.5, RMS(samples), 0.001)
	})
}

func TestVAD_Process(t *testing.T) {
	t.Run("silence stays inactive", func(t *testing.T) {
		vad := NewVAD(nil)

		for i := 0; i < 10; i++ {
			result := vad.Process(make([]int16, 1600))
			assert.False(t, result.IsSpeech)
		}
		assert.False(t, vad.Active())
	})

	t.Run("loud audio activates after smoothing fills", func(t *testing.T) {
		vad := NewVAD(&VADConfig{
			Threshold:       0.01,
			SmoothingFrames: 3,
			HangoverMs:      500,
			MinSpeechMs:     250,
		})

		var sawSpeech bool
		for i := 0; i < 5; i++ {
			if vad.Process(loudChunk(1600)).IsSpeech {
				sawSpeech = true
			}
		}
		assert.True(t, sawSpeech)
		assert.True(t, vad.Active())
	})

	t.Run("hangover bridges short pauses", func(t *testing.T) {
		clock := time.Now()
		vad := NewVAD(&VADConfig{
			Threshold:       0.01,
			SmoothingFrames: 1,
			HangoverMs:      500,
			MinSpeechMs:     250,
		})
		vad.now = func() time.Time { return clock }

		assert.True(t, vad.Process(loudChunk(1600)).IsSpeech)

		// 200ms of silence, still inside the hangover
		clock = clock.Add(200 * time.Millisecond)
		assert.True(t, vad.Process(make([]int16, 1600)).IsSpeech)

		// 700ms total silence, hangover expired
		clock = clock.Add(500 * time.Millisecond)
		assert.False(t, vad.Process(make([]int16, 1600)).IsSpeech)
		assert.False(t, vad.Active())
	})

	t.Run("reset clears state", func(t *testing.T) {
		vad := NewVAD(&VADConfig{Threshold: 0.01, SmoothingFrames: 1, HangoverMs: 500, MinSpeechMs: 250})
		vad.Process(loudChunk(1600))
		assert.True(t, vad.Active())

		vad.Reset()
		assert.False(t, vad.Active())
		assert.False(t, vad.Process(make([]int16, 1600)).IsSpeech)
	})
}

func TestVAD_SetThreshold(t *testing.T) {
	vad := NewVAD(&VADConfig{Threshold: 0.5, SmoothingFrames: 1, HangoverMs: 100, MinSpeechMs: 250})

	// Quiet chunk below the high threshold
	quiet := make([]int16, 1600)
	for i := range quiet {
		quiet[i] = 1000
	}
	assert.False(t, vad.Process(quiet).IsSpeech)

	vad.SetThreshold(0.005)
	assert.InDelta(t, 0.005, vad.Threshold(), 1e-9)
	assert.True(t, vad.Process(quiet).IsSpeech)
}

func TestPCMBytes(t *testing.T) {
	out := pcmBytes([]int16{0x0102, -1})
	assert.Equal(t, []byte{0x02, 0x01, 0xFF, 0xFF}, out)
}
