// Package wake provides wake-word gating of recognized transcripts.
package wake

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

// Leading filler tolerated before a trigger phrase. An utterance like
// "um, hey claude do it" still arms the gate.
var leadingFiller = map[string]struct{}{
	"um": {}, "uh": {}, "uhh": {}, "umm": {},
	"er": {}, "ah": {}, "hmm": {},
	"ok": {}, "okay": {}, "so": {}, "well": {}, "please": {},
}

// maxLeadingFiller bounds how many filler words may precede the trigger.
const maxLeadingFiller = 2

// Mode selects the gating behavior.
type Mode string

const (
	// ModeContinuous admits every transcript unchanged.
	ModeContinuous Mode = "continuous"
	// ModeWakeWord admits only transcripts that begin with a trigger phrase.
	ModeWakeWord Mode = "wake_word"
)

// ValidMode reports whether m is a recognized mode.
func ValidMode(m Mode) bool {
	return m == ModeContinuous || m == ModeWakeWord
}

// Result describes the outcome of gating one transcript.
type Result struct {
	// Emit is true when the transcript should advance to command emission.
	Emit bool
	// Text is the transcript with the trigger phrase stripped. Empty with
	// Emit=true means the utterance was exactly a trigger phrase; the
	// caller should acknowledge but not queue a command.
	Text string
	// Trigger is the phrase that matched, empty in continuous mode.
	Trigger string
}

// Config holds gate configuration.
type Config struct {
	// Phrases are the trigger phrases, matched case-insensitively with
	// punctuation and whitespace normalized.
	Phrases []string `json:"phrases"`
	// Window keeps the gate open for this long after a trigger, admitting
	// follow-up commands without a fresh trigger. Zero means
	// trigger-per-utterance: every command needs its own trigger.
	Window time.Duration `json:"window"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Phrases: []string{"hey claude", "claude"},
		Window:  0,
	}
}

// Gate filters transcripts by trigger phrase. Safe for concurrent use.
type Gate struct {
	mu       sync.RWMutex
	phrases  [][]string // normalized word sequences, longest first
	window   time.Duration
	openedAt time.Time
	now      func() time.Time
}

// New creates a Gate with the given config.
func New(cfg *Config) *Gate {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	g := &Gate{
		window: cfg.Window,
		now:    time.Now,
	}
	g.setPhrases(cfg.Phrases)
	return g
}

// SetPhrases replaces the trigger phrase set.
func (g *Gate) SetPhrases(phrases []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setPhrases(phrases)
}

func (g *Gate) setPhrases(phrases []string) {
	normalized := make([][]string, 0, len(phrases))
	for _, p := range phrases {
		words := normalizeWords(p)
		if len(words) > 0 {
			normalized = append(normalized, words)
		}
	}
	// Longest phrase first, so a short alias never truncates a longer
	// phrase that contains it.
	for i := 1; i < len(normalized); i++ {
		for j := i; j > 0 && len(normalized[j]) > len(normalized[j-1]); j-- {
			normalized[j], normalized[j-1] = normalized[j-1], normalized[j]
		}
	}
	g.phrases = normalized
}

// Phrases returns the configured trigger phrases, normalized.
func (g *Gate) Phrases() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, len(g.phrases))
	for i, words := range g.phrases {
		out[i] = strings.Join(words, " ")
	}
	return out
}

// Admit decides whether a transcript passes the gate in the given mode.
// In continuous mode every transcript is admitted unchanged. In wake-word
// mode the transcript must begin with a trigger phrase (a couple of filler
// words before it are tolerated); the trigger is stripped from the
// returned text. Ties resolve to the longest matching phrase.
func (g *Gate) Admit(mode Mode, transcript string) Result {
	if mode == ModeContinuous {
		return Result{Emit: true, Text: strings.TrimSpace(transcript)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Tokens that are pure punctuation normalize to "" and are dropped
	// so they cannot block a prefix match.
	var rawWords, norm []string
	for _, w := range strings.Fields(transcript) {
		if n := normalizeWord(w); n != "" {
			rawWords = append(rawWords, w)
			norm = append(norm, n)
		}
	}

	for _, phrase := range g.phrases {
		for skip := 0; skip <= maxLeadingFiller && skip+len(phrase) <= len(norm); skip++ {
			if skip > 0 {
				if _, ok := leadingFiller[norm[skip-1]]; !ok {
					break
				}
			}
			if matchAt(norm, phrase, skip) {
				if g.window > 0 {
					g.openedAt = g.now()
				}
				rest := strings.Join(rawWords[skip+len(phrase):], " ")
				return Result{
					Emit:    true,
					Text:    rest,
					Trigger: strings.Join(phrase, " "),
				}
			}
		}
	}

	// No trigger, but a prior trigger may have opened a command window.
	// Each admitted command keeps the window open.
	if g.window > 0 && !g.openedAt.IsZero() && g.now().Sub(g.openedAt) <= g.window {
		g.openedAt = g.now()
		return Result{Emit: true, Text: strings.TrimSpace(transcript)}
	}

	return Result{}
}

// matchAt reports whether phrase occurs in words starting at offset.
func matchAt(words, phrase []string, offset int) bool {
	for i, pw := range phrase {
		if words[offset+i] != pw {
			return false
		}
	}
	return true
}

// normalizeWords lowercases, strips punctuation, and splits on whitespace.
func normalizeWords(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if w := normalizeWord(f); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// normalizeWord strips surrounding punctuation and lowercases.
func normalizeWord(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return strings.ToLower(s)
}
