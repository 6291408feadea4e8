package stt

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultFillerWords contains hesitation sounds commonly injected by
// recognition backends. Keep this list short: words like "so" or "okay"
// carry meaning in coding commands and in wake phrases.
var DefaultFillerWords = []string{
	"um", "uh", "uhh", "umm", "er", "ah", "hmm", "mm",
}

// Filter strips filler words from transcripts before wake-word gating and
// command emission. Safe for concurrent use.
type Filter struct {
	mu      sync.RWMutex
	words   map[string]struct{}
	pattern *regexp.Regexp
}

// NewFilter creates a Filter with the given filler words.
// If words is nil, DefaultFillerWords is used.
func NewFilter(words []string) *Filter {
	if words == nil {
		words = DefaultFillerWords
	}

	f := &Filter{
		words: make(map[string]struct{}, len(words)),
	}
	for _, w := range words {
		f.words[strings.ToLower(w)] = struct{}{}
	}
	f.buildPattern()
	return f
}

// buildPattern compiles the word-boundary pattern for the current set.
func (f *Filter) buildPattern() {
	if len(f.words) == 0 {
		f.pattern = nil
		return
	}

	patterns := make([]string, 0, len(f.words))
	for w := range f.words {
		patterns = append(patterns, `\b`+regexp.QuoteMeta(w)+`\b`)
	}
	f.pattern = regexp.MustCompile(`(?i)(` + strings.Join(patterns, `|`) + `)`)
}

// SetWords replaces the filler word set.
func (f *Filter) SetWords(words []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.words = make(map[string]struct{}, len(words))
	for _, w := range words {
		f.words[strings.ToLower(w)] = struct{}{}
	}
	f.buildPattern()
}

// Words returns the current filler word set.
func (f *Filter) Words() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.words))
	for w := range f.words {
		out = append(out, w)
	}
	return out
}

// Clean removes filler words and normalizes whitespace. The second return
// is false when nothing meaningful remains.
func (f *Filter) Clean(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}

	f.mu.RLock()
	pattern := f.pattern
	f.mu.RUnlock()

	cleaned := text
	if pattern != nil {
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	return cleaned, cleaned != ""
}
