// Package logging provides structured logging with file and console
// output. The console writer goes to stderr; stdout is reserved for
// the MCP JSON-RPC stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Dir        string // Directory for log files (default: ~/.cortexvoice/logs)
	Level      string // Minimum log level (default: info)
	ToFile     bool   // Also write a date-named log file
	Console    bool   // Human-readable output on stderr (default: true)
	MaxHistory int    // Entries kept in memory for get_status diagnostics
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Dir:        filepath.Join(home, ".cortexvoice", "logs"),
		Level:      "info",
		ToFile:     true,
		Console:    true,
		MaxHistory: 500,
	}
}

// Logger wraps zerolog with file output and an in-memory history ring
type Logger struct {
	zerolog.Logger

	file    *os.File
	path    string
	history *historyRing
}

// New creates a Logger per the config
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	history := &historyRing{max: cfg.MaxHistory}
	writers := []io.Writer{history}

	l := &Logger{history: history}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	if cfg.ToFile {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		name := fmt.Sprintf("cortexvoice_%s.log", time.Now().Format("2006-01-02"))
		path := filepath.Join(cfg.Dir, name)

		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		l.path = path
		writers = append(writers, file)
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l.Logger = zerolog.New(io.MultiWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("app", "cortexvoice").
		Logger()

	return l, nil
}

// Path returns the active log file path, empty when file output is off
func (l *Logger) Path() string {
	return l.path
}

// History returns up to limit recent log lines, newest last
func (l *Logger) History(limit int) []string {
	return l.history.recent(limit)
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// historyRing keeps the last N raw log lines in memory
type historyRing struct {
	mu      sync.Mutex
	entries []string
	max     int
}

func (r *historyRing) Write(p []byte) (int, error) {
	if r.max <= 0 {
		return len(p), nil
	}

	r.mu.Lock()
	r.entries = append(r.entries, string(p))
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
	r.mu.Unlock()
	return len(p), nil
}

func (r *historyRing) recent(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}

	out := make([]string, limit)
	copy(out, r.entries[len(r.entries)-limit:])
	return out
}
