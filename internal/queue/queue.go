// Package queue provides the bounded, ordered command buffer between the
// capture loop and the tool-call consumer.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrQueueFull   = errors.New("command queue full")
	ErrQueueClosed = errors.New("command queue closed")
)

// OverflowPolicy controls what happens when the queue is at capacity.
type OverflowPolicy string

const (
	// DropOldest evicts the lowest-sequence command to make room.
	// A live voice interface favors freshness over completeness.
	DropOldest OverflowPolicy = "drop_oldest"
	// RejectNewest refuses the incoming command and leaves the queue unchanged.
	RejectNewest OverflowPolicy = "reject_newest"
)

// ValidPolicy reports whether p is a recognized overflow policy.
func ValidPolicy(p OverflowPolicy) bool {
	return p == DropOldest || p == RejectNewest
}

// Command is a recognized utterance ready for delivery. Immutable once
// enqueued; Sequence is assigned by the queue and never reused.
type Command struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Backend    string    `json:"backend"`
	Timestamp  time.Time `json:"timestamp"`
	Sequence   uint64    `json:"sequence"`
}

// Queue is a thread-safe bounded FIFO of Commands. Consumers observe
// commands in strictly increasing Sequence order; evicted commands are
// never delivered.
type Queue struct {
	mu       sync.Mutex
	items    []Command
	capacity int
	policy   OverflowPolicy
	nextSeq  uint64
	dropped  uint64
	closed   bool
	wakeup   chan struct{}
	logger   zerolog.Logger
}

// Config holds queue configuration.
type Config struct {
	Capacity int            `json:"capacity"`
	Policy   OverflowPolicy `json:"policy"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Capacity: 50,
		Policy:   DropOldest,
	}
}

// New creates a Queue with the given config.
func New(cfg *Config, logger zerolog.Logger) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultConfig().Capacity
	}
	policy := cfg.Policy
	if !ValidPolicy(policy) {
		policy = DropOldest
	}

	return &Queue{
		items:    make([]Command, 0, capacity),
		capacity: capacity,
		policy:   policy,
		wakeup:   make(chan struct{}, 1),
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue assigns the next sequence number to cmd and appends it. At
// capacity the configured overflow policy applies; under DropOldest the
// lowest-sequence command is evicted, under RejectNewest ErrQueueFull is
// returned and the queue is unchanged (no sequence number is consumed).
func (q *Queue) Enqueue(cmd Command) (Command, error) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return Command{}, ErrQueueClosed
	}

	if len(q.items) >= q.capacity {
		if q.policy == RejectNewest {
			q.mu.Unlock()
			q.logger.Warn().Str("text", cmd.Text).Msg("Queue full, command rejected")
			return Command{}, ErrQueueFull
		}
		evicted := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		q.logger.Warn().
			Uint64("evictedSeq", evicted.Sequence).
			Str("evictedText", evicted.Text).
			Msg("Queue full, oldest command dropped")
	}

	q.nextSeq++
	cmd.Sequence = q.nextSeq
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	q.notify()
	return cmd, nil
}

// Dequeue blocks until a command is available or the timeout elapses.
// Returns false on timeout or context cancellation, never an error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Command, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Pass the wakeup along so other blocked consumers
				// see the remaining commands.
				q.notify()
			}
			return cmd, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Command{}, false
		}

		select {
		case <-q.wakeup:
			// Re-check under lock; another consumer may have won the race.
		case <-deadline.C:
			return Command{}, false
		case <-ctx.Done():
			return Command{}, false
		}
	}
}

// PeekAll returns a copy of the pending commands without removing them.
func (q *Queue) PeekAll() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Command, len(q.items))
	copy(out, q.items)
	return out
}

// Clear drops all pending commands and returns how many were removed.
// The sequence counter is NOT reset; monotonicity survives clears.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = q.items[:0]
	if n > 0 {
		q.logger.Debug().Int("cleared", n).Msg("Queue cleared")
	}
	return n
}

// Depth returns the number of pending commands.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many commands have been evicted by overflow so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// LastSequence returns the most recently assigned sequence number.
func (q *Queue) LastSequence() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextSeq
}

// Close wakes all blocked consumers and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.wakeup)
	q.mu.Unlock()
}

// notify wakes one blocked consumer without blocking the producer.
// Held under the lock so the send cannot race a concurrent Close.
func (q *Queue) notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}
