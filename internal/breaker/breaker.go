// Package breaker guards calls to the external generation service.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned without calling the guarded function while the
// circuit is open, or while a half-open probe is already in flight.
var ErrOpen = errors.New("circuit open")

// State is the breaker state as reported to operators.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Settings configures a Breaker.
type Settings struct {
	Name string

	// Threshold is the number of failures within Window that opens the circuit.
	Threshold uint32

	// Window is the sliding failure-counting window. Zero counts every
	// failure since the circuit last closed.
	Window time.Duration

	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration

	// OnStateChange is called after every transition.
	OnStateChange func(from, to State)

	Logger *slog.Logger
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State               State         `json:"state"`
	FailureCount        uint32        `json:"failure_count"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	RetryAfter          time.Duration `json:"retry_after"`
}

// Breaker is a three-state circuit breaker. One instance is shared by every
// caller of the same external service.
type Breaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	window   time.Duration
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	openedAt time.Time
	failures []time.Time
}

// New creates a closed breaker.
func New(s Settings) *Breaker {
	if s.Threshold == 0 {
		s.Threshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	b := &Breaker{window: s.Window, cooldown: s.Cooldown, logger: s.Logger, now: time.Now}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return b.windowFailures() >= s.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				b.openedAt = time.Now()
			case gobreaker.StateClosed:
				b.failures = nil
			}
			b.mu.Unlock()
			b.logger.Warn("circuit state changed", "breaker", name, "from", fromGobreaker(from), "to", fromGobreaker(to))
			if s.OnStateChange != nil {
				s.OnStateChange(fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return b
}

// Call runs fn through the breaker. A caller whose context is already done
// gets ctx.Err() without touching the counters.
//
// A call that ends in context.Canceled is neither a success nor a failure.
// If it was the half-open probe, the circuit reopens for another cool-down.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrOpen
		}
		return zero, err
	}
	probe := b.cb.State() == gobreaker.StateHalfOpen

	out, err := fn(ctx)
	switch {
	case err == nil:
		done(true)
	case errors.Is(err, context.Canceled):
		if probe {
			b.logger.Info("circuit probe abandoned by caller, reopening", "breaker", b.cb.Name())
			done(false)
		}
	default:
		b.recordFailure()
		done(false)
	}
	return out, err
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, b.now())
}

// windowFailures prunes failures older than the window and counts the rest.
func (b *Breaker) windowFailures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.window > 0 {
		cutoff := b.now().Add(-b.window)
		i := 0
		for i < len(b.failures) && !b.failures[i].After(cutoff) {
			i++
		}
		b.failures = b.failures[i:]
	}
	return uint32(len(b.failures))
}

// State returns the current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// RetryAfter returns the remaining cool-down while open, zero otherwise.
func (b *Breaker) RetryAfter() time.Duration {
	if b.cb.State() != gobreaker.StateOpen {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := time.Until(b.openedAt.Add(b.cooldown))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns the current state and counters. FailureCount is the
// number of failures inside the window.
func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	snap := Snapshot{
		State:               b.State(),
		FailureCount:        b.windowFailures(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		RetryAfter:          b.RetryAfter(),
	}
	if snap.State != StateClosed {
		b.mu.Lock()
		opened := b.openedAt
		b.mu.Unlock()
		snap.OpenedAt = &opened
	}
	return snap
}
