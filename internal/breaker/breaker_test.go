package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func newTestBreaker(threshold uint32, cooldown time.Duration) *Breaker {
	return New(Settings{Name: "test", Threshold: threshold, Window: time.Minute, Cooldown: cooldown})
}

type counter struct{ calls int }

func (c *counter) fail(ctx context.Context) (string, error) {
	c.calls++
	return "", errUpstream
}

func (c *counter) ok(ctx context.Context) (string, error) {
	c.calls++
	return "ok", nil
}

func TestBreaker_OpensAtThresholdAndFailsFast(t *testing.T) {
	b := newTestBreaker(3, time.Hour)
	ctx := context.Background()
	c := &counter{}

	for i := 0; i < 3; i++ {
		_, err := Call(ctx, b, c.fail)
		assert.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, c.calls)

	for i := 0; i < 5; i++ {
		_, err := Call(ctx, b, c.ok)
		assert.ErrorIs(t, err, ErrOpen)
	}
	assert.Equal(t, 3, c.calls, "no external call while open")

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	require.NotNil(t, snap.OpenedAt)
	assert.Greater(t, b.RetryAfter(), 59*time.Minute)
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Hour)
	ctx := context.Background()
	c := &counter{}

	for i := 0; i < 2; i++ {
		_, _ = Call(ctx, b, c.fail)
	}
	out, err := Call(ctx, b, c.ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.RetryAfter())
	assert.Equal(t, uint32(2), b.Snapshot().FailureCount)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)
	ctx := context.Background()
	c := &counter{}

	_, _ = Call(ctx, b, c.fail)
	_, _ = Call(ctx, b, c.fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	out, err := Call(ctx, b, c.ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Nil(t, snap.OpenedAt)
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)
	ctx := context.Background()
	c := &counter{}

	_, _ = Call(ctx, b, c.fail)
	_, _ = Call(ctx, b, c.fail)
	firstOpen := *b.Snapshot().OpenedAt

	time.Sleep(80 * time.Millisecond)
	_, err := Call(ctx, b, c.fail)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.Snapshot().OpenedAt.After(firstOpen), "cool-down restarted")

	_, err = Call(ctx, b, c.ok)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := newTestBreaker(1, time.Hour)

	_, err := Call(context.Background(), b, func(ctx context.Context) (string, error) {
		return "", context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().FailureCount)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &counter{}
	_, err = Call(ctx, b, c.ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.calls)
}

func TestBreaker_CancelledProbeDoesNotClose(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	ctx := context.Background()
	c := &counter{}

	_, _ = Call(ctx, b, c.fail)
	require.Equal(t, StateOpen, b.State())
	firstOpen := *b.Snapshot().OpenedAt

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := Call(ctx, b, func(ctx context.Context) (string, error) {
		return "", context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.Snapshot().OpenedAt.After(firstOpen), "cool-down restarted")

	_, err = Call(ctx, b, c.ok)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 1, c.calls)

	time.Sleep(80 * time.Millisecond)
	out, err := Call(ctx, b, c.ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(Settings{Name: "window", Threshold: 3, Window: time.Minute, Cooldown: time.Hour})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	c := &counter{}

	// Two failures just before a minute boundary and one just after still
	// fall inside one window.
	now = now.Add(50 * time.Second)
	_, _ = Call(ctx, b, c.fail)
	_, _ = Call(ctx, b, c.fail)
	now = now.Add(20 * time.Second)
	_, _ = Call(ctx, b, c.fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SlidingWindowForgetsOldFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(Settings{Name: "window", Threshold: 3, Window: time.Minute, Cooldown: time.Hour})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	c := &counter{}

	_, _ = Call(ctx, b, c.fail)
	_, _ = Call(ctx, b, c.fail)
	now = now.Add(61 * time.Second)
	_, _ = Call(ctx, b, c.fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Snapshot().FailureCount)

	now = now.Add(10 * time.Second)
	_, _ = Call(ctx, b, c.fail)
	_, _ = Call(ctx, b, c.fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var transitions []State
	b := New(Settings{
		Name:      "hook",
		Threshold: 1,
		Cooldown:  time.Hour,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, to)
		},
	})

	_, _ = Call(context.Background(), b, (&counter{}).fail)
	assert.Equal(t, []State{StateOpen}, transitions)
}
