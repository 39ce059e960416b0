package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmxcluster/pkg/metrics"
)

var errSink = errors.New("sink down")

func fail(context.Context) error { return errSink }
func ok(context.Context) error { return nil }

// fakeClock lets tests move past the cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := New(t.Name(), cfg)
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	require.ErrorIs(t, b.Do(ctx, fail), errSink)
	require.ErrorIs(t, b.Do(ctx, fail), errSink)
	// a success resets the count
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, Closed, b.State())

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errSink)
	}
	assert.Equal(t, Open, b.State())
	assert.Equal(t, float64(Open), testutil.ToFloat64(metrics.CircuitState.WithLabelValues(b.Name())))

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second, MaxTrials: 1})
	ctx := context.Background()

	require.ErrorIs(t, b.Do(ctx, fail), errSink)
	require.Equal(t, Open, b.State())

	clock.add(time.Second)
	assert.Equal(t, HalfOpen, b.State())

	// a failed trial reopens
	require.ErrorIs(t, b.Do(ctx, fail), errSink)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Do(ctx, ok), ErrOpen)

	clock.add(time.Second)
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenLimitsTrials(t *testing.T) {
	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second, MaxTrials: 1})
	ctx := context.Background()

	require.ErrorIs(t, b.Do(ctx, fail), errSink)
	clock.add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Do(ctx, ok), ErrOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_CallTimeout(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Minute, CallTimeout: 20 * time.Millisecond})

	err := b.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Do(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())

	// an already cancelled context never reaches the sink
	assert.ErrorIs(t, b.Do(ctx, ok), context.Canceled)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Minute})
	require.ErrorIs(t, b.Do(context.Background(), fail), errSink)
	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, "closed", b.State().String())
}
