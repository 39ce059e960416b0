// Package resilience guards calls to optional remote sinks so a slow or
// failing sink cannot stall ownership notifications.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"jmxcluster/pkg/metrics"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of trial successes that closes it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before letting trial calls through.
	Cooldown time.Duration
	// MaxTrials bounds concurrent calls while half-open.
	MaxTrials int
	// CallTimeout bounds each call, 0 leaves the caller's deadline alone.
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxTrials:        1,
		CallTimeout:      2 * time.Second,
	}
}

// Breaker is a circuit breaker around one sink. Its state is exported as
// the sink's circuit_state gauge.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time
	now       func() time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxTrials <= 0 {
		cfg.MaxTrials = 1
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	metrics.CircuitState.WithLabelValues(name).Set(float64(Closed))
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. Cancellation of ctx by the caller
// is not counted as a sink failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allow(); err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	b.record(err != nil && ctx.Err() == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.setState(HalfOpen)
		b.trials = 0
		b.successes = 0
		fallthrough
	case HalfOpen:
		if b.trials >= b.cfg.MaxTrials {
			return ErrOpen
		}
		b.trials++
	}
	return nil
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trials--
		if failed {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(Closed)
			b.failures = 0
		}
		return
	}

	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == Closed && b.failures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.setState(Open)
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.trials = 0
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(s))
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(Closed)
	b.failures = 0
	b.successes = 0
	b.trials = 0
}
