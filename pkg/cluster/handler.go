package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"jmxcluster/pkg/coordination"
	"jmxcluster/pkg/metrics"
)

var tracer = otel.Tracer("jmxcluster/cluster")

// election outcomes, also used as metric labels
const (
	outcomeHeld     = "held"
	outcomeAcquired = "acquired"
	outcomeFailover = "failover"
	outcomeTimeout  = "timeout"
	outcomeDeferred = "deferred"
	outcomeYielded  = "yielded"
	outcomeError    = "error"
)

type handlerConfig struct {
	svc         coordination.Service
	layout      Layout
	worker      string
	lockTimeout time.Duration
	listener    Listener
	logger      *zap.Logger
}

// TargetHandler runs the ownership election for one target and reacts to
// changes of its config and ownership subtrees.
//
// Watch callbacks only flag work and wake the handler's own goroutine, which
// performs every coordination call for the target. This serializes the
// reactions and keeps the backend's notification goroutines free.
type TargetHandler struct {
	alias       string
	svc         coordination.Service
	layout      Layout
	worker      string
	lockTimeout time.Duration
	listener    Listener
	logger      *zap.Logger
	lock        *coordination.Lock

	mu           sync.RWMutex
	state        OwnershipState
	target       Target
	lastElection time.Time
	lastOutcome  string

	configDirty atomic.Bool
	ownerDirty  atomic.Bool
	electDirty  atomic.Bool
	lost        atomic.Bool
	invalid     atomic.Bool // affinity or config vanished after init
	wake        chan struct{}

	// owned by the handler goroutine once it runs
	watches       []coordination.Watch
	cooldownUntil time.Time
	retry         *time.Timer
	disconnected  bool

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func newTargetHandler(parent context.Context, alias string, c handlerConfig) *TargetHandler {
	ctx, cancel := context.WithCancel(parent)
	h := &TargetHandler{
		alias:       alias,
		svc:         c.svc,
		layout:      c.layout,
		worker:      c.worker,
		lockTimeout: c.lockTimeout,
		listener:    c.listener,
		logger:      c.logger.With(zap.String("target", alias)),
		lock:        coordination.NewLock(c.svc, c.layout.OwnerPath(alias)),
		state:       StateInitializing,
		target:      Target{Alias: alias},
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	metrics.SetHandlerState(alias, StateInitializing.String(), allStates)
	return h
}

func (h *TargetHandler) Alias() string {
	return h.alias
}

func (h *TargetHandler) State() OwnershipState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Target returns the last affinity and config read for this target.
func (h *TargetHandler) Target() Target {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t := h.target
	t.Config = bytes.Clone(t.Config)
	return t
}

func (h *TargetHandler) Status() TargetStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return TargetStatus{
		Alias:        h.alias,
		Affinity:     h.target.Affinity,
		State:        h.state,
		Owner:        h.state == StateOwner,
		ConfigBytes:  len(h.target.Config),
		LastElection: h.lastElection,
		LastOutcome:  h.lastOutcome,
	}
}

// Trigger requests a re-election.
func (h *TargetHandler) Trigger() {
	h.electDirty.Store(true)
	h.signal()
}

func (h *TargetHandler) connectionLost() {
	h.lost.Store(true)
	h.signal()
}

func (h *TargetHandler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// init reads the target, subscribes to its subtrees, runs the first
// election and starts the event loop. A target lacking its affinity or
// config yields ErrTargetMisconfigured and the handler stays stopped.
func (h *TargetHandler) init() error {
	t, err := h.readTarget(h.ctx)
	if err != nil {
		h.setStopped()
		return err
	}
	h.mu.Lock()
	h.target = t
	h.mu.Unlock()
	h.notifyConfig(t.Config)

	// subscribe before electing so nothing that happens during the first
	// election goes unseen
	if err := h.installWatches(); err != nil {
		h.stopWatches()
		h.setStopped()
		return err
	}

	h.setState(StateElecting)
	if err := h.elect(h.ctx); err != nil {
		h.deliveryFailed("election", err)
		h.transition(false)
	}

	h.running = true
	go h.run()
	return nil
}

func (h *TargetHandler) readTarget(ctx context.Context) (Target, error) {
	affinity, err := h.svc.GetData(ctx, h.layout.AffinityPath(h.alias))
	if errors.Is(err, coordination.ErrNoNode) {
		return Target{}, fmt.Errorf("%w: %s has no affinity node", ErrTargetMisconfigured, h.alias)
	}
	if err != nil {
		return Target{}, err
	}
	alias := strings.TrimSpace(string(affinity))
	if alias == "" {
		return Target{}, fmt.Errorf("%w: %s has an empty affinity", ErrTargetMisconfigured, h.alias)
	}

	config, err := h.svc.GetData(ctx, h.layout.ConfigPath(h.alias))
	if errors.Is(err, coordination.ErrNoNode) {
		return Target{}, fmt.Errorf("%w: %s has no config node", ErrTargetMisconfigured, h.alias)
	}
	if err != nil {
		return Target{}, err
	}
	return Target{Alias: h.alias, Affinity: alias, Config: config}, nil
}

func (h *TargetHandler) installWatches() error {
	subscriptions := []struct {
		path string
		fn   coordination.WatchFunc
	}{
		{h.layout.ConfigPath(h.alias), h.onConfigEvent},
		{h.layout.AffinityPath(h.alias), h.onConfigEvent},
		{h.layout.OwnerPath(h.alias), h.onOwnershipEvent},
		{h.layout.RequestPath(h.alias), h.onOwnershipEvent},
	}
	for _, sub := range subscriptions {
		w, err := h.svc.WatchChildren(h.ctx, sub.path, sub.fn)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", sub.path, err)
		}
		h.watches = append(h.watches, w)
	}
	return nil
}

func (h *TargetHandler) stopWatches() {
	for _, w := range h.watches {
		w.Stop()
	}
	h.watches = nil
}

func (h *TargetHandler) onConfigEvent(ev coordination.Event) {
	metrics.WatchEvents.WithLabelValues("config", ev.Type.String()).Inc()
	h.configDirty.Store(true)
	h.signal()
}

func (h *TargetHandler) onOwnershipEvent(ev coordination.Event) {
	metrics.WatchEvents.WithLabelValues("ownership", ev.Type.String()).Inc()
	h.ownerDirty.Store(true)
	h.signal()
}

func (h *TargetHandler) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.wake:
		}
		h.process()
	}
}

func (h *TargetHandler) process() {
	if h.lost.Swap(false) {
		h.disconnected = true
		h.logger.Warn("coordination connection lost, giving up ownership")
		h.transition(false)
	}
	if h.disconnected {
		h.configDirty.Store(false)
		h.ownerDirty.Store(false)
		h.electDirty.Store(false)
		return
	}

	elect := h.electDirty.Swap(false)

	if h.configDirty.Swap(false) {
		if err := h.reload(h.ctx); err != nil {
			if errors.Is(err, ErrTargetMisconfigured) {
				h.invalid.Store(true)
			}
			h.deliveryFailed("config", err)
		} else {
			h.invalid.Store(false)
			elect = true
		}
	}

	if h.ownerDirty.Swap(false) {
		if err := h.recheck(h.ctx); err != nil {
			h.deliveryFailed("ownership", err)
		} else if wait := time.Until(h.cooldownUntil); wait > 0 && !elect {
			h.retryAfter(wait)
		} else {
			elect = true
		}
	}

	if elect {
		if err := h.elect(h.ctx); err != nil {
			h.deliveryFailed("election", err)
		}
	}
}

// retryAfter re-runs the ownership reaction once the cooldown following a
// timed out acquisition has passed. A contender's own wait and give-up
// touch the owner subtree, so reacting at once would contend in a loop.
func (h *TargetHandler) retryAfter(d time.Duration) {
	if h.retry == nil {
		h.retry = time.AfterFunc(d, func() {
			h.ownerDirty.Store(true)
			h.signal()
		})
		return
	}
	h.retry.Reset(d)
}

// reload re-reads affinity and config and reports a changed config.
func (h *TargetHandler) reload(ctx context.Context) error {
	t, err := h.readTarget(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	prev := h.target
	h.target = t
	h.mu.Unlock()

	if prev.Affinity != t.Affinity {
		h.logger.Info("affinity changed", zap.String("from", prev.Affinity), zap.String("to", t.Affinity))
	}
	if !bytes.Equal(prev.Config, t.Config) {
		h.logger.Info("config changed", zap.Int("bytes", len(t.Config)))
		h.notifyConfig(t.Config)
	}
	return nil
}

// recheck reconciles the cached state with the lock's actual holder.
func (h *TargetHandler) recheck(ctx context.Context) error {
	held, err := h.lock.IsHeld(ctx)
	if err != nil {
		return err
	}
	h.transition(held)
	return nil
}

// elect runs one round of the affinity-preferred election:
//   - holding the lock already keeps ownership, unless a non-affinity owner
//     sees a live affinity worker asking for the target back;
//   - the affinity worker contends for the lock and leaves a request marker
//     when it cannot get it in time;
//   - any other worker contends only when the affinity worker's heartbeat
//     is gone.
func (h *TargetHandler) elect(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "cluster.elect", trace.WithAttributes(
		attribute.String("target", h.alias),
		attribute.String("worker", h.worker),
	))
	outcome := outcomeError
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()

		metrics.RecordElection(outcome)
		h.mu.Lock()
		h.lastElection = time.Now()
		h.lastOutcome = outcome
		h.mu.Unlock()
		h.logger.Debug("election finished", zap.String("outcome", outcome))
	}()

	affinity := h.Target().Affinity
	if affinity != h.worker {
		// a request left while this worker was the affinity is now stale
		h.withdrawRequest(ctx)
	}

	held, err := h.lock.IsHeld(ctx)
	if err != nil {
		return err
	}
	if held {
		if affinity != h.worker {
			yielded, err := h.yieldIfRequested(ctx, affinity)
			if err != nil {
				return err
			}
			if yielded {
				outcome = outcomeYielded
				h.transition(false)
				return nil
			}
		}
		outcome = outcomeHeld
		h.transition(true)
		return nil
	}

	if affinity == h.worker {
		ok, err := h.acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			outcome = outcomeAcquired
			h.transition(true)
			h.withdrawRequest(ctx)
			return nil
		}
		outcome = outcomeTimeout
		h.transition(false)
		h.requestOwnership(ctx)
		return nil
	}

	// must hit the coordination service every time, never a cached view
	alive, err := h.svc.Exists(ctx, h.layout.HeartbeatPath(affinity))
	if err != nil {
		return err
	}
	if alive {
		outcome = outcomeDeferred
		h.transition(false)
		return nil
	}

	ok, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	if ok {
		outcome = outcomeFailover
		h.logger.Info("taking over target from absent affinity worker", zap.String("affinity", affinity))
		h.transition(true)
		return nil
	}
	outcome = outcomeTimeout
	h.transition(false)
	return nil
}

// acquire makes one bounded attempt. A timeout is an expected outcome and
// is never reported as an error.
func (h *TargetHandler) acquire(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := h.lock.Acquire(ctx, h.lockTimeout)
	if err != nil {
		return false, err
	}
	metrics.RecordAcquire(ok, time.Since(start).Seconds())
	if !ok {
		h.cooldownUntil = time.Now().Add(h.lockTimeout)
		h.logger.Debug("ownership lock held elsewhere", zap.Duration("timeout", h.lockTimeout))
	}
	return ok, nil
}

// requestOwnership leaves the request marker for the current owner. The
// marker is ephemeral so it disappears with this worker. A marker left by
// any other worker predates the current affinity and is replaced.
func (h *TargetHandler) requestOwnership(ctx context.Context) {
	p := h.layout.RequestPath(h.alias)
	err := h.svc.CreateEphemeral(ctx, p, []byte(h.worker))
	if errors.Is(err, coordination.ErrNodeExists) {
		var data []byte
		data, err = h.svc.GetData(ctx, p)
		switch {
		case errors.Is(err, coordination.ErrNoNode):
			err = h.svc.CreateEphemeral(ctx, p, []byte(h.worker))
		case err != nil:
		case string(data) == h.worker:
			return
		default:
			h.logger.Info("replacing stale ownership request", zap.String("requester", string(data)))
			if err = h.svc.Delete(ctx, p); err == nil || errors.Is(err, coordination.ErrNoNode) {
				err = h.svc.CreateEphemeral(ctx, p, []byte(h.worker))
			}
		}
	}
	switch {
	case err == nil:
		h.logger.Info("lock held by another worker, requested ownership")
	case errors.Is(err, coordination.ErrNodeExists):
		h.logger.Debug("ownership request raced with another worker")
	default:
		h.logger.Warn("failed to create ownership request", zap.Error(err))
	}
}

// withdrawRequest removes this worker's request marker, if any.
func (h *TargetHandler) withdrawRequest(ctx context.Context) {
	p := h.layout.RequestPath(h.alias)
	data, err := h.svc.GetData(ctx, p)
	if err != nil {
		return
	}
	if string(data) != h.worker {
		return
	}
	if err := h.svc.Delete(ctx, p); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		h.logger.Warn("failed to remove ownership request", zap.Error(err))
	}
}

// yieldIfRequested releases the lock when the target's affinity worker is
// live and has asked for the target back.
func (h *TargetHandler) yieldIfRequested(ctx context.Context, affinity string) (bool, error) {
	data, err := h.svc.GetData(ctx, h.layout.RequestPath(h.alias))
	if errors.Is(err, coordination.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(data) != affinity {
		return false, nil
	}

	alive, err := h.svc.Exists(ctx, h.layout.HeartbeatPath(affinity))
	if err != nil || !alive {
		return false, err
	}

	if err := h.lock.Release(ctx); err != nil {
		return false, err
	}
	metrics.YieldsTotal.Inc()
	h.logger.Info("yielded target to affinity worker", zap.String("affinity", affinity))
	return true, nil
}

// transition moves between Owner and NonOwnerWatching and reports a flip.
func (h *TargetHandler) transition(owner bool) {
	next := StateNonOwnerWatching
	if owner {
		next = StateOwner
	}

	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	wasOwner := h.state == StateOwner
	h.state = next
	h.mu.Unlock()

	metrics.SetHandlerState(h.alias, next.String(), allStates)
	if wasOwner == owner {
		return
	}
	if owner {
		metrics.OwnedTargets.Inc()
		h.logger.Info("became owner")
	} else {
		metrics.OwnedTargets.Dec()
		h.logger.Info("lost ownership")
	}
	h.notifyOwnership(owner)
}

func (h *TargetHandler) setState(s OwnershipState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	metrics.SetHandlerState(h.alias, s.String(), allStates)
}

// setStopped returns whether the handler was the owner.
func (h *TargetHandler) setStopped() bool {
	h.mu.Lock()
	wasOwner := h.state == StateOwner
	h.state = StateStopped
	h.mu.Unlock()
	metrics.SetHandlerState(h.alias, StateStopped.String(), allStates)
	if wasOwner {
		metrics.OwnedTargets.Dec()
	}
	return wasOwner
}

func (h *TargetHandler) deliveryFailed(subtree string, err error) {
	if h.ctx.Err() != nil {
		h.logger.Debug("reaction interrupted by shutdown", zap.String("subtree", subtree), zap.Error(err))
		return
	}
	metrics.WatchErrors.WithLabelValues(subtree).Inc()
	h.logger.Error("failed to process watch event",
		zap.String("subtree", subtree),
		zap.Error(fmt.Errorf("%w: %w", ErrWatchDelivery, err)),
	)
}

func (h *TargetHandler) notifyConfig(config []byte) {
	defer h.recoverListener("config")
	h.listener.OnConfigChanged(h.alias, bytes.Clone(config))
}

func (h *TargetHandler) notifyOwnership(owner bool) {
	defer h.recoverListener("ownership")
	h.listener.OnOwnershipChanged(h.alias, owner)
}

func (h *TargetHandler) recoverListener(kind string) {
	if r := recover(); r != nil {
		h.logger.Error("listener panicked",
			zap.String("notification", kind),
			zap.Error(fmt.Errorf("%w: %v", ErrWatchDelivery, r)),
		)
	}
}

// stop interrupts any pending lock wait, stops the watches and releases the
// lock. Every step runs; the release error is returned.
func (h *TargetHandler) stop(ctx context.Context) error {
	h.cancel()
	if h.running {
		<-h.done
	}
	if h.retry != nil {
		h.retry.Stop()
	}
	h.stopWatches()

	// a lost connection has already dropped the lock
	var err error
	if rerr := h.lock.Release(ctx); rerr != nil && !errors.Is(rerr, coordination.ErrClosed) {
		err = fmt.Errorf("failed to release lock of %s: %w", h.alias, rerr)
	}

	if h.setStopped() {
		h.notifyOwnership(false)
	}
	return err
}
