package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jmxcluster/pkg/coordination"
	"jmxcluster/pkg/logger"
	"jmxcluster/pkg/metrics"
)

const DefaultLockTimeout = 2 * time.Second

// Connector opens the coordination connection for a session.
type Connector func(ctx context.Context, endpoints []string) (coordination.Service, error)

// Config holds the construction-time settings of a Session.
type Config struct {
	WorkerAlias string
	Endpoints   []string
	WorkersRoot string
	TargetsRoot string
	// LockTimeout bounds every ownership lock acquisition attempt.
	LockTimeout time.Duration
	// ReconcileSchedule is a cron spec for the periodic reconcile; empty
	// disables it.
	ReconcileSchedule string
}

// Validate rejects missing or malformed parameters before any
// coordination call is made.
func (c Config) Validate() error {
	alias := strings.TrimSpace(c.WorkerAlias)
	if alias == "" {
		return fmt.Errorf("%w: worker alias is empty", ErrConfig)
	}
	if strings.Contains(alias, "/") {
		return fmt.Errorf("%w: worker alias %q contains a path separator", ErrConfig, alias)
	}
	if len(nonEmpty(c.Endpoints)) == 0 {
		return fmt.Errorf("%w: endpoint list is empty", ErrConfig)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("%w: negative lock timeout", ErrConfig)
	}
	if c.ReconcileSchedule != "" {
		if _, err := reconcileParser.Parse(c.ReconcileSchedule); err != nil {
			return fmt.Errorf("%w: reconcile schedule: %w", ErrConfig, err)
		}
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session is one worker's participation in the cluster: its connection,
// its heartbeat and one TargetHandler per known target.
type Session struct {
	cfg      Config
	layout   Layout
	connect  Connector
	listener Listener
	logger   *zap.Logger

	// lifecycle serializes Start, Reconcile and the teardown part of Stop.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	svc           coordination.Service
	info          WorkerInfo
	handlers      map[string]*TargetHandler
	misconfigured map[string]string
	started       bool
	stopped       bool
	ctx           context.Context
	cancel        context.CancelFunc
	stopping      chan struct{}
	monitorDone   chan struct{}
	reconciler    *reconciler

	connected atomic.Bool
}

func NewSession(cfg Config, connect Connector, listener Listener, opts ...Option) *Session {
	if listener == nil {
		listener = nopListener{}
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	cfg.WorkerAlias = strings.TrimSpace(cfg.WorkerAlias)
	cfg.Endpoints = nonEmpty(cfg.Endpoints)

	s := &Session{
		cfg:           cfg,
		layout:        NewLayout(cfg.WorkersRoot, cfg.TargetsRoot),
		connect:       connect,
		listener:      listener,
		logger:        logger.Named("cluster"),
		handlers:      make(map[string]*TargetHandler),
		misconfigured: make(map[string]string),
		stopping:      make(chan struct{}),
		monitorDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("worker", cfg.WorkerAlias))
	return s
}

func (s *Session) Layout() Layout {
	return s.layout
}

// Start connects, registers this worker's heartbeat and starts one handler
// per target found under the targets root. Targets are initialized
// concurrently; a target that fails to initialize is skipped.
func (s *Session) Start(ctx context.Context) (err error) {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.connect == nil {
		return fmt.Errorf("%w: no connector", ErrConfig)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "cluster.session.start", trace.WithAttributes(
		attribute.String("worker", s.cfg.WorkerAlias),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	svc, err := s.connect(ctx, s.cfg.Endpoints)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	info := NewWorkerInfo(s.cfg.WorkerAlias, s.logger)
	if err := s.register(ctx, svc, info); err != nil {
		_ = svc.Close()
		return err
	}

	aliases, err := svc.GetChildren(ctx, s.layout.TargetsRoot)
	if err != nil {
		_ = svc.Close()
		metrics.HeartbeatRegistered.Set(0)
		return fmt.Errorf("failed to list targets under %s: %w", s.layout.TargetsRoot, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.svc = svc
	s.info = info
	s.ctx = sessCtx
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()
	s.connected.Store(true)

	s.startHandlers(svc, aliases)
	go s.monitor(svc)

	if s.cfg.ReconcileSchedule != "" {
		r, err := newReconciler(s.cfg.ReconcileSchedule, s.reconcileJob, s.logger)
		if err != nil {
			// Validate accepted the schedule, so this does not happen
			s.logger.Error("failed to schedule reconcile", zap.Error(err))
		} else {
			s.mu.Lock()
			s.reconciler = r
			s.mu.Unlock()
			r.start()
		}
	}

	s.logger.Info("session started",
		zap.String("heartbeat", s.layout.HeartbeatPath(s.cfg.WorkerAlias)),
		zap.Int("targets", len(aliases)),
		zap.Int("handlers", len(s.Handlers())),
	)
	return nil
}

func (s *Session) register(ctx context.Context, svc coordination.Service, info WorkerInfo) error {
	ok, err := svc.Exists(ctx, s.layout.WorkersRoot)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", s.layout.WorkersRoot, err)
	}
	if !ok {
		if err := svc.CreatePersistent(ctx, s.layout.WorkersRoot, nil); err != nil && !errors.Is(err, coordination.ErrNodeExists) {
			return fmt.Errorf("failed to create %s: %w", s.layout.WorkersRoot, err)
		}
	}

	heartbeat := s.layout.HeartbeatPath(s.cfg.WorkerAlias)
	if err := svc.CreateEphemeral(ctx, heartbeat, info.Marshal()); err != nil {
		return fmt.Errorf("failed to register heartbeat %s: %w", heartbeat, err)
	}
	metrics.HeartbeatRegistered.Set(1)
	return nil
}

func (s *Session) handlerConfig(svc coordination.Service) handlerConfig {
	return handlerConfig{
		svc:         svc,
		layout:      s.layout,
		worker:      s.cfg.WorkerAlias,
		lockTimeout: s.cfg.LockTimeout,
		listener:    s.listener,
		logger:      s.logger,
	}
}

// startHandlers initializes a handler per alias, each as its own task, and
// waits for all of them.
func (s *Session) startHandlers(svc coordination.Service, aliases []string) {
	hc := s.handlerConfig(svc)
	var g errgroup.Group
	for _, alias := range aliases {
		h := newTargetHandler(s.ctx, alias, hc)
		g.Go(func() error {
			if err := h.init(); err != nil {
				s.skip(alias, err)
				return nil
			}
			s.mu.Lock()
			s.handlers[alias] = h
			delete(s.misconfigured, alias)
			s.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.RLock()
	metrics.MisconfiguredTargets.Set(float64(len(s.misconfigured)))
	s.mu.RUnlock()
}

func (s *Session) skip(alias string, err error) {
	if errors.Is(err, ErrTargetMisconfigured) {
		s.mu.Lock()
		_, known := s.misconfigured[alias]
		s.misconfigured[alias] = err.Error()
		s.mu.Unlock()
		// reconcile retries known ones every pass
		log := s.logger.Warn
		if known {
			log = s.logger.Debug
		}
		log("skipping misconfigured target", zap.String("target", alias), zap.Error(err))
		return
	}
	s.logger.Error("failed to initialize target", zap.String("target", alias), zap.Error(err))
}

// monitor demotes every handler when the connection drops. Ephemeral nodes
// and locks are gone with it, so nothing here may be assumed owned.
func (s *Session) monitor(svc coordination.Service) {
	defer close(s.monitorDone)
	select {
	case <-s.stopping:
		return
	case <-svc.Done():
	}

	s.connected.Store(false)
	metrics.ConnectionLosses.Inc()
	metrics.HeartbeatRegistered.Set(0)
	s.logger.Error("coordination session lost", zap.Error(ErrConnection))
	for _, h := range s.Handlers() {
		h.connectionLost()
	}
}

// Reconcile re-runs the election of every handler, starts handlers for
// targets provisioned since the last pass and stops those whose target is
// gone.
func (s *Session) Reconcile(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	svc, started, stopped := s.svc, s.started, s.stopped
	s.mu.RUnlock()
	if !started || stopped {
		return ErrNotStarted
	}
	if !s.connected.Load() {
		return fmt.Errorf("%w: connection lost", ErrConnection)
	}
	metrics.Reconciles.Inc()

	aliases, err := svc.GetChildren(ctx, s.layout.TargetsRoot)
	if err != nil {
		return fmt.Errorf("failed to list targets under %s: %w", s.layout.TargetsRoot, err)
	}
	present := make(map[string]struct{}, len(aliases))
	var added []string
	for _, alias := range aliases {
		h, ok := s.Handler(alias)
		if ok && h.invalid.Load() {
			// handled below like a removed target
			continue
		}
		present[alias] = struct{}{}
		if ok {
			h.Trigger()
			continue
		}
		added = append(added, alias)
	}
	if len(added) > 0 {
		s.mu.RLock()
		var discovered []string
		for _, alias := range added {
			if _, known := s.misconfigured[alias]; !known {
				discovered = append(discovered, alias)
			}
		}
		s.mu.RUnlock()
		if len(discovered) > 0 {
			s.logger.Info("discovered targets", zap.Strings("targets", discovered))
		}
		s.startHandlers(svc, added)
	}

	var removed []*TargetHandler
	s.mu.Lock()
	for alias, h := range s.handlers {
		if _, ok := present[alias]; !ok {
			removed = append(removed, h)
			delete(s.handlers, alias)
		}
	}
	for alias := range s.misconfigured {
		if _, ok := present[alias]; !ok {
			delete(s.misconfigured, alias)
		}
	}
	metrics.MisconfiguredTargets.Set(float64(len(s.misconfigured)))
	s.mu.Unlock()

	var errs []error
	for _, h := range removed {
		s.logger.Info("target gone, stopping handler",
			zap.String("target", h.Alias()),
			zap.Bool("misconfigured", h.invalid.Load()),
		)
		if err := h.stop(ctx); err != nil {
			errs = append(errs, err)
		}
		metrics.HandlerState.DeletePartialMatch(map[string]string{"target": h.Alias()})
	}
	return errors.Join(errs...)
}

func (s *Session) reconcileJob() {
	s.mu.RLock()
	parent := s.ctx
	s.mu.RUnlock()
	ctx, cancel := context.WithTimeout(parent, s.cfg.LockTimeout+30*time.Second)
	defer cancel()
	if err := s.Reconcile(ctx); err != nil && !errors.Is(err, ErrNotStarted) && ctx.Err() == nil {
		s.logger.Warn("reconcile failed", zap.Error(err))
	}
}

// Stop releases every held lock, removes the heartbeat and closes the
// connection. Every step runs even when an earlier one fails; the first
// error is returned and the rest are logged. Pending lock waits are
// interrupted rather than waited out.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, r := s.cancel, s.reconciler
	s.mu.Unlock()

	cancel()
	close(s.stopping)
	if r != nil {
		r.stop()
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	ctx, span := tracer.Start(ctx, "cluster.session.stop", trace.WithAttributes(
		attribute.String("worker", s.cfg.WorkerAlias),
	))
	defer span.End()

	<-s.monitorDone

	var errs []error
	for _, h := range s.Handlers() {
		if err := h.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.deregister(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.svc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close coordination connection: %w", err))
	}
	s.connected.Store(false)

	if len(errs) == 0 {
		s.logger.Info("session stopped")
		return nil
	}
	for _, err := range errs[1:] {
		s.logger.Error("cleanup step failed", zap.Error(err))
	}
	span.RecordError(errs[0])
	span.SetStatus(codes.Error, errs[0].Error())
	return errs[0]
}

// deregister removes the heartbeat if it is still there.
func (s *Session) deregister(ctx context.Context) error {
	p := s.layout.HeartbeatPath(s.cfg.WorkerAlias)
	ok, err := s.svc.Exists(ctx, p)
	if errors.Is(err, coordination.ErrClosed) {
		// the heartbeat went away with the connection
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check heartbeat %s: %w", p, err)
	}
	if ok {
		if err := s.svc.Delete(ctx, p); err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return fmt.Errorf("failed to delete heartbeat %s: %w", p, err)
		}
	}
	metrics.HeartbeatRegistered.Set(0)
	return nil
}

// Connected reports whether the coordination connection is up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Worker describes the local worker as published in its heartbeat.
func (s *Session) Worker() WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *Session) Handler(alias string) (*TargetHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[alias]
	return h, ok
}

// Handlers returns the running handlers sorted by alias.
func (s *Session) Handlers() []*TargetHandler {
	s.mu.RLock()
	out := make([]*TargetHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Alias() < out[j].Alias() })
	return out
}

// Targets returns the status of every running handler.
func (s *Session) Targets() []TargetStatus {
	handlers := s.Handlers()
	out := make([]TargetStatus, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h.Status())
	}
	return out
}

func (s *Session) Target(alias string) (TargetStatus, error) {
	h, ok := s.Handler(alias)
	if !ok {
		return TargetStatus{}, fmt.Errorf("%w: %s", ErrUnknownTarget, alias)
	}
	return h.Status(), nil
}

// Misconfigured returns the targets skipped for a missing affinity or
// config, with the reason.
func (s *Session) Misconfigured() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.misconfigured))
	for k, v := range s.misconfigured {
		out[k] = v
	}
	return out
}

// Elect asks the handler of alias to re-run its election.
func (s *Session) Elect(alias string) error {
	h, ok := s.Handler(alias)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, alias)
	}
	h.Trigger()
	return nil
}

// Workers lists the live workers by reading their heartbeats.
func (s *Session) Workers(ctx context.Context) ([]WorkerInfo, error) {
	s.mu.RLock()
	svc, started := s.svc, s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	return ListWorkers(ctx, svc, s.layout)
}

// ListWorkers reads every heartbeat under the workers root.
func ListWorkers(ctx context.Context, svc coordination.Service, layout Layout) ([]WorkerInfo, error) {
	aliases, err := svc.GetChildren(ctx, layout.WorkersRoot)
	if err != nil {
		return nil, err
	}
	out := make([]WorkerInfo, 0, len(aliases))
	for _, alias := range aliases {
		data, err := svc.GetData(ctx, layout.HeartbeatPath(alias))
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ParseWorkerInfo(alias, data))
	}
	return out, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
