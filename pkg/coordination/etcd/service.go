package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"jmxcluster/pkg/coordination"
)

// Service implements coordination.Service on etcd.
//
// Ephemeral nodes are keys attached to the lease of a concurrency.Session,
// so they disappear when the session does. Mutexes are concurrency.Mutex
// instances rooted at the given path and bound to the same session.
type Service struct {
	client    *clientv3.Client
	session   *concurrency.Session
	logger    *zap.Logger
	closeFunc func(*clientv3.Client) error

	mu        sync.Mutex
	closed    bool
	mutexes   map[string]*concurrency.Mutex
	watches   map[*watch]struct{}
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

var _ coordination.Service = (*Service)(nil)

// Connect dials etcd, verifies the first endpoint answers, and opens the
// lease-backed session. Dialing is retried per the config.
func Connect(ctx context.Context, cfg Config) (*Service, error) {
	return connect(ctx, cfg, clientv3.New, func(c *clientv3.Client) error { return c.Close() })
}

func connect(ctx context.Context, cfg Config, clientFunc func(clientv3.Config) (*clientv3.Client, error), closeFunc func(*clientv3.Client) error) (*Service, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var client *clientv3.Client
	retrier := retry.NewRetrier(cfg.RetryCount, cfg.RetryBackoff, cfg.RetryMaxBackoff)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		cli, err := clientFunc(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Username:    cfg.Username,
			Password:    cfg.Password,
		})
		if err != nil {
			return err
		}

		statusCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if _, err := cli.Status(statusCtx, cfg.Endpoints[0]); err != nil {
			if cerr := closeFunc(cli); cerr != nil {
				return errors.Join(err, fmt.Errorf("failed to close etcd client: %w", cerr))
			}
			cfg.Logger.Warn("etcd not reachable, retrying", zap.Strings("endpoints", cfg.Endpoints), zap.Error(err))
			return err
		}
		client = cli
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	sess, err := concurrency.NewSession(client, concurrency.WithTTL(int(cfg.SessionTTL/time.Second)))
	if err != nil {
		_ = closeFunc(client)
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	s := &Service{
		client:    client,
		session:   sess,
		logger:    cfg.Logger,
		closeFunc: closeFunc,
		mutexes:   make(map[string]*concurrency.Mutex),
		watches:   make(map[*watch]struct{}),
		done:      make(chan struct{}),
	}

	go func() {
		<-sess.Done()
		s.logger.Info("etcd session ended", zap.Int64("lease", int64(sess.Lease())))
		s.markDone()
	}()

	return s, nil
}

func (s *Service) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Service) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return coordination.ErrClosed
	}
	select {
	case <-s.done:
		return coordination.ErrClosed
	default:
		return nil
	}
}

func (s *Service) Exists(ctx context.Context, p string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	p = coordination.JoinPath(p)
	resp, err := s.client.Get(ctx, p, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	if resp.Count > 0 {
		return true, nil
	}
	resp, err = s.client.Get(ctx, childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

func (s *Service) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.create(ctx, coordination.JoinPath(p), data, clientv3.WithLease(s.session.Lease()))
}

func (s *Service) CreatePersistent(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.create(ctx, coordination.JoinPath(p), data)
}

func (s *Service) create(ctx context.Context, p string, data []byte, opts ...clientv3.OpOption) error {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(p), "=", 0)).
		Then(clientv3.OpPut(p, string(data), opts...)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("%s: %w", p, coordination.ErrNodeExists)
	}
	return nil
}

func (s *Service) GetData(ctx context.Context, p string) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p = coordination.JoinPath(p)
	resp, err := s.client.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%s: %w", p, coordination.ErrNoNode)
	}
	return resp.Kvs[0].Value, nil
}

func (s *Service) SetData(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	p = coordination.JoinPath(p)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(p), ">", 0)).
		Then(clientv3.OpPut(p, string(data), clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("%s: %w", p, coordination.ErrNoNode)
	}
	return nil
}

func (s *Service) GetChildren(ctx context.Context, p string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p = coordination.JoinPath(p)
	resp, err := s.client.Get(ctx, childPrefix(p), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := coordination.ChildName(p, string(kv.Key))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		children = append(children, name)
	}
	// etcd returns keys in byte order, so children are already sorted
	return children, nil
}

func (s *Service) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	p = coordination.JoinPath(p)
	resp, err := s.client.Delete(ctx, p)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%s: %w", p, coordination.ErrNoNode)
	}
	return nil
}

func (s *Service) mutex(p string) *concurrency.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutexes[p]
	if !ok {
		m = concurrency.NewMutex(s.session, p)
		s.mutexes[p] = m
	}
	return m
}

// AcquireMutex is not safe for concurrent calls on the same path; callers
// serialize per path.
func (s *Service) AcquireMutex(ctx context.Context, p string, timeout time.Duration) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	p = coordination.JoinPath(p)
	m := s.mutex(p)

	if held, err := s.isOwner(ctx, m); err == nil && held {
		return true, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.Lock(lockCtx)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) isOwner(ctx context.Context, m *concurrency.Mutex) (bool, error) {
	resp, err := s.client.Txn(ctx).If(m.IsOwner()).Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (s *Service) IsMutexHeld(ctx context.Context, p string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	m, ok := s.mutexes[coordination.JoinPath(p)]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return s.isOwner(ctx, m)
}

func (s *Service) ReleaseMutex(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	m, ok := s.mutexes[coordination.JoinPath(p)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	held, err := s.isOwner(ctx, m)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	return m.Unlock(ctx)
}

func (s *Service) WatchChildren(ctx context.Context, p string, fn coordination.WatchFunc) (coordination.Watch, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	w := newWatch(s.client.Watcher, coordination.JoinPath(p), fn, s.logger)
	w.onStop = func() {
		s.mu.Lock()
		delete(s.watches, w)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.watches[w] = struct{}{}
	s.mu.Unlock()
	go w.run()
	return w, nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Close stops every watch, revokes the session lease (removing ephemeral
// nodes and held mutexes at once) and closes the client.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		watches := make([]*watch, 0, len(s.watches))
		for w := range s.watches {
			watches = append(watches, w)
		}
		s.mu.Unlock()

		for _, w := range watches {
			w.Stop()
		}

		if cerr := s.session.Close(); cerr != nil {
			err = fmt.Errorf("failed to revoke session lease: %w", cerr)
		}
		if cerr := s.closeFunc(s.client); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close etcd client: %w", cerr)
		}
		s.markDone()
	})
	return err
}

func childPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}
