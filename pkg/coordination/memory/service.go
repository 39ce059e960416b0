package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jmxcluster/pkg/coordination"
)

// Service is one connection to a Tree.
type Service struct {
	id   string
	tree *Tree

	mu        sync.Mutex
	closed    bool
	held      map[string]string // mutex path -> contender node
	watches   map[*watch]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ coordination.Service = (*Service)(nil)

func (s *Service) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("connection %s: %w", s.id, coordination.ErrClosed)
	}
	return nil
}

func (s *Service) Exists(ctx context.Context, p string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	p = coordination.JoinPath(p)
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.tree.exists(p), nil
}

func (s *Service) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.tree.create(coordination.JoinPath(p), data, s)
}

func (s *Service) CreatePersistent(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.tree.create(coordination.JoinPath(p), data, nil)
}

func (s *Service) GetData(ctx context.Context, p string) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p = coordination.JoinPath(p)
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	n, ok := s.tree.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, coordination.ErrNoNode)
	}
	return cloneBytes(n.data), nil
}

func (s *Service) SetData(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	p = coordination.JoinPath(p)
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	n, ok := s.tree.nodes[p]
	if !ok {
		return fmt.Errorf("%s: %w", p, coordination.ErrNoNode)
	}
	n.data = cloneBytes(data)
	s.tree.notify(coordination.Event{Type: coordination.EventNodeDataChanged, Path: p})
	return nil
}

func (s *Service) GetChildren(ctx context.Context, p string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p = coordination.JoinPath(p)
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.tree.children(p), nil
}

func (s *Service) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.tree.remove(coordination.JoinPath(p))
}

func (s *Service) AcquireMutex(ctx context.Context, p string, timeout time.Duration) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	p = coordination.JoinPath(p)
	t := s.tree

	t.mu.Lock()
	s.mu.Lock()
	mine, ok := s.held[p]
	s.mu.Unlock()
	if ok && t.holder(p) == mine {
		t.mu.Unlock()
		return true, nil
	}
	t.seq++
	mine = coordination.JoinPath(p, fmt.Sprintf("lock-%020d", t.seq))
	t.nodes[mine] = &node{owner: s, seq: t.seq}
	t.notify(coordination.Event{Type: coordination.EventNodeCreated, Path: mine})
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if _, ok := t.nodes[mine]; !ok {
			t.mu.Unlock()
			return false, coordination.ErrClosed
		}
		if t.holder(p) == mine {
			t.mu.Unlock()
			s.mu.Lock()
			s.held[p] = mine
			s.mu.Unlock()
			return true, nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			s.abandon(mine)
			return false, nil
		case <-ctx.Done():
			s.abandon(mine)
			return false, ctx.Err()
		case <-s.done:
			return false, coordination.ErrClosed
		}
	}
}

func (s *Service) abandon(contender string) {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	_ = s.tree.remove(contender)
}

func (s *Service) IsMutexHeld(ctx context.Context, p string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	p = coordination.JoinPath(p)
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	s.mu.Lock()
	mine, ok := s.held[p]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if _, exists := s.tree.nodes[mine]; !exists {
		return false, nil
	}
	return s.tree.holder(p) == mine, nil
}

func (s *Service) ReleaseMutex(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	p = coordination.JoinPath(p)
	s.mu.Lock()
	mine, ok := s.held[p]
	delete(s.held, p)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	if _, exists := s.tree.nodes[mine]; exists {
		return s.tree.remove(mine)
	}
	return nil
}

func (s *Service) WatchChildren(ctx context.Context, p string, fn coordination.WatchFunc) (coordination.Watch, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	w := newWatch(s, coordination.JoinPath(p), fn)

	s.tree.mu.Lock()
	s.tree.watches[w] = struct{}{}
	s.tree.mu.Unlock()

	s.mu.Lock()
	s.watches[w] = struct{}{}
	s.mu.Unlock()
	return w, nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Close drops the connection: watches stop and every ephemeral node and
// mutex contender owned by this connection is removed.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		watches := make([]*watch, 0, len(s.watches))
		for w := range s.watches {
			watches = append(watches, w)
		}
		s.held = make(map[string]string)
		s.mu.Unlock()

		for _, w := range watches {
			w.Stop()
		}

		t := s.tree
		t.mu.Lock()
		var owned []string
		for p, n := range t.nodes {
			if n.owner == s {
				owned = append(owned, p)
			}
		}
		sort.Strings(owned)
		for _, p := range owned {
			_ = t.remove(p)
		}
		t.mu.Unlock()

		close(s.done)
	})
	return nil
}

// Expire simulates a lost session, as when a worker process crashes.
func (s *Service) Expire() {
	_ = s.Close()
}
