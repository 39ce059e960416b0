// Package memory is an in-process coordination backend. A Tree plays the
// role of the coordination cluster; each Service returned by Tree.Connect
// plays the role of one worker's connection to it.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"jmxcluster/pkg/coordination"
)

type node struct {
	data  []byte
	owner *Service // nil for persistent nodes
	seq   uint64   // non-zero for mutex contender nodes
}

// Tree is a shared coordination tree.
type Tree struct {
	mu      sync.Mutex
	nodes   map[string]*node
	seq     uint64
	watches map[*watch]struct{}
	// changed is closed and replaced on every mutation so mutex waiters can
	// re-check their position.
	changed chan struct{}
}

func NewTree() *Tree {
	return &Tree{
		nodes:   make(map[string]*node),
		watches: make(map[*watch]struct{}),
		changed: make(chan struct{}),
	}
}

// Connect opens a new connection to the tree. id only shows up in errors.
func (t *Tree) Connect(id string) *Service {
	return &Service{
		id:      id,
		tree:    t,
		held:    make(map[string]string),
		watches: make(map[*watch]struct{}),
		done:    make(chan struct{}),
	}
}

// Paths returns every node path in the tree, sorted.
func (t *Tree) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.nodes))
	for p := range t.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// the helpers below must be called with t.mu held

func (t *Tree) exists(p string) bool {
	if _, ok := t.nodes[p]; ok {
		return true
	}
	for k := range t.nodes {
		if coordination.ChildName(p, k) != "" {
			return true
		}
	}
	return false
}

func (t *Tree) children(p string) []string {
	seen := make(map[string]struct{})
	for k := range t.nodes {
		if name := coordination.ChildName(p, k); name != "" {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *Tree) create(p string, data []byte, owner *Service) error {
	if _, ok := t.nodes[p]; ok {
		return fmt.Errorf("%s: %w", p, coordination.ErrNodeExists)
	}
	t.nodes[p] = &node{data: cloneBytes(data), owner: owner}
	t.notify(coordination.Event{Type: coordination.EventNodeCreated, Path: p})
	return nil
}

func (t *Tree) remove(p string) error {
	if _, ok := t.nodes[p]; !ok {
		return fmt.Errorf("%s: %w", p, coordination.ErrNoNode)
	}
	delete(t.nodes, p)
	t.notify(coordination.Event{Type: coordination.EventNodeDeleted, Path: p})
	return nil
}

// holder returns the contender node currently holding the mutex at p.
func (t *Tree) holder(p string) string {
	var (
		best    string
		bestSeq uint64
	)
	for k, n := range t.nodes {
		if n.seq == 0 || coordination.ChildName(p, k) == "" {
			continue
		}
		if best == "" || n.seq < bestSeq {
			best, bestSeq = k, n.seq
		}
	}
	return best
}

func (t *Tree) notify(ev coordination.Event) {
	for w := range t.watches {
		if coordination.IsUnder(ev.Path, w.path) {
			w.enqueue(ev)
		}
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
