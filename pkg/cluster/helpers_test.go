package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jmxcluster/pkg/coordination"
	"jmxcluster/pkg/coordination/memory"
)

const testLockTimeout = 200 * time.Millisecond

// recorder is a Listener that keeps every notification.
type recorder struct {
	mu        sync.Mutex
	configs   map[string][][]byte
	ownership map[string][]bool
}

func newRecorder() *recorder {
	return &recorder{
		configs:   make(map[string][][]byte),
		ownership: make(map[string][]bool),
	}
}

func (r *recorder) OnConfigChanged(alias string, config []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[alias] = append(r.configs[alias], config)
}

func (r *recorder) OnOwnershipChanged(alias string, isOwner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ownership[alias] = append(r.ownership[alias], isOwner)
}

func (r *recorder) configCount(alias string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs[alias])
}

func (r *recorder) lastConfig(alias string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.configs[alias]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

func (r *recorder) transitions(alias string) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.ownership[alias]...)
}

// testWorker is one simulated collector process on a shared tree.
type testWorker struct {
	alias   string
	session *Session
	rec     *recorder

	mu   sync.Mutex
	conn *memory.Service
}

func (w *testWorker) crash() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	conn.Expire()
}

func (w *testWorker) state(alias string) OwnershipState {
	h, ok := w.session.Handler(alias)
	if !ok {
		return StateStopped
	}
	return h.State()
}

func (w *testWorker) owns(alias string) bool {
	return w.state(alias) == StateOwner
}

func newTestWorker(t *testing.T, tree *memory.Tree, alias string, mutate ...func(*Config)) *testWorker {
	t.Helper()
	w := &testWorker{alias: alias, rec: newRecorder()}
	cfg := Config{
		WorkerAlias: alias,
		Endpoints:   []string{"memory"},
		LockTimeout: testLockTimeout,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	connect := func(context.Context, []string) (coordination.Service, error) {
		conn := tree.Connect(alias)
		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		return conn, nil
	}
	w.session = NewSession(cfg, connect, w.rec, WithLogger(zap.NewNop()))
	return w
}

func startWorker(t *testing.T, tree *memory.Tree, alias string, mutate ...func(*Config)) *testWorker {
	t.Helper()
	w := newTestWorker(t, tree, alias, mutate...)
	require.NoError(t, w.session.Start(context.Background()))
	t.Cleanup(func() { _ = w.session.Stop(context.Background()) })
	return w
}

// admin returns a provisioner on its own connection, as an operator would use.
func admin(t *testing.T, tree *memory.Tree) (*Provisioner, *memory.Service) {
	t.Helper()
	conn := tree.Connect("admin")
	t.Cleanup(func() { _ = conn.Close() })
	return NewProvisioner(conn, NewLayout("", "")), conn
}

func putTarget(t *testing.T, p *Provisioner, alias, affinity, config string) {
	t.Helper()
	require.NoError(t, p.PutTarget(context.Background(), Target{
		Alias:    alias,
		Affinity: affinity,
		Config:   []byte(config),
	}))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}
