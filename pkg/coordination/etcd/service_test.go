package etcd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testcontainer "github.com/testcontainers/testcontainers-go/modules/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"

	"jmxcluster/pkg/coordination"
)

var (
	containerOnce sync.Once
	etcdContainer *testcontainer.EtcdContainer
	etcdEndpoints []string
	containerErr  error
)

func TestMain(m *testing.M) {
	m.Run()
	if etcdContainer != nil {
		_ = testcontainers.TerminateContainer(etcdContainer)
	}
}

// endpoints starts a single etcd container on first use and skips the test
// when no container runtime is available.
func endpoints(t *testing.T) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("etcd integration tests skipped in short mode")
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		etcdContainer, containerErr = testcontainer.Run(ctx, "gcr.io/etcd-development/etcd:v3.5.14")
		if containerErr != nil {
			return
		}
		etcdEndpoints, containerErr = etcdContainer.ClientEndpoints(ctx)
	})
	if containerErr != nil {
		t.Skipf("etcd container unavailable: %v", containerErr)
	}
	return etcdEndpoints
}

func connectTest(t *testing.T) *Service {
	t.Helper()
	svc, err := Connect(context.Background(), Config{
		Endpoints:   endpoints(t),
		DialTimeout: 5 * time.Second,
		SessionTTL:  5 * time.Second,
		RetryCount:  3,
	})
	require.NoError(t, err)
	return svc
}

func TestConfig_Sanitize(t *testing.T) {
	cfg := Config{}
	cfg.Sanitize()
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 10*time.Second, cfg.SessionTTL)
	assert.Equal(t, 1, cfg.RetryCount)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryMaxBackoff)
	assert.NotNil(t, cfg.Logger)
	assert.Error(t, cfg.Validate())

	cfg.Endpoints = []string{"127.0.0.1:2379"}
	assert.NoError(t, cfg.Validate())
}

func TestConnect_ClientFailureIsRetried(t *testing.T) {
	attempts := 0
	clientFunc := func(clientv3.Config) (*clientv3.Client, error) {
		attempts++
		return nil, errors.New("dial refused")
	}
	closeFunc := func(*clientv3.Client) error { return nil }

	svc, err := connect(context.Background(), Config{
		Endpoints:    []string{"127.0.0.1:1"},
		RetryCount:   3,
		RetryBackoff: time.Millisecond,
	}, clientFunc, closeFunc)
	require.Error(t, err)
	assert.Nil(t, svc)
	assert.Equal(t, 3, attempts)
}

func TestConnect_EmptyEndpoints(t *testing.T) {
	svc, err := Connect(context.Background(), Config{})
	require.Error(t, err)
	assert.Nil(t, svc)
}

func TestService_Nodes(t *testing.T) {
	ctx := context.Background()
	svc := connectTest(t)
	defer svc.Close()

	root := "/test-nodes-" + time.Now().Format("150405.000000")
	cfg := coordination.JoinPath(root, "jvms", "t1", "config")

	require.NoError(t, svc.CreatePersistent(ctx, cfg, []byte("v1")))
	require.ErrorIs(t, svc.CreatePersistent(ctx, cfg, nil), coordination.ErrNodeExists)

	data, err := svc.GetData(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	require.NoError(t, svc.SetData(ctx, cfg, []byte("v2")))
	data, err = svc.GetData(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	ok, err := svc.Exists(ctx, coordination.JoinPath(root, "jvms", "t1"))
	require.NoError(t, err)
	assert.True(t, ok)

	children, err := svc.GetChildren(ctx, coordination.JoinPath(root, "jvms"))
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, children)

	require.NoError(t, svc.Delete(ctx, cfg))
	require.ErrorIs(t, svc.Delete(ctx, cfg), coordination.ErrNoNode)
	_, err = svc.GetData(ctx, cfg)
	require.ErrorIs(t, err, coordination.ErrNoNode)
}

func TestService_EphemeralAndMutexReleasedOnClose(t *testing.T) {
	ctx := context.Background()
	a := connectTest(t)
	b := connectTest(t)
	defer b.Close()

	root := "/test-ephemeral-" + time.Now().Format("150405.000000")
	heartbeat := coordination.JoinPath(root, "workers", "a")
	owner := coordination.JoinPath(root, "jvms", "t1", "owner")

	require.NoError(t, a.CreateEphemeral(ctx, heartbeat, nil))
	ok, err := a.AcquireMutex(ctx, owner, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireMutex(ctx, owner, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "contended acquisition times out without error")

	require.NoError(t, a.Close())
	<-a.Done()

	exists, err := b.Exists(ctx, heartbeat)
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = b.AcquireMutex(ctx, owner, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	held, err := b.IsMutexHeld(ctx, owner)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, b.ReleaseMutex(ctx, owner))
	held, err = b.IsMutexHeld(ctx, owner)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestService_WatchChildren(t *testing.T) {
	ctx := context.Background()
	svc := connectTest(t)
	defer svc.Close()

	root := "/test-watch-" + time.Now().Format("150405.000000")
	cfg := coordination.JoinPath(root, "config")

	var (
		mu     sync.Mutex
		events []coordination.Event
	)
	w, err := svc.WatchChildren(ctx, cfg, func(ev coordination.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Stop()

	// give the watch stream time to register with the server
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, svc.CreatePersistent(ctx, cfg, []byte("a")))
	require.NoError(t, svc.CreatePersistent(ctx, coordination.JoinPath(root, "configuration"), nil))
	require.NoError(t, svc.SetData(ctx, cfg, []byte("b")))
	require.NoError(t, svc.Delete(ctx, cfg))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3, "sibling with a shared prefix is not delivered")
	assert.Equal(t, coordination.EventNodeCreated, events[0].Type)
	assert.Equal(t, coordination.EventNodeDataChanged, events[1].Type)
	assert.Equal(t, coordination.EventNodeDeleted, events[2].Type)
	assert.Equal(t, cfg, events[0].Path)
}
