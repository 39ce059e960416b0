package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoNode is returned when an operation addresses a path that does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrNodeExists is returned when creating a path that is already present.
	ErrNodeExists = errors.New("node already exists")
	// ErrClosed is returned once the service connection has been closed or lost.
	ErrClosed = errors.New("coordination service closed")
)

// EventType describes what happened to a watched path.
type EventType int

const (
	EventNodeCreated EventType = iota
	EventNodeDataChanged
	EventNodeDeleted
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDataChanged:
		return "data_changed"
	case EventNodeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is delivered to a WatchFunc.
type Event struct {
	Type EventType
	Path string
}

// WatchFunc receives watch events. It runs on a backend-owned goroutine and
// is never called synchronously from the call that installed the watch.
type WatchFunc func(Event)

// Watch is an installed subscription.
type Watch interface {
	// Stop cancels the subscription. No callback starts after Stop returns.
	Stop()
}

// Service is the capability surface the cluster logic needs from a
// coordination backend. Nothing above this interface may rely on
// backend-specific node formats.
type Service interface {
	// Exists reports whether path is present, either as a node or as the
	// parent of other nodes.
	Exists(ctx context.Context, path string) (bool, error)

	// CreateEphemeral creates a node that lives exactly as long as this
	// connection.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// CreatePersistent creates a node that survives the connection.
	CreatePersistent(ctx context.Context, path string, data []byte) error

	GetData(ctx context.Context, path string) ([]byte, error)
	SetData(ctx context.Context, path string, data []byte) error

	// GetChildren returns the names (not full paths) of the direct children
	// of path, sorted.
	GetChildren(ctx context.Context, path string) ([]string, error)

	Delete(ctx context.Context, path string) error

	// AcquireMutex waits at most timeout for the mutex rooted at path.
	// A timeout is reported as (false, nil). Cancelling ctx aborts the wait.
	AcquireMutex(ctx context.Context, path string, timeout time.Duration) (bool, error)

	// IsMutexHeld reports whether this connection currently holds the mutex.
	IsMutexHeld(ctx context.Context, path string) (bool, error)

	// ReleaseMutex releases the mutex if held; releasing an unheld mutex is a no-op.
	ReleaseMutex(ctx context.Context, path string) error

	// WatchChildren subscribes to changes of path and every node below it.
	WatchChildren(ctx context.Context, path string, fn WatchFunc) (Watch, error)

	// Done is closed when the connection is lost or closed. Every ephemeral
	// node and mutex held by this connection is gone at that point.
	Done() <-chan struct{}

	Close() error
}
