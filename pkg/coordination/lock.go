package coordination

import (
	"context"
	"time"
)

// Lock is a named distributed mutex. Mutual exclusion across processes is
// provided entirely by the backend.
type Lock struct {
	svc  Service
	path string
}

func NewLock(svc Service, path string) *Lock {
	return &Lock{svc: svc, path: JoinPath(path)}
}

// Path returns the mutex root.
func (l *Lock) Path() string {
	return l.path
}

// Acquire waits at most timeout. acquired == false with a nil error means
// the lock is held elsewhere.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.svc.AcquireMutex(ctx, l.path, timeout)
}

// IsHeld reports whether this process holds the lock right now.
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	return l.svc.IsMutexHeld(ctx, l.path)
}

func (l *Lock) Release(ctx context.Context) error {
	return l.svc.ReleaseMutex(ctx, l.path)
}
