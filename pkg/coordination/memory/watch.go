package memory

import (
	"sync"

	"jmxcluster/pkg/coordination"
)

// watch delivers events on its own goroutine so a slow callback never holds
// the tree lock or delays other watches.
type watch struct {
	path string
	fn   coordination.WatchFunc
	conn *Service

	mu      sync.Mutex
	queue   []coordination.Event
	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func newWatch(conn *Service, path string, fn coordination.WatchFunc) *watch {
	w := &watch{
		path:   path,
		fn:     fn,
		conn:   conn,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *watch) enqueue(ev coordination.Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watch) pump() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.signal:
		}

		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ev := range batch {
			select {
			case <-w.stop:
				return
			default:
			}
			w.fn(ev)
		}
	}
}

// Stop must not be called from inside the watch callback.
func (w *watch) Stop() {
	w.stopped.Do(func() {
		tree := w.conn.tree
		tree.mu.Lock()
		delete(tree.watches, w)
		tree.mu.Unlock()

		w.conn.mu.Lock()
		delete(w.conn.watches, w)
		w.conn.mu.Unlock()

		close(w.stop)
	})
	<-w.done
}
