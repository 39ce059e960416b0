package etcd

import (
	"context"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"jmxcluster/pkg/coordination"
)

const rewatchDelay = 200 * time.Millisecond

// watch pumps one etcd watch channel into a WatchFunc. A broken stream
// (compaction, leader loss) is re-established and reported to the callback
// as a data change on the watched root so the consumer re-reads its state.
type watch struct {
	watcher clientv3.Watcher
	path    string
	fn      coordination.WatchFunc
	logger  *zap.Logger
	onStop  func()

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newWatch(watcher clientv3.Watcher, p string, fn coordination.WatchFunc, logger *zap.Logger) *watch {
	ctx, cancel := context.WithCancel(context.Background())
	return &watch{
		watcher: watcher,
		path:    p,
		fn:      fn,
		logger:  logger.With(zap.String("watch", p)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (w *watch) run() {
	defer close(w.done)

	var rev int64
	for {
		rev = w.stream(rev)
		if w.ctx.Err() != nil {
			return
		}
		w.fn(coordination.Event{Type: coordination.EventNodeDataChanged, Path: w.path})

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(rewatchDelay):
		}
	}
}

// stream consumes one watch channel and returns the revision to resume from.
func (w *watch) stream(rev int64) int64 {
	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}

	for resp := range w.watcher.Watch(ctx, w.path, opts...) {
		if err := resp.Err(); err != nil {
			if resp.CompactRevision > 0 {
				rev = resp.CompactRevision
			}
			w.logger.Warn("watch interrupted, re-establishing", zap.Error(err))
			return rev
		}
		for _, ev := range resp.Events {
			rev = ev.Kv.ModRevision + 1
			key := string(ev.Kv.Key)
			if !coordination.IsUnder(key, w.path) {
				continue
			}
			w.fn(coordination.Event{Type: eventType(ev), Path: key})
		}
	}
	return rev
}

func eventType(ev *clientv3.Event) coordination.EventType {
	switch {
	case ev.Type == mvccpb.DELETE:
		return coordination.EventNodeDeleted
	case ev.IsCreate():
		return coordination.EventNodeCreated
	default:
		return coordination.EventNodeDataChanged
	}
}

// Stop must not be called from inside the watch callback.
func (w *watch) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		if w.onStop != nil {
			w.onStop()
		}
	})
	<-w.done
}
