package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"jmxcluster/pkg/metrics"
	"jmxcluster/pkg/models"
	"jmxcluster/pkg/resilience"
)

// DefaultQueueSize bounds the events waiting for one sink.
const DefaultQueueSize = 256

// ErrQueueFull is counted when an event is dropped.
var ErrQueueFull = errors.New("sink queue is full")

// DeliverFunc writes one event to a remote sink, such as
// EventStream.Publish or AuditStore.Record.
type DeliverFunc func(ctx context.Context, event *models.OwnershipEvent) error

// SinkListener turns notifications into ownership events and delivers them
// to a remote sink on its own goroutine. Notifications never wait on the
// sink: events are dropped when the queue is full or the breaker is open.
type SinkListener struct {
	name    string
	worker  string
	deliver DeliverFunc
	breaker *resilience.Breaker
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *models.OwnershipEvent
	done   chan struct{}
}

func NewSinkListener(name, worker string, deliver DeliverFunc, breaker *resilience.Breaker, logger *zap.Logger) *SinkListener {
	s := &SinkListener{
		name:    name,
		worker:  worker,
		deliver: deliver,
		breaker: breaker,
		logger:  logger.With(zap.String("sink", name)),
		queue:   make(chan *models.OwnershipEvent, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *SinkListener) OnConfigChanged(target string, config []byte) {
	s.enqueue(models.NewConfigEvent(s.worker, target, config))
}

func (s *SinkListener) OnOwnershipChanged(target string, isOwner bool) {
	s.enqueue(models.NewOwnershipEvent(s.worker, target, isOwner))
}

func (s *SinkListener) enqueue(event *models.OwnershipEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- event:
	default:
		s.failed(event, ErrQueueFull)
	}
}

func (s *SinkListener) run() {
	defer close(s.done)
	for event := range s.queue {
		if err := s.breaker.Do(context.Background(), func(ctx context.Context) error {
			return s.deliver(ctx, event)
		}); err != nil {
			s.failed(event, err)
		}
	}
}

func (s *SinkListener) failed(event *models.OwnershipEvent, err error) {
	metrics.SinkFailures.WithLabelValues(s.name).Inc()
	s.logger.Warn("Failed to deliver ownership event",
		zap.String("target", event.Target),
		zap.String("kind", string(event.Kind)),
		zap.Error(err))
}

// Close stops accepting events and waits for the queue to drain or ctx to
// expire. Events still queued at expiry are lost.
func (s *SinkListener) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
