package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jmxcluster/pkg/models"
	"jmxcluster/pkg/storage"
)

const (
	DefaultStream = "jmxtrans:ownership:events"
)

var _ storage.EventStream = (*EventStream)(nil)

// EventStream publishes ownership events to a Redis stream and reads them
// back through consumer groups.
type EventStream struct {
	client *redis.Client
	stream string
	maxLen int64
	block  time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Stream       string
	MaxLen       int64 // approximate cap on stream length, 0 keeps everything
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	ReadBlock    time.Duration
}

// DefaultConfig returns defaults sized for one publisher per worker.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		Stream:       DefaultStream,
		MaxLen:       100000,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		ReadBlock:    2 * time.Second,
	}
}

// NewEventStream initializes a new Redis client with default config.
func NewEventStream(addr string) (*EventStream, error) {
	return NewEventStreamWithConfig(DefaultConfig(addr))
}

// NewEventStreamWithConfig initializes a new Redis client with custom config.
func NewEventStreamWithConfig(cfg Config) (*EventStream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	block := cfg.ReadBlock
	if block <= 0 {
		block = 2 * time.Second
	}
	return &EventStream{client: client, stream: stream, maxLen: cfg.MaxLen, block: block}, nil
}

func (r *EventStream) Close() error {
	return r.client.Close()
}

// Stream returns the stream key.
func (r *EventStream) Stream() string {
	return r.stream
}

// Publish appends an event to the stream.
func (r *EventStream) Publish(ctx context.Context, event *models.OwnershipEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// XADD <stream> MAXLEN ~ n * payload {json} kind .. target .. worker ..
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"payload": payload,
			"kind":    string(event.Kind),
			"target":  event.Target,
			"worker":  event.Worker,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (r *EventStream) EnsureGroup(ctx context.Context, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, group, "$").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read retrieves the next event for a consumer of the group.
func (r *EventStream) Read(ctx context.Context, group, consumer string) (string, *models.OwnershipEvent, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.stream, ">"},
		Count:    1,
		Block:    r.block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("invalid payload format in message %s", msg.ID)
	}

	var event models.OwnershipEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return msg.ID, nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return msg.ID, &event, nil
}

// Ack acknowledges an event as processed.
func (r *EventStream) Ack(ctx context.Context, group, msgID string) error {
	return r.client.XAck(ctx, r.stream, group, msgID).Err()
}
