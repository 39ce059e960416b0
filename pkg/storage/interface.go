package storage

import (
	"context"
	"errors"

	"jmxcluster/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
)

// EventPublisher hands ownership events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.OwnershipEvent) error
}

// EventStream is the consuming side of the ownership event stream.
type EventStream interface {
	EventPublisher

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error

	// Read retrieves the next event for a consumer of the group. A nil event
	// with a nil error means nothing arrived in time.
	Read(ctx context.Context, group, consumer string) (string, *models.OwnershipEvent, error)

	// Ack acknowledges an event as processed.
	Ack(ctx context.Context, group, msgID string) error
}

// AuditStore keeps the ownership history of every target.
type AuditStore interface {
	Record(ctx context.Context, event *models.OwnershipEvent) error

	// History returns the latest events of a target, newest first.
	History(ctx context.Context, target string, limit int) ([]models.OwnershipEvent, error)

	// LastGained returns the latest OWNERSHIP_GAINED event of a target.
	LastGained(ctx context.Context, target string) (*models.OwnershipEvent, error)
}
