package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventKind names a change reported by a worker for one target.
type EventKind string

const (
	EventOwnershipGained EventKind = "OWNERSHIP_GAINED"
	EventOwnershipLost   EventKind = "OWNERSHIP_LOST"
	EventConfigChanged   EventKind = "CONFIG_CHANGED"
)

// OwnershipEvent is one notification as published on the event stream and
// kept in the audit trail. The config itself is never stored, only its
// digest.
type OwnershipEvent struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Kind       EventKind `json:"kind" gorm:"type:varchar(32);not null;index"`
	Target     string    `json:"target" gorm:"not null;index:idx_target_occurred"`
	Worker     string    `json:"worker" gorm:"not null;index"`
	ConfigHash string    `json:"config_hash,omitempty" gorm:"type:varchar(64)"`
	ConfigSize int       `json:"config_size,omitempty"`
	OccurredAt time.Time `json:"occurred_at" gorm:"not null;index:idx_target_occurred"`
	CreatedAt  time.Time `json:"created_at"`
}

func (OwnershipEvent) TableName() string {
	return "ownership_events"
}

// BeforeCreate hook to generate UUID if not present
func (e *OwnershipEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}

func NewOwnershipEvent(worker, target string, isOwner bool) *OwnershipEvent {
	kind := EventOwnershipLost
	if isOwner {
		kind = EventOwnershipGained
	}
	return &OwnershipEvent{
		ID:         uuid.New(),
		Kind:       kind,
		Target:     target,
		Worker:     worker,
		OccurredAt: time.Now().UTC(),
	}
}

func NewConfigEvent(worker, target string, config []byte) *OwnershipEvent {
	sum := sha256.Sum256(config)
	return &OwnershipEvent{
		ID:         uuid.New(),
		Kind:       EventConfigChanged,
		Target:     target,
		Worker:     worker,
		ConfigHash: hex.EncodeToString(sum[:]),
		ConfigSize: len(config),
		OccurredAt: time.Now().UTC(),
	}
}
