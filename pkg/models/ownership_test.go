package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewOwnershipEvent(t *testing.T) {
	gained := NewOwnershipEvent("a", "t1", true)
	assert.Equal(t, EventOwnershipGained, gained.Kind)
	assert.Equal(t, "a", gained.Worker)
	assert.Equal(t, "t1", gained.Target)
	assert.NotEqual(t, uuid.Nil, gained.ID)
	assert.False(t, gained.OccurredAt.IsZero())

	lost := NewOwnershipEvent("a", "t1", false)
	assert.Equal(t, EventOwnershipLost, lost.Kind)
	assert.NotEqual(t, gained.ID, lost.ID)
}

func TestNewConfigEvent(t *testing.T) {
	ev := NewConfigEvent("a", "t1", []byte("hello"))
	assert.Equal(t, EventConfigChanged, ev.Kind)
	assert.Equal(t, 5, ev.ConfigSize)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ev.ConfigHash)
}

func TestOwnershipEvent_BeforeCreate(t *testing.T) {
	ev := &OwnershipEvent{}
	assert.NoError(t, ev.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, ev.ID)

	id := ev.ID
	assert.NoError(t, ev.BeforeCreate(nil))
	assert.Equal(t, id, ev.ID, "existing id is kept")
}
