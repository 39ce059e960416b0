// Package cluster shares responsibility for a set of monitored targets
// across a fleet of collector workers. Each worker registers a heartbeat,
// runs an affinity-preferred election per target and reports ownership and
// configuration changes to the monitoring engine through a Listener.
package cluster

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"jmxcluster/pkg/logger"
)

// Target is a monitored entity whose ownership is negotiated.
type Target struct {
	Alias    string `json:"alias"`
	Affinity string `json:"affinity"`
	Config   []byte `json:"config"`
}

// OwnershipState is the local worker's view of one target.
type OwnershipState int32

const (
	StateInitializing OwnershipState = iota
	StateElecting
	StateOwner
	StateNonOwnerWatching
	StateStopped
)

var allStates = []string{
	StateInitializing.String(),
	StateElecting.String(),
	StateOwner.String(),
	StateNonOwnerWatching.String(),
	StateStopped.String(),
}

func (s OwnershipState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateElecting:
		return "electing"
	case StateOwner:
		return "owner"
	case StateNonOwnerWatching:
		return "non_owner_watching"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in API responses.
func (s OwnershipState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Listener is the boundary to the monitoring engine. Calls for one target
// are never concurrent; calls for different targets may be.
type Listener interface {
	OnConfigChanged(targetAlias string, config []byte)
	OnOwnershipChanged(targetAlias string, isOwner bool)
}

// Listeners fans every notification out to each listener in order. A
// listener that panics is logged and the remaining ones still run.
type Listeners []Listener

func (ls Listeners) OnConfigChanged(targetAlias string, config []byte) {
	for i, l := range ls {
		func() {
			defer recoverFanOut(targetAlias, "config", i)
			l.OnConfigChanged(targetAlias, config)
		}()
	}
}

func (ls Listeners) OnOwnershipChanged(targetAlias string, isOwner bool) {
	for i, l := range ls {
		func() {
			defer recoverFanOut(targetAlias, "ownership", i)
			l.OnOwnershipChanged(targetAlias, isOwner)
		}()
	}
}

func recoverFanOut(targetAlias, kind string, index int) {
	if r := recover(); r != nil {
		logger.Named("cluster").Error("listener panicked",
			zap.String("target", targetAlias),
			zap.String("notification", kind),
			zap.Int("listener", index),
			zap.Error(fmt.Errorf("%w: %v", ErrWatchDelivery, r)),
		)
	}
}

type nopListener struct{}

func (nopListener) OnConfigChanged(string, []byte)  {}
func (nopListener) OnOwnershipChanged(string, bool) {}

// TargetStatus is a point-in-time snapshot of one handler.
type TargetStatus struct {
	Alias        string         `json:"alias"`
	Affinity     string         `json:"affinity"`
	State        OwnershipState `json:"state"`
	Owner        bool           `json:"owner"`
	ConfigBytes  int            `json:"config_bytes"`
	LastElection time.Time      `json:"last_election"`
	LastOutcome  string         `json:"last_outcome"`
}
