package cluster

import "errors"

var (
	// ErrConnection is returned when the coordination session cannot be
	// established.
	ErrConnection = errors.New("coordination connection failed")
	// ErrConfig is returned for missing or invalid construction parameters.
	ErrConfig = errors.New("invalid cluster configuration")
	// ErrTargetMisconfigured marks a target lacking its affinity or config node.
	ErrTargetMisconfigured = errors.New("target misconfigured")
	// ErrWatchDelivery wraps failures while reacting to a watch event.
	ErrWatchDelivery = errors.New("watch delivery failed")
	// ErrUnknownTarget is returned when no handler exists for an alias.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrNotStarted is returned by operations that need a running session.
	ErrNotStarted = errors.New("session not started")
)
