package cluster

import "jmxcluster/pkg/coordination"

const (
	DefaultWorkersRoot = "/jmxtrans/workers"
	DefaultTargetsRoot = "/jmxtrans/jvms"

	configNode   = "config"
	affinityNode = "affinity"
	ownerNode    = "owner"
	requestNode  = "request"
)

// Layout names every node of the coordination tree. All paths go through
// coordination.JoinPath so a heartbeat registration and a later liveness
// check of the same worker address the same node.
type Layout struct {
	WorkersRoot string
	TargetsRoot string
}

// NewLayout applies the default roots for empty values.
func NewLayout(workersRoot, targetsRoot string) Layout {
	if workersRoot == "" {
		workersRoot = DefaultWorkersRoot
	}
	if targetsRoot == "" {
		targetsRoot = DefaultTargetsRoot
	}
	return Layout{
		WorkersRoot: coordination.JoinPath(workersRoot),
		TargetsRoot: coordination.JoinPath(targetsRoot),
	}
}

func (l Layout) HeartbeatPath(worker string) string {
	return coordination.JoinPath(l.WorkersRoot, worker)
}

func (l Layout) TargetPath(target string) string {
	return coordination.JoinPath(l.TargetsRoot, target)
}

func (l Layout) ConfigPath(target string) string {
	return coordination.JoinPath(l.TargetsRoot, target, configNode)
}

func (l Layout) AffinityPath(target string) string {
	return coordination.JoinPath(l.TargetsRoot, target, affinityNode)
}

// OwnerPath is the mutex root of the target's ownership lock.
func (l Layout) OwnerPath(target string) string {
	return coordination.JoinPath(l.TargetsRoot, target, ownerNode)
}

// RequestPath is the ephemeral marker an affinity worker leaves when it
// finds the lock held by someone else.
func (l Layout) RequestPath(target string) string {
	return coordination.JoinPath(l.TargetsRoot, target, requestNode)
}
