// Package notify holds the listeners a worker attaches to its cluster
// session: a log of every change, the in-process registry of collected
// targets, and asynchronous sinks for the event stream and audit trail.
package notify

import (
	"go.uber.org/zap"
)

// LogListener logs every notification.
type LogListener struct {
	logger *zap.Logger
}

func NewLogListener(logger *zap.Logger) *LogListener {
	return &LogListener{logger: logger}
}

func (l *LogListener) OnConfigChanged(target string, config []byte) {
	l.logger.Info("Target config changed",
		zap.String("target", target),
		zap.Int("bytes", len(config)))
}

func (l *LogListener) OnOwnershipChanged(target string, isOwner bool) {
	if isOwner {
		l.logger.Info("Started collecting target", zap.String("target", target))
		return
	}
	l.logger.Info("Stopped collecting target", zap.String("target", target))
}
