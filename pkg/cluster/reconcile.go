package cluster

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var reconcileParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// reconciler runs the periodic reconcile pass on a cron schedule. A pass
// still running when the next one is due is skipped.
type reconciler struct {
	cron *cron.Cron
}

func newReconciler(schedule string, job func(), logger *zap.Logger) (*reconciler, error) {
	c := cron.New(
		cron.WithParser(reconcileParser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := c.AddFunc(schedule, job); err != nil {
		return nil, err
	}
	return &reconciler{cron: c}, nil
}

func (r *reconciler) start() {
	r.cron.Start()
}

// stop waits for a running pass to finish.
func (r *reconciler) stop() {
	<-r.cron.Stop().Done()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
