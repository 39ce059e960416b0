// Command clusterctl provisions monitored targets in the coordination
// store and inspects the live workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	config "jmxcluster/configs"
	"jmxcluster/pkg/coordination"
	"jmxcluster/pkg/coordination/etcd"
	"jmxcluster/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()
	if _, err := logger.Init(logger.Config{Level: "warn", Encoding: "console", OutputPath: "stderr", Service: "clusterctl"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connect := func(ctx context.Context, endpoints []string) (coordination.Service, error) {
		return etcd.Connect(ctx, etcd.Config{
			Endpoints:       endpoints,
			DialTimeout:     cfg.DialTimeout,
			SessionTTL:      cfg.SessionTTL,
			RetryCount:      cfg.RetryCount,
			RetryBackoff:    cfg.RetryBackoff,
			RetryMaxBackoff: cfg.RetryMaxBackoff,
			Logger:          logger.Named("etcd"),
		})
	}

	root := newRootCmd(cfg, connect, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
