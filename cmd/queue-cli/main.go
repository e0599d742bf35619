// Command queue-cli is the operator tool for the delivery queues. Each
// command connects to the broker, runs once and disconnects; monitor runs
// until interrupted. Any failure exits 1.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"pushpipe/internal/app"
	"pushpipe/internal/config"
	"pushpipe/internal/queue"
	"pushpipe/internal/types"
)

// env carries the command dependencies so tests can substitute them.
type env struct {
	out        io.Writer
	errOut     io.Writer
	loadConfig func() (*config.Config, error)
	newManager func(ctx context.Context, cfg *config.Config, logger types.Logger) (*queue.Manager, error)
}

func defaultEnv() *env {
	return &env{
		out:        os.Stdout,
		errOut:     os.Stderr,
		loadConfig: func() (*config.Config, error) { return config.LoadConfig(config.DefaultProvider()) },
		newManager: func(ctx context.Context, cfg *config.Config, logger types.Logger) (*queue.Manager, error) {
			return app.NewQueueManager(ctx, cfg, logger, nil)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(defaultEnv()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, newPrinter(os.Stderr).failure("error: "+err.Error()))
		os.Exit(1)
	}
}
