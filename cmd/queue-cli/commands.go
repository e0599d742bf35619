package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pushpipe/internal/config"
	"pushpipe/internal/logging"
	"pushpipe/internal/queue"
)

const defaultMonitorInterval = 5000 // ms

func newRootCmd(e *env) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "queue-cli",
		Short: "Inspect and operate the pushpipe delivery queues",
		Long: "queue-cli connects to the configured broker (Redis or SQS) and runs one " +
			"operator command against the queue manager.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log queue manager activity to stderr")
	root.SetOut(e.out)
	root.SetErr(e.errOut)

	r := &runner{env: e, verbose: &verbose}
	root.AddCommand(
		r.newHealthCmd(),
		r.newStatsCmd(),
		r.newTestCmd(),
		r.newPurgeCmd(),
		r.newMonitorCmd(),
		r.newConfigCmd(),
		r.newDLQCmd(),
		r.newReplayCmd(),
	)
	return root
}

type runner struct {
	env     *env
	verbose *bool
}

// withManager loads configuration, connects a queue manager, runs fn and
// disconnects.
func (r *runner) withManager(ctx context.Context, fn func(ctx context.Context, m *queue.Manager, p *printer) error) error {
	cfg, err := r.env.loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	level := "warn"
	if *r.verbose {
		level = "info"
	}
	logger := logging.Adapt(logging.NewWithWriter(level, r.env.errOut))

	m, err := r.env.newManager(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating queue manager: %w", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout+time.Second)
	err = m.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s broker: %w", cfg.Broker.Driver, err)
	}

	runErr := fn(ctx, m, newPrinter(r.env.out))
	if err := m.Disconnect(); err != nil && runErr == nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	return runErr
}

func (r *runner) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check broker connectivity and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withManager(cmd.Context(), func(ctx context.Context, m *queue.Manager, p *printer) error {
				report := m.HealthCheck(ctx)
				p.health(report)
				if report.Status != queue.StatusHealthy {
					return fmt.Errorf("queue system is %s: %s", report.Status, report.Reason)
				}
				return nil
			})
		},
	}
}

func (r *runner) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-queue message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withManager(cmd.Context(), func(ctx context.Context, m *queue.Manager, p *printer) error {
				stats, err := m.GetDetailedStats(ctx)
				if err != nil {
					return err
				}
				p.stats(stats)
				return nil
			})
		},
	}
}

func (r *runner) newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Enqueue one synthetic job on every queue",
		Long:  "Test jobs are acknowledged by consumers without contacting any provider.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withManager(cmd.Context(), func(ctx context.Context, m *queue.Manager, p *printer) error {
				results, err := m.AddTestMessages(ctx)
				if err != nil {
					return err
				}
				p.results("Test messages", results, "Message ID")
				return failedOps("test message", results)
			})
		},
	}
}

func (r *runner) newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [queue]",
		Short: "Remove all messages from one queue, or from every queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withManager(cmd.Context(), func(ctx context.Context, m *queue.Manager, p *printer) error {
				if len(args) == 1 {
					n, err := m.PurgeQueue(ctx, args[0])
					if err != nil {
						return err
					}
					p.success(fmt.Sprintf("Purged %d message(s) from %s", n, args[0]))
					return nil
				}
				results, err := m.PurgeAllQueues(ctx)
				if err != nil {
					return err
				}
				p.results("Purge", results, "Removed")
				return failedOps("purge", results)
			})
		},
	}
}

func (r *runner) newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [intervalMs]",
		Short: "Print queue stats periodically until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, err := parseInterval(args)
			if err != nil {
				return err
			}
			return r.withManager(cmd.Context(), func(ctx context.Context, m *queue.Manager, p *printer) error {
				stop, err := m.StartMonitoring(ctx, interval)
				if err != nil {
					return err
				}
				defer stop()

				p.note(fmt.Sprintf("Monitoring every %s. Press Ctrl+C to stop.", interval))
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if stats, err := m.GetDetailedStats(ctx); err == nil {
						p.stats(stats)
					} else if ctx.Err() == nil {
						p.warning("stats unavailable: " + err.Error())
					}
					select {
					case <-ctx.Done():
						p.note("Monitoring stopped.")
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
}

func parseInterval(args []string) (time.Duration, error) {
	ms := defaultMonitorInterval
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("interval must be a positive number of milliseconds, got %q", args[0])
		}
		ms = n
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// newConfigCmd prints the effective configuration without connecting.
func (r *runner) newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show broker settings and queue policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.env.loadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			queues, err := config.LoadQueues(cfg.Queues.OverridesFile)
			if err != nil {
				return err
			}
			p := newPrinter(r.env.out)
			p.brokerSettings(cfg)
			p.queueConfigs(queues)
			return nil
		},
	}
}

func (r *runner) newDLQCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dlq [queue]",
		Short: "List dead-lettered jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			return r.withManager(cmd.Context(), func(ctx context.Context, m *queue.Manager, p *printer) error {
				names := args
				if len(names) == 0 {
					for _, q := range m.Queues() {
						names = append(names, q.Name)
					}
				}
				for _, name := range names {
					msgs, err := m.DeadLetters(ctx, name, limit)
					if err != nil {
						return err
					}
					p.deadLetters(name, msgs)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum jobs to list per queue")
	return cmd
}

func (r *runner) newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <queue>",
		Short: "Move a queue's dead-lettered jobs back onto the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withManager(cmd.Context(), func(ctx context.Context, m *queue.Manager, p *printer) error {
				n, err := m.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				p.success(fmt.Sprintf("Replayed %d job(s) onto %s", n, args[0]))
				return nil
			})
		},
	}
}

func failedOps(op string, results map[string]queue.OpResult) error {
	var failed int
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s failed on %d of %d queue(s)", op, failed, len(results))
	}
	return nil
}
