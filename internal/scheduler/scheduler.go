// Package scheduler runs periodic maintenance tasks in-process on gocron.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"pushpipe/internal/types"
)

// TaskType names a maintenance task.
type TaskType string

const (
	TaskCleanupNotifications TaskType = "cleanup_notifications"
)

// Task is one periodic job.
type Task struct {
	Name  TaskType
	Every time.Duration
	// Immediate runs the task once at Start instead of waiting a full period.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler owns a gocron scheduler. Runs of the same task never overlap.
type Scheduler struct {
	cron   gocron.Scheduler
	logger types.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger types.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = types.NopLogger{}
	}
	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: cron, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Add registers t. Task errors are logged, never fatal.
func (s *Scheduler) Add(t Task) error {
	if t.Every <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	opts := []gocron.JobOption{
		gocron.WithName(string(t.Name)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if t.Immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	_, err := s.cron.NewJob(gocron.DurationJob(t.Every), gocron.NewTask(func() {
		start := time.Now()
		if err := t.Run(s.ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", t.Name, "error", err)
			return
		}
		s.logger.Info("scheduled task finished", "task", t.Name, "duration_ms", time.Since(start).Milliseconds())
	}), opts...)
	if err != nil {
		return fmt.Errorf("scheduling task %s: %w", t.Name, err)
	}
	s.logger.Info("task scheduled", "task", t.Name, "every", t.Every.String())
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	return s.cron.Shutdown()
}
