// Package app assembles the delivery pipeline from configuration: it probes
// the broker, store and push provider once at startup, records what is
// available, and wires every component against that record.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pushpipe/internal/api/handlers"
	"pushpipe/internal/config"
	httpcore "pushpipe/internal/core"
	"pushpipe/internal/logging"
	"pushpipe/internal/metrics"
	"pushpipe/internal/notifications"
	"pushpipe/internal/notifications/chat"
	ncore "pushpipe/internal/notifications/core"
	"pushpipe/internal/notifications/email"
	"pushpipe/internal/push"
	"pushpipe/internal/queue"
	"pushpipe/internal/retry"
	"pushpipe/internal/scheduler"
	"pushpipe/internal/store"
	"pushpipe/internal/types"
)

const monitorInterval = 30 * time.Second

// Capabilities records what was reachable at startup.
type Capabilities struct {
	Broker          string `json:"broker"`
	BrokerConnected bool   `json:"brokerConnected"`
	Store           string `json:"store"`
	Provider        string `json:"provider"`
	Simulated       bool   `json:"simulated"`
	Email           string `json:"email"`
	Chat            string `json:"chat"`
	// Mode is the effective delivery mode: queued only when configured and
	// the broker connected.
	Mode string `json:"mode"`
}

// Pipeline is the delivery side shared by the API process and the Lambda
// worker.
type Pipeline struct {
	Gateway  push.Gateway
	Email    *email.Sender
	Chat     *chat.Sender
	Delivery *ncore.DeliveryManager
	Handler  *ncore.JobHandler
}

// NewPipeline wires gateway, channel senders and the job handler over st.
func NewPipeline(ctx context.Context, cfg *config.Config, st store.Store, logger types.Logger, rec metrics.Recorder) (*Pipeline, error) {
	gw := NewGateway(ctx, cfg.Push, st, logger)
	mail, err := NewEmailSender(cfg.Email, logger)
	if err != nil {
		return nil, err
	}
	chatSender := NewChatSender(cfg.Chat, logger)

	dm := ncore.NewDeliveryManager(st, ncore.Channels{
		types.ChannelPush:  ncore.NewPushDeliverer(gw),
		types.ChannelEmail: mail,
		types.ChannelChat:  chatSender,
	}, logger, ncore.WithMetrics(rec))

	return &Pipeline{
		Gateway:  gw,
		Email:    mail,
		Chat:     chatSender,
		Delivery: dm,
		Handler:  ncore.NewJobHandler(dm, logger),
	}, nil
}

// App is the long running API process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	log    types.Logger

	Caps       Capabilities
	Store      store.Store
	Pipeline   *Pipeline
	Queues     *queue.Manager
	Pool       *queue.ConsumerPool
	Controller *notifications.Controller
	Scheduler  *scheduler.Scheduler
	Metrics    metrics.Recorder

	metricsHandler http.Handler
	stopMonitor    func()
}

// New builds the App. Only an unusable store or invalid configuration is
// fatal; an unreachable broker degrades to direct delivery.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	log := logging.Adapt(logger)
	a := &App{cfg: cfg, logger: logger, log: log}

	rec, mh, err := NewMetrics(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Metrics, a.metricsHandler = rec, mh

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = st

	p, err := NewPipeline(ctx, cfg, st, log, rec)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.Pipeline = p

	mgr, err := NewQueueManager(ctx, cfg, log, rec)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.Queues = mgr

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout+time.Second)
	brokerErr := mgr.Connect(connectCtx)
	cancel()

	// A nil Enqueuer makes the controller deliver synchronously.
	var enq notifications.Enqueuer
	if brokerErr == nil {
		enq = mgr
		a.Pool = queue.NewConsumerPool(mgr, p.Handler, log, rec, queue.PoolOptions{
			PollInterval: cfg.Delivery.PollInterval,
			ReapInterval: cfg.Delivery.ReaperInterval,
			Redelivery: retry.Policy{
				BaseDelay:     cfg.Delivery.RedeliveryBaseDelay,
				MaxDelay:      cfg.Delivery.RedeliveryMaxDelay,
				BackoffFactor: 2,
			},
		})
	} else {
		log.Warn("broker unavailable; queueing disabled, delivering directly",
			"broker", mgr.Broker().Name(), "error", brokerErr.Error())
	}

	opts := notifications.OptionsFromConfig(cfg.Delivery)
	a.Controller = notifications.NewController(st, p.Gateway, p.Delivery, enq, log, opts)

	if cfg.Retention.Enabled {
		s, err := scheduler.New(log)
		if err != nil {
			_ = mgr.Disconnect()
			_ = st.Close()
			return nil, err
		}
		if err := s.Add(scheduler.RetentionTask(st, cfg.Retention.Days, cfg.Retention.Interval, log)); err != nil {
			_ = s.Stop()
			_ = mgr.Disconnect()
			_ = st.Close()
			return nil, err
		}
		a.Scheduler = s
	}

	a.Caps = Capabilities{
		Broker:          mgr.Broker().Name(),
		BrokerConnected: brokerErr == nil,
		Store:           cfg.Store.Driver,
		Provider:        p.Gateway.Name(),
		Simulated:       p.Gateway.Simulated(),
		Email:           senderMode(p.Email.Simulated(), "smtp"),
		Chat:            senderMode(p.Chat.Simulated(), "webhook"),
		Mode:            config.ModeDirect,
	}
	if a.Controller.Queued() {
		a.Caps.Mode = config.ModeQueued
	}
	logger.Info("capabilities negotiated",
		"broker", a.Caps.Broker,
		"broker_connected", a.Caps.BrokerConnected,
		"store", a.Caps.Store,
		"provider", a.Caps.Provider,
		"email", a.Caps.Email,
		"chat", a.Caps.Chat,
		"mode", a.Caps.Mode,
	)
	return a, nil
}

func senderMode(simulated bool, live string) string {
	if simulated {
		return "simulated"
	}
	return live
}

// Server builds the HTTP server with every route and health probe mounted.
func (a *App) Server() (*httpcore.Server, error) {
	srv, err := httpcore.NewServer(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	if mc, ok := a.Metrics.(httpcore.MetricsCollector); ok {
		srv.Metrics = mc
	}
	if a.metricsHandler != nil {
		srv.PublicHandlers["/metrics"] = a.metricsHandler
	}
	srv.HealthProbes = a.healthProbes()

	nh := handlers.NewNotificationHandler(a.Controller, srv.Validator, a.logger)
	qh := handlers.NewQueueHandler(a.Queues)
	srv.APIRouteRegistrars = append(srv.APIRouteRegistrars, nh.RegisterRoutes, qh.RegisterRoutes)
	srv.MountRoutes()
	return srv, nil
}

func (a *App) healthProbes() []httpcore.HealthProbe {
	return []httpcore.HealthProbe{
		httpcore.ProbeFunc{Label: "broker", Fn: func(ctx context.Context) (string, error) {
			if !a.Queues.IsConnected() {
				return "disconnected", queue.ErrNotConnected
			}
			if err := a.Queues.Broker().Ping(ctx); err != nil {
				return "disconnected", err
			}
			return "connected", nil
		}},
		httpcore.ProbeFunc{Label: "store", Fn: func(ctx context.Context) (string, error) {
			if err := a.Store.Ping(ctx); err != nil {
				return "disconnected", err
			}
			return "connected", nil
		}},
		httpcore.ProbeFunc{Label: "provider", Fn: func(context.Context) (string, error) {
			if a.Caps.Simulated {
				return "simulated", nil
			}
			return "live", nil
		}},
		httpcore.ProbeFunc{Label: "email", Fn: func(context.Context) (string, error) {
			return a.Caps.Email, nil
		}},
		httpcore.ProbeFunc{Label: "chat", Fn: func(context.Context) (string, error) {
			return a.Caps.Chat, nil
		}},
	}
}

// Start launches the consumer pool, queue monitoring and the scheduler.
func (a *App) Start(ctx context.Context) error {
	if a.Pool != nil {
		if err := a.Pool.Start(ctx); err != nil {
			return fmt.Errorf("start consumer pool: %w", err)
		}
		if a.metricsHandler != nil || a.cfg.Metrics.Backend == "cloudwatch" {
			stop, err := a.Queues.StartMonitoring(ctx, monitorInterval)
			if err != nil {
				return fmt.Errorf("start queue monitoring: %w", err)
			}
			a.stopMonitor = stop
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Start()
	}
	return nil
}

// Shutdown stops background work and releases resources: consumer pool
// drain, scheduler, broker, store. Stop the HTTP server first.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		grace := a.cfg.Delivery.ShutdownGrace
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < grace {
			grace = time.Until(dl)
		}
		if err := a.Pool.Stop(grace); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stopMonitor != nil {
		a.stopMonitor()
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if err := a.Queues.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

// Run serves HTTP on the configured port until ctx is canceled, then shuts
// everything down in order.
func (a *App) Run(ctx context.Context) error {
	srv, err := a.Server()
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + a.cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Delivery.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
