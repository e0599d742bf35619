package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"pushpipe/internal/broker"
	"pushpipe/internal/config"
	"pushpipe/internal/metrics"
	"pushpipe/internal/notifications/chat"
	"pushpipe/internal/notifications/email"
	"pushpipe/internal/push"
	"pushpipe/internal/queue"
	"pushpipe/internal/security"
	"pushpipe/internal/store"
	"pushpipe/internal/types"
)

// loadAWSConfig loads the default AWS credential chain for region, with an
// optional endpoint override for LocalStack.
func loadAWSConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	return cfg, nil
}

// NewBroker builds the configured broker. It does not connect.
func NewBroker(ctx context.Context, cfg config.BrokerConfig, logger types.Logger) (broker.Broker, error) {
	switch cfg.Driver {
	case "", "redis":
		return broker.NewRedisBroker(broker.RedisOptions{
			Addr:        net.JoinHostPort(cfg.RedisHost, strconv.Itoa(cfg.RedisPort)),
			Password:    cfg.RedisPassword.Reveal(),
			DB:          cfg.RedisDB,
			KeyPrefix:   cfg.KeyPrefix,
			DialTimeout: cfg.ConnectTimeout,
		}, logger), nil
	case "sqs":
		awsCfg, err := loadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSEndpointURL)
		if err != nil {
			return nil, err
		}
		return broker.NewSQSBroker(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURLPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// NewQueueManager builds a disconnected manager over the configured broker
// and queue policies.
func NewQueueManager(ctx context.Context, cfg *config.Config, logger types.Logger, rec metrics.Recorder) (*queue.Manager, error) {
	queues, err := config.LoadQueues(cfg.Queues.OverridesFile)
	if err != nil {
		return nil, err
	}
	b, err := NewBroker(ctx, cfg.Broker, logger)
	if err != nil {
		return nil, err
	}
	return queue.NewManager(b, queues, logger, queue.WithMetrics(rec)), nil
}

// NewMetrics returns the recorder for cfg.Backend. The handler is non-nil
// only for prometheus.
func NewMetrics(ctx context.Context, cfg *config.Config, logger types.Logger) (metrics.Recorder, http.Handler, error) {
	switch cfg.Metrics.Backend {
	case "", "none":
		return metrics.Noop{}, nil, nil
	case "prometheus":
		p := metrics.NewPrometheus()
		return p, p.Handler(), nil
	case "cloudwatch":
		awsCfg, err := loadAWSConfig(ctx, cfg.Broker.AWSRegion, cfg.Broker.AWSEndpointURL)
		if err != nil {
			return nil, nil, err
		}
		return metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics backend %q", cfg.Metrics.Backend)
	}
}

// NewGateway returns the live FCM gateway when credentials are configured
// and usable, and the simulated gateway otherwise.
func NewGateway(ctx context.Context, cfg config.PushConfig, st push.TokenStore, logger types.Logger) push.Gateway {
	if !cfg.Configured() {
		logger.Warn("push credentials not configured; running in simulation mode")
		return push.NewSimulatedGateway(st, logger)
	}
	sender, err := push.NewFCMSender(ctx, cfg.CredentialsFile, cfg.ProjectID)
	if err != nil {
		logger.Warn("push provider unavailable; running in simulation mode", "error", err.Error())
		return push.NewSimulatedGateway(st, logger)
	}
	return push.NewLiveGateway(sender, st, logger, push.LiveOptions{
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	})
}

// NewEmailSender returns an SMTP backed sender, or a simulated one when no
// relay is configured.
func NewEmailSender(cfg config.EmailConfig, logger types.Logger) (*email.Sender, error) {
	renderer, err := email.NewRenderer()
	if err != nil {
		return nil, err
	}
	var mailer email.Mailer = email.NewSimulatedMailer(logger)
	if cfg.Configured() {
		mailer = email.NewSMTPMailer(email.SMTPOptions{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.Username,
			Password:   cfg.Password.Reveal(),
			RequireTLS: cfg.RequireTLS,
		})
	}
	return email.NewSender(mailer, renderer, cfg.FromAddress, logger), nil
}

// NewChatSender returns a webhook backed sender, or a simulated one when no
// webhook URL is configured. Webhook traffic goes through the egress guard
// unless private networks are explicitly allowed.
func NewChatSender(cfg config.ChatConfig, logger types.Logger) *chat.Sender {
	if !cfg.Configured() {
		return chat.NewSender(chat.NewSimulatedPoster(logger), logger)
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if !cfg.AllowPrivateNetworks {
		client = security.NewGuard(nil).NewHTTPClient(cfg.Timeout, 3)
	}
	return chat.NewSender(chat.NewWebhookPoster(cfg, client), logger)
}

// OpenStore opens the configured store and verifies it answers.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	st, err := store.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping %s store: %w", cfg.Driver, err)
	}
	return st, nil
}
