package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"agentic-trust/internal/aa"
	"agentic-trust/internal/api"
	"agentic-trust/internal/auth"
	"agentic-trust/internal/chainsvc"
	"agentic-trust/internal/config"
	"agentic-trust/internal/deploy"
	"agentic-trust/internal/discovery"
	"agentic-trust/internal/feedback"
	"agentic-trust/internal/ipfs"
	"agentic-trust/internal/observability/metrics"
	"agentic-trust/internal/resolver"
	badgerstore "agentic-trust/internal/storage/badger"
	mysqlstore "agentic-trust/internal/storage/mysql"
	redisstore "agentic-trust/internal/storage/redis"
	"agentic-trust/internal/userapp"
	"agentic-trust/internal/web3/provider"
	"agentic-trust/pkg/logger"
)

// main 是 agentic-trust 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agenticd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	src := config.FromEnv()
	cfg, err := config.Load(src)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditEnabled,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("agenticd")

	defs, err := config.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return err
	}
	chains := config.NewChainResolver(src, defs)

	registry := provider.NewRegistry(chains)
	defer registry.Close()

	apps := userapp.New(config.SourceGate(src), userapp.NewBuilder(src, registry, cfg.DefaultChainID))

	storage := ipfs.NewClient(ipfs.Config{
		APIURL:     cfg.IPFS.APIURL,
		GatewayURL: cfg.IPFS.GatewayURL,
		Token:      cfg.IPFS.Token,
	})
	services := chainsvc.New(chainsvc.Options{
		Chains:  chains,
		Apps:    apps,
		Signers: registry,
		Discovery: discovery.Config{
			URL:    cfg.Discovery.URL,
			APIKey: cfg.Discovery.APIKey,
		},
		Storage: storage,
	})
	defer services.Reset()

	resolvers := func(chainID int64) *resolver.Resolver {
		return resolver.NewForChain(services, chainID)
	}
	lifecycle := aa.NewLifecycle(aa.LifecycleOptions{
		Chains:         chains,
		DefaultChainID: cfg.DefaultChainID,
		Code:           services.CodeReader,
		Resolvers:      resolvers,
		Owner:          services.DefaultOwner,
		Signers:        services.SignerFor,
	})

	ledger, closeLedger, err := openLedger(ctx, cfg.Feedback.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	issuer := feedback.NewIssuer(feedback.IssuerOptions{
		Approvals:     services.Approvals,
		Ledger:        ledger,
		ExpirySeconds: cfg.Feedback.ExpirySeconds,
	})

	store := deploy.NewMemoryStore()
	queue, err := openQueue(ctx, cfg.Deploy)
	if err != nil {
		return err
	}
	deployments := deploy.NewService(store, queue, cfg.Deploy.MaxRetries,
		deploy.WithDefaultChain(cfg.DefaultChainID),
		deploy.WithOwnerSource(services.DefaultOwner),
	)
	defer func() {
		if err := deployments.Close(); err != nil {
			appLog.Warn("关闭部署队列失败", slog.Any("error", err))
		}
	}()
	processor := deploy.NewProcessor(lifecycle, store, queue, queue,
		deploy.WithWorkerCount(cfg.Deploy.Workers),
		deploy.WithJobTimeout(cfg.Deploy.JobTimeout),
		deploy.WithProcessorLogger(logger.Named("deploy")),
	)

	keys, err := auth.ParseKeys(cfg.Auth.APIKeys)
	if err != nil {
		return err
	}
	guard, err := auth.NewService(auth.Config{Keys: keys})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Options{
		Address:        cfg.Server.Address,
		RequestTimeout: cfg.Server.RequestTimeout,
		DefaultChainID: cfg.DefaultChainID,
		Resolvers:      resolvers,
		Accounts:       lifecycle,
		Deployments:    deployments,
		Feedback:       chainsvc.NewFeedbackAuthorizer(services, issuer),
		Ledger:         ledger,
		Registrations:  services,
		Auth:           guard,
	})

	appLog.Info("agenticd 启动",
		slog.Int64("default_chain_id", cfg.DefaultChainID),
		slog.String("ledger", cfg.Feedback.Ledger.Driver),
		slog.String("queue", cfg.Deploy.QueueDriver),
		slog.String("auth", string(guard.Mode())),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error {
			return metrics.StartServer(groupCtx, cfg.Server.MetricsAddress)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (feedback.Ledger, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "", "memory":
		return feedback.NewMemoryLedger(), noop, nil
	case "redis":
		ledger, err := redisstore.NewFeedbackLedger(ctx, redisstore.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { _ = ledger.Close() }, nil
	case "mysql":
		ledger, err := mysqlstore.NewFeedbackLedger(ctx, mysqlstore.Config{DSN: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { _ = ledger.Close() }, nil
	case "badger":
		ledger, err := badgerstore.NewFeedbackLedger(badgerstore.Config{Path: cfg.Path})
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { _ = ledger.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的反馈账本驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.DeployConfig) (deploy.Queue, error) {
	switch cfg.QueueDriver {
	case "", "memory":
		return deploy.NewMemoryQueue(1024), nil
	case "redis":
		return deploy.NewRedisQueue(ctx, deploy.RedisQueueConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Queue:    cfg.QueueName,
		})
	case "rabbitmq":
		return deploy.NewRabbitMQQueue(deploy.RabbitMQConfig{
			URL:     cfg.AMQPURL,
			Queue:   cfg.QueueName,
			Durable: true,
		})
	case "nats":
		return deploy.NewNATSQueue(deploy.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.QueueName,
		})
	default:
		return nil, fmt.Errorf("未知的部署队列驱动: %s", cfg.QueueDriver)
	}
}
