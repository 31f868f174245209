package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/position-manager/api"
	"github.com/vultisig/position-manager/config"
	"github.com/vultisig/position-manager/internal/allowance"
	"github.com/vultisig/position-manager/internal/chain"
	"github.com/vultisig/position-manager/internal/chains"
	"github.com/vultisig/position-manager/internal/scheduler"
	"github.com/vultisig/position-manager/internal/sigutil"
	"github.com/vultisig/position-manager/internal/tasks"
	"github.com/vultisig/position-manager/service"
	"github.com/vultisig/position-manager/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfigure()
	if err != nil {
		return fmt.Errorf("fail to load config: %w", err)
	}

	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewPostgresBackend(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		return fmt.Errorf("fail to create statsd client: %w", err)
	}
	defer sdClient.Close()

	var signer sigutil.Signer
	if cfg.Signer.PrivateKey != "" {
		keySigner, err := sigutil.NewKeySigner(cfg.Signer.PrivateKey)
		if err != nil {
			return fmt.Errorf("fail to load signer: %w", err)
		}
		logger.WithField("address", keySigner.Address().Hex()).Info("signing with configured key")
		signer = keySigner
	}

	registry := chain.NewRegistry()
	managers := make(map[int64]common.Address, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if !chains.IsSupported(c.ChainID) {
			logger.WithField("chain_id", c.ChainID).Warn("chain is not in the known chain list")
		}
		client, err := ethclient.DialContext(ctx, c.RPCURL)
		if err != nil {
			return fmt.Errorf("fail to dial chain %d: %w", c.ChainID, err)
		}
		defer client.Close()

		provider, err := chain.NewEVMProvider(c.ChainID, client, signer, chain.ProviderConfig{
			GasLimitBuffer:    c.GasLimitBuffer,
			PollInterval:      cfg.Tracker.PollInterval,
			PermissionManager: c.PermissionManager,
		}, logger)
		if err != nil {
			return fmt.Errorf("fail to create provider for chain %d: %w", c.ChainID, err)
		}
		registry.Register(provider)
		managers[c.ChainID] = c.PermissionManager
		logger.WithFields(logrus.Fields{
			"chain_id": c.ChainID,
			"chain":    chains.Name(c.ChainID),
		}).Info("chain registered")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queueClient := asynq.NewClient(redisOptions)
	defer queueClient.Close()

	allowances := allowance.NewCachedReader(registry, rdb, cfg.Allowance.CacheTTL, logger)
	broadcaster := service.NewBroadcaster(logger)

	sessions, err := service.NewSessionManager(db, registry.Chains(), logger)
	if err != nil {
		return err
	}
	positions, err := service.NewPositionService(sessions, registry, registry, allowances, broadcaster, queueClient, sdClient,
		service.PositionServiceConfig{
			ReceiptTimeout:     cfg.Tracker.ReceiptTimeout,
			PermissionManagers: managers,
		}, logger)
	if err != nil {
		return err
	}
	worker, err := service.NewWorker(registry, positions, sdClient, cfg.Tracker.ReceiptTimeout, logger)
	if err != nil {
		return err
	}

	sweeper, err := scheduler.NewSweepService(db, logger, queueClient, cfg.Scheduler.SweepSpec,
		cfg.Tracker.StaleAfter, cfg.Tracker.ReceiptTimeout)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	queueServer := asynq.NewServer(redisOptions, asynq.Config{
		Logger:      logger,
		Concurrency: 10,
		Queues: map[string]int{
			tasks.QUEUE_NAME: 10,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeWatchReceipt, worker.HandleWatchReceipt)
	if err := queueServer.Start(mux); err != nil {
		return fmt.Errorf("fail to start worker: %w", err)
	}
	defer queueServer.Shutdown()

	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, sessions, positions, broadcaster, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Errorf("fail to shutdown http server: %v", err)
	}
	return nil
}
