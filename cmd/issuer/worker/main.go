package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/HumansWindow/lastproject-sub014/common"
	"github.com/HumansWindow/lastproject-sub014/internal/ledger"
	"github.com/HumansWindow/lastproject-sub014/internal/rpc"
	"github.com/HumansWindow/lastproject-sub014/internal/settle"
	"github.com/HumansWindow/lastproject-sub014/internal/tasks"
	"github.com/HumansWindow/lastproject-sub014/storage/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := common.LoadConfig()
	if err != nil {
		panic(fmt.Errorf("failed to get config: %w", err))
	}
	network, err := cfg.Network()
	if err != nil {
		panic(err)
	}

	logger := logrus.New()

	sdClient, err := statsd.New(net.JoinHostPort(cfg.Datadog.Host, cfg.Datadog.Port))
	if err != nil {
		logger.WithError(err).Warn("statsd unavailable, metrics disabled")
		sdClient = nil
	}

	db, err := postgres.NewPostgresBackend(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	registry := rpc.NewRegistry(
		map[string][]string{cfg.Issuance.Network: network.Endpoints},
		cfg.Rpc.UnhealthyAfter,
		logger,
	)

	adapter, err := ledger.NewEvmAdapter(network.ChainID, network.MinterAddress, network.OperatorKey, logger)
	if err != nil {
		logger.Fatalf("failed to create ledger adapter: %v", err)
	}

	scheduler := settle.NewScheduler(db, registry, adapter, settle.Config{
		Network:                   cfg.Issuance.Network,
		Amount:                    cfg.Issuance.Amount,
		MaxBatchSize:              cfg.Settlement.MaxBatchSize,
		TickInterval:              cfg.Settlement.TickInterval,
		Cron:                      cfg.Settlement.Cron,
		MaxRetries:                cfg.Settlement.MaxRetries,
		SubmitTimeout:             cfg.Ledger.RequestTimeout,
		ConfirmAttempts:           cfg.Settlement.ConfirmAttempts,
		ConfirmInterval:           cfg.Settlement.ConfirmInterval,
		AlertAfterNoEndpointTicks: cfg.Settlement.AlertAfterNoEndpointTicks,
		StaleInBatchAfter:         cfg.Settlement.StaleInBatchAfter,
	}, logger, sdClient)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     net.JoinHostPort(cfg.Redis.Host, cfg.Redis.Port),
			Username: cfg.Redis.User,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Logger:      logger,
			Concurrency: 1,
			Queues: map[string]int{
				tasks.QueueName: 10,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeSettlementTick, scheduler.HandleTickTask)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.RunReinstatement(gctx, cfg.Rpc.ProbeInterval)
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("srv.Start: %w", err)
		}
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("worker stopped: %v", err)
	}
}
