package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/HumansWindow/lastproject-sub014/api"
	"github.com/HumansWindow/lastproject-sub014/common"
	"github.com/HumansWindow/lastproject-sub014/internal/deviceapi"
	"github.com/HumansWindow/lastproject-sub014/internal/eligibility"
	"github.com/HumansWindow/lastproject-sub014/internal/issuance"
	"github.com/HumansWindow/lastproject-sub014/internal/ledger"
	"github.com/HumansWindow/lastproject-sub014/internal/rpc"
	"github.com/HumansWindow/lastproject-sub014/storage/postgres"
)

// rootCacheTTL bounds how stale an enqueue-time eligibility check may
// be; the minter contract re-verifies proofs at settlement.
const rootCacheTTL = 60 * time.Second

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

	db, err := postgres.NewPostgresBackend(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     net.JoinHostPort(cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		_ = client.Close()
	}()

	registry := rpc.NewRegistry(
		map[string][]string{cfg.Issuance.Network: network.Endpoints},
		cfg.Rpc.UnhealthyAfter,
		logger,
	)
	go registry.RunReinstatement(ctx, cfg.Rpc.ProbeInterval)

	adapter, err := ledger.NewEvmAdapter(network.ChainID, network.MinterAddress, network.OperatorKey, logger)
	if err != nil {
		logger.Fatalf("failed to create ledger adapter: %v", err)
	}
	roots := ledger.NewCachedRootSource(registry, adapter, cfg.Issuance.Network, rootCacheTTL)

	service := issuance.NewService(
		db,
		eligibility.NewVerifier(cfg.Issuance.PeriodicWindowDays),
		roots,
		deviceapi.NewDeviceApi(cfg.Auth.URL, cfg.Auth.Token, logger),
		logger,
	)

	server := api.NewServer(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		DepthThreshold: cfg.Settlement.DepthThreshold,
	}, service, client, logger)

	if err := server.Start(ctx); err != nil {
		logger.Fatalf("failed to run api server: %v", err)
	}
}
