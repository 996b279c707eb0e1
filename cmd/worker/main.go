package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"forgelab/internal/adapter/repo"
	"forgelab/internal/infra"
	"forgelab/internal/ledger"
	"forgelab/internal/lifecycle"
	"forgelab/internal/provider"
	"forgelab/internal/queue"
	"forgelab/internal/worker"
	"forgelab/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "worker").Logger()

	if cfg.MigrateOnStart {
		if err := infra.Migrate(cfg, migrations.FS); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	events := repo.NewJobEventRepository(runner)
	ledgerRepo := repo.NewTokenLedgerRepository(runner)

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	var jobQueue queue.Queue
	if rdb != nil {
		defer rdb.Close()
		jobQueue = queue.NewRedisQueue(rdb)
	}

	tokens := ledger.NewService(ledgerRepo, cfg.TokensPerJob, logger)
	machine := lifecycle.NewMachine(jobs, events, logger)

	gateways := map[string]provider.Gateway{
		"mock": provider.NewMock(cfg.DefaultModelURL),
	}
	if cfg.ProviderName != "mock" {
		gateways[cfg.ProviderName] = provider.NewHTTPGateway(provider.HTTPGatewayOptions{
			Name:    cfg.ProviderName,
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
			Timeout: cfg.ProviderTimeout,
		})
	}

	tick := worker.New(jobs, machine, tokens, gateways, jobQueue, worker.Config{
		Enabled:      cfg.WorkerEnabled,
		DefaultLimit: cfg.WorkerTickLimit,
		RetryLimit:   cfg.RetryLimit,
		RetryBackoff: time.Second,
	}, logger)

	if err := tick.Run(ctx, cfg.WorkerPollInterval, cfg.WorkerTickLimit); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: run loop stopped")
	}
	logger.Info().Msg("worker stopped")
}
