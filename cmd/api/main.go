package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"forgelab/internal/adapter/repo"
	"forgelab/internal/http/handlers"
	"forgelab/internal/http/httpapi"
	"forgelab/internal/infra"
	"forgelab/internal/infra/geoip"
	"forgelab/internal/ledger"
	"forgelab/internal/lifecycle"
	"forgelab/internal/provider"
	"forgelab/internal/queue"
	"forgelab/internal/quota"
	"forgelab/internal/worker"
	"forgelab/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if cfg.MigrateOnStart {
		if err := infra.Migrate(cfg, migrations.FS); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
	}

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	events := repo.NewJobEventRepository(runner)
	ledgerRepo := repo.NewTokenLedgerRepository(runner)

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	var jobQueue queue.Queue
	var counterStore quota.CounterStore = quota.NewMemoryCounterStore()
	if rdb != nil {
		defer rdb.Close()
		jobQueue = queue.NewRedisQueue(rdb)
		counterStore = quota.NewRedisCounterStore(rdb)
	}

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}

	tokens := ledger.NewService(ledgerRepo, cfg.TokensPerJob, logger)
	machine := lifecycle.NewMachine(jobs, events, logger)
	limiter := quota.NewLimiter(counterStore, quota.Limits{
		UserPerMinute: cfg.QuotaUserPerMinute,
		UserPerHour:   cfg.QuotaUserPerHour,
		UserPerDay:    cfg.QuotaUserPerDay,
		IPPerMinute:   cfg.QuotaIPPerMinute,
		IPPerHour:     cfg.QuotaIPPerHour,
		IPPerDay:      cfg.QuotaIPPerDay,
	})

	tick := worker.New(jobs, machine, tokens, buildGateways(cfg), jobQueue, worker.Config{
		Enabled:      cfg.WorkerEnabled,
		DefaultLimit: cfg.WorkerTickLimit,
		RetryLimit:   cfg.RetryLimit,
		RetryBackoff: time.Second,
	}, logger)

	app := &handlers.App{
		Logger:  logger,
		Cfg:     cfg,
		Jobs:    jobs,
		Events:  events,
		Tokens:  tokens,
		Machine: machine,
		Quota:   limiter,
		Worker:  tick,
		Queue:   jobQueue,
		Geo:     geo,
	}

	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// buildGateways wires every configured generation backend. The mock backend
// is always present so existing mock jobs keep draining after a provider
// switch.
func buildGateways(cfg *infra.Config) map[string]provider.Gateway {
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
	return gateways
}
