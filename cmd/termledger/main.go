package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"TermLedger/internal/auditor"
	"TermLedger/internal/config"
	"TermLedger/internal/core"
	"TermLedger/internal/ingestion"
	"TermLedger/internal/market"
	"TermLedger/internal/observability"
	"TermLedger/internal/oracle"
	"TermLedger/internal/persistence"
	"TermLedger/internal/projection"
	"TermLedger/internal/server"
	"TermLedger/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger := observability.NewLogger("termledger")
	logger.Info().Str("config", *configPath).Msg("TermLedger starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Service.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.Service.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Recovery: resume sequence at the log tail, warm the dedup LRU ---
	eventLog := persistence.NewEventLogWriter(db)
	latest, err := eventLog.LatestSequence(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("read event log tail")
	}
	warmKeys, err := eventLog.RecentDedupKeys(ctx, cfg.Service.DedupWarmKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("load dedup keys")
	}
	logger.Info().Int64("sequence", latest).Int("dedup_keys", len(warmKeys)).Msg("event log recovered")

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel gets blocking sends from the engine; the projection
	// channel is fanned out below with non-blocking sends.
	persistChan := make(chan core.Output, cfg.Service.PersistBuffer)
	projectionChan := make(chan core.Output, cfg.Service.ProjectionBuffer)
	projWorkerChan := make(chan core.Output, cfg.Service.ProjectionBuffer)
	publishChan := make(chan core.Output, cfg.Service.ProjectionBuffer)

	// --- Engine ---
	incentive, closeFactor, err := cfg.Auditor.Incentive()
	if err != nil {
		logger.Fatal().Err(err).Msg("auditor config")
	}
	aud, err := auditor.New(incentive, closeFactor)
	if err != nil {
		logger.Fatal().Err(err).Msg("build auditor")
	}
	engine, err := core.NewEngine(core.Config{
		StartSequence:  latest + 1,
		CommandBuffer:  cfg.Service.CommandBuffer,
		Auditor:        aud,
		DedupCapacity:  cfg.Service.DedupCapacity,
		DedupStore:     persistence.NewPostgresDedupStore(db),
		Metrics:        metrics,
		Logger:         logger,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build engine")
	}
	engine.Warm(warmKeys)

	if err := addMarkets(engine, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("add markets")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.Service.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}

	// --- Projection catch-up before serving reads ---
	stateStore := persistence.NewMarketStateStore(db)
	projWorker := projection.NewWorker(stateStore, projWorkerChan, metrics, logger)
	if err := projWorker.Backfill(ctx, eventLog); err != nil {
		logger.Fatal().Err(err).Msg("projection backfill")
	}

	errChan := make(chan error, 8)

	// 1. Persistence worker
	persistWorker := persistence.NewWorker(db, persistChan,
		cfg.Service.PersistBatchSize, cfg.Service.PersistFlushTimeout(), metrics, logger)
	go func() { errChan <- persistWorker.Run(ctx) }()

	// 2. Projection worker
	go func() { errChan <- projWorker.Run(ctx) }()

	// 3. Outbound event publisher
	publisher := ingestion.NewPublisher(js, publishChan, logger)
	go func() { errChan <- publisher.Run(ctx) }()

	// 4. Fan-out: engine projection output feeds the projection worker and
	// the publisher. Both sends are non-blocking; the projection repairs
	// gaps from the log and the publisher is best-effort.
	go fanOutProjection(ctx, projectionChan, projWorkerChan, publishChan, metrics)

	// 5. Price subscriber
	prices := ingestion.NewPriceSubscriber(js, engine, metrics, logger)
	if err := prices.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("subscribe prices")
	}

	// 6. Engine loop
	go engine.Run(ctx)

	// 7. HTTP API
	api := server.New(engine, stateStore, health, metrics, logger)
	httpServer := &http.Server{Addr: cfg.Service.HTTPAddr, Handler: api.Router()}
	go func() {
		logger.Info().Str("addr", cfg.Service.HTTPAddr).Msg("HTTP API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// 8. Metrics server, on its own listener so scrapes never contend with
	// the API.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Service.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info().Str("addr", cfg.Service.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// 9. Channel utilization sampling
	go sampleChannels(ctx, metrics, persistChan, projectionChan, publishChan)

	health.SetReady(true)
	logger.Info().Int64("sequence", engine.Sequence()).
		Str("http", cfg.Service.HTTPAddr).Str("metrics", cfg.Service.MetricsAddr).
		Msg("TermLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("worker failed, shutting down")
	}

	// Stop intake first, then let the workers drain.
	prices.Stop()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown")
	}
	metricsServer.Shutdown(shutCtx)

	cancel()
	logger.Info().Msg("TermLedger shutdown complete")
}

// addMarkets builds every configured market with its vault and price feed and
// registers it with the engine. Accrual clocks start at zero so the first
// command's timestamp drives all elapsed-time math.
func addMarkets(engine *core.Engine, cfg *config.File, logger zerolog.Logger) error {
	for _, mc := range cfg.Markets {
		v := vault.NewMemoryVault(mc.ID)
		marketCfg, err := mc.MarketConfig(v, 0)
		if err != nil {
			return err
		}
		m, err := market.NewMarket(marketCfg)
		if err != nil {
			return err
		}
		adjustFactor, err := mc.AdjustFactorWad()
		if err != nil {
			return err
		}
		price, err := mc.InitialPriceWad()
		if err != nil {
			return err
		}
		feed := oracle.NewCachedFeed(mc.ID)
		if err := feed.Update(price, 1); err != nil {
			return err
		}
		if err := engine.AddMarket(m, feed, adjustFactor, mc.AssetDecimals()); err != nil {
			return err
		}
		logger.Info().Str("market", mc.ID).Str("price", price.Dec()).
			Int("decimals", mc.AssetDecimals()).Msg("market enabled")
	}
	return nil
}

// fanOutProjection forwards engine projection output to the projection worker
// and the outbound publisher without ever blocking the engine's path.
func fanOutProjection(ctx context.Context, in <-chan core.Output, projOut, pubOut chan<- core.Output, metrics *observability.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			select {
			case projOut <- out:
			default:
				metrics.ProjectionDrops.WithLabelValues("market_state").Inc()
			}
			select {
			case pubOut <- out:
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}
}

// sampleChannels reports channel occupancy every few seconds.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, persist, proj, publish chan core.Output) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(proj), cap(proj))
			metrics.SetChannelMetrics("publish", len(publish), cap(publish))
		}
	}
}
