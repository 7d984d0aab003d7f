package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"trade-decision-engine/config"
	"trade-decision-engine/internal/antiflip"
	"trade-decision-engine/internal/api"
	"trade-decision-engine/internal/circuit"
	"trade-decision-engine/internal/dedup"
	"trade-decision-engine/internal/engine"
	"trade-decision-engine/internal/events"
	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/logging"
	"trade-decision-engine/internal/risk"
	sigpkg "trade-decision-engine/internal/signal"
	"trade-decision-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Strs("symbols", cfg.Engine.Symbols).Msg("Starting trade decision engine")

	ctx := context.Background()
	bus := events.NewBus()

	// Persistence (both optional)
	var db *store.DB
	if cfg.Database.Enabled {
		db, err = store.NewDB(ctx, cfg.Database.PostgresConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	var restart *store.RestartStore
	if cfg.Redis.Enabled {
		restart = store.NewRestartStore(cfg.Redis.RedisConfig, logger)
		defer restart.Close()
	}

	// Decision components
	aggregator, err := sigpkg.NewAggregator(cfg.Aggregator)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid aggregator config")
	}
	breaker, err := circuit.NewBreaker(cfg.Circuit, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid circuit breaker config")
	}
	breaker.OnTrip(func(reason string) { bus.PublishCircuitTripped(reason) })
	breaker.OnRecover(func() { bus.PublishCircuitRecovered() })

	riskMgr, err := risk.NewManager(cfg.Risk, bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid risk config")
	}
	if db != nil {
		if snap, err := db.LoadRiskSnapshot(ctx); err == nil {
			riskMgr.Restore(snap)
			logger.Info().
				Float64("daily_pnl", snap.DailyPnL).
				Int("consecutive_losses", snap.ConsecutiveLosses).
				Msg("Risk counters restored")
		} else if !store.IsNotFound(err) {
			logger.Warn().Err(err).Msg("Could not restore risk counters")
		}
	}

	cache, err := dedup.NewCache(cfg.Dedup)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid dedup config")
	}
	if restart != nil {
		if entries, err := restart.LoadDedupEntries(ctx); err == nil && len(entries) > 0 {
			cache.Seed(entries)
			logger.Info().Int("entries", len(entries)).Msg("Dedup cache seeded from restart state")
		}
	}

	repo := store.NewPositionRepository(db, restart, logger)
	tracker, err := lifecycle.NewTracker(cfg.Lifecycle, cache, riskMgr, bus, repo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid lifecycle config")
	}
	restorePositions(ctx, tracker, db, restart, logger)

	// Collaborators: paper implementations unless a live connector is wired
	var executor engine.Executor
	var balance engine.BalanceProvider
	if cfg.Engine.PaperTrading {
		paperBalance := engine.NewPaperBalance(cfg.Engine.InitialBalanceUSDT)
		bus.Subscribe(events.EventPositionClosed, func(ev events.Event) {
			if pnl, ok := ev.Data["realized_pnl"].(float64); ok {
				paperBalance.ApplyPnL(pnl)
			}
		})
		executor = engine.NewPaperExecutor(logger)
		balance = paperBalance
	} else {
		logger.Fatal().Msg("Live trading requires an exchange connector; enable paper_trading or wire one in")
	}

	eng, err := engine.New(cfg.Engine, cfg.AntiFlip, aggregator, breaker, riskMgr, tracker, bus,
		engine.DefaultAnalyzers(), executor, balance, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build engine")
	}
	restoreGuards(ctx, eng, cfg.Engine.Symbols, cfg.AntiFlip, restart, logger)
	eng.Start()

	server := api.NewServer(cfg.Server, breaker, riskMgr, tracker, eng, bus, db, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")
	eng.Stop()

	saveState(ctx, eng, cfg.Engine.Symbols, riskMgr, cache, db, restart, logger)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down API server")
	}
	logger.Info().Msg("Shutdown complete")
}

// restorePositions reloads open positions, preferring the durable
// Postgres copy over the Redis restart snapshot
func restorePositions(ctx context.Context, tracker *lifecycle.Tracker, db *store.DB, restart *store.RestartStore, logger zerolog.Logger) {
	var positions []*lifecycle.Position
	var err error

	if db != nil {
		positions, err = db.LoadPositionStates(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not load positions from database")
		}
	}
	if len(positions) == 0 && restart != nil {
		positions, err = restart.LoadPositionSnapshots(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not load positions from restart store")
		}
	}
	if len(positions) > 0 {
		tracker.Restore(positions)
		logger.Info().Int("count", len(positions)).Msg("Open positions restored")
	}
}

// restoreGuards reinstates each symbol's anti-flip record. The candle
// counter restarts at zero so a restart never shortens a cooldown.
func restoreGuards(ctx context.Context, eng *engine.Engine, symbols []string, guardCfg antiflip.Config, restart *store.RestartStore, logger zerolog.Logger) {
	if restart == nil {
		return
	}
	for _, sym := range symbols {
		last, err := restart.LoadLastSignal(ctx, sym)
		if err != nil {
			logger.Warn().Err(err).Str("symbol", sym).Msg("Could not restore anti-flip record")
			continue
		}
		if last == nil {
			continue
		}
		if guard, ok := eng.Guard(sym); ok {
			guard.Restore(last, 0)
			logger.Info().Str("symbol", sym).Str("direction", string(last.Direction)).Msg("Anti-flip record restored")
		}
	}
}

// saveState flushes restart-relevant state on shutdown
func saveState(ctx context.Context, eng *engine.Engine, symbols []string, riskMgr *risk.Manager, cache *dedup.Cache, db *store.DB, restart *store.RestartStore, logger zerolog.Logger) {
	if db != nil {
		if err := db.SaveRiskSnapshot(ctx, riskMgr.GetSnapshot()); err != nil {
			logger.Error().Err(err).Msg("Failed to save risk snapshot")
		}
	}
	if restart == nil {
		return
	}
	if err := restart.SaveDedupEntries(ctx, cache.Export()); err != nil {
		logger.Error().Err(err).Msg("Failed to save dedup entries")
	}
	for _, sym := range symbols {
		if guard, ok := eng.Guard(sym); ok {
			if err := restart.SaveLastSignal(ctx, sym, guard.Snapshot()); err != nil {
				logger.Error().Err(err).Str("symbol", sym).Msg("Failed to save anti-flip record")
			}
		}
	}
}
