package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/api"
	"marketsync/internal/bot"
	"marketsync/internal/catalog"
	"marketsync/internal/config"
	"marketsync/internal/coordinator"
	"marketsync/internal/db"
	"marketsync/internal/events"
	"marketsync/internal/pricing"
	"marketsync/internal/registry"
	"marketsync/internal/remoteui"
	"marketsync/internal/surface"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(""); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)
	store := catalog.NewStore(pool, bus, logger)
	cache := catalog.NewCache(store, cfg.Sync.CacheTTL, logger)
	calc := pricing.NewCalculator(logger)

	deps := api.Deps{
		Catalog:   store,
		Snapshots: cache,
		Calc:      calc,
	}

	if cfg.Discord.SyncEnabled {
		session, err := discordgo.New("Bot " + cfg.Discord.BotToken)
		if err != nil {
			logger.Error("discord session init failed", "err", err)
			os.Exit(1)
		}
		reg, err := openRegistry(cfg.Sync, pool)
		if err != nil {
			logger.Error("registry init failed", "err", err)
			os.Exit(1)
		}
		layout, err := surface.LoadLayout(cfg.Discord.SurfacesFile, cfg.Discord.CatalogChannelID)
		if err != nil {
			logger.Error("surface layout load failed", "err", err)
			os.Exit(1)
		}

		platform := remoteui.NewDiscordPlatform(session, cfg.Discord.RequestsPerSecond, logger)
		sync := surface.NewSynchronizer(cache, reg, platform, calc, layout, logger)
		coord := coordinator.New(sync, cache, coordinator.Config{
			Debounce: cfg.Sync.Debounce,
			Retry: coordinator.RetryPolicy{
				MaxRetries: cfg.Sync.MaxRetries,
				BaseDelay:  cfg.Sync.RetryBase,
				Multiplier: 2,
				MaxDelay:   cfg.Sync.RetryMax,
			},
			ReconcileTimeout: cfg.Sync.ReconcileTimeout,
			CleanupEvery:     cfg.Sync.CleanupEvery,
			StaleLockAfter:   cfg.Sync.StaleLockAfter,
		}, logger)
		coord.Start(ctx)
		defer coord.Stop()
		unsubscribe := coordinator.Wire(bus, surface.NewResolver(cache, layout, logger), coord)
		defer unsubscribe()

		removeHandler := bot.NewHandler(cache, calc, logger).Register(session)
		defer removeHandler()
		if err := session.Open(); err != nil {
			logger.Error("discord gateway open failed", "err", err)
			os.Exit(1)
		}
		defer session.Close()

		deps.Surfaces = sync
		deps.Coord = coord

		keys, err := sync.AllSurfaceKeys(ctx)
		if err != nil {
			logger.Warn("initial surface listing failed", "err", err)
		} else {
			coord.RebuildAll(keys)
		}
	}
	// Registered last: the surface resolver above reads the pre-write snapshot.
	stopInvalidate := cache.InvalidateOn(bus)
	defer stopInvalidate()

	server := api.New(cfg, logger, deps)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("market api listening", "addr", cfg.Addr, "discord_sync", cfg.Discord.SyncEnabled)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func openRegistry(cfg config.SyncConfig, pool *pgxpool.Pool) (registry.Registry, error) {
	if cfg.RegistryBackend == config.RegistryFile {
		return registry.OpenFile(cfg.RegistryFile)
	}
	return registry.NewPG(pool), nil
}
