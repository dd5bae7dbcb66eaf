package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/catalog"
	"marketsync/internal/config"
	"marketsync/internal/db"
	"marketsync/internal/events"
	"marketsync/internal/pricing"
	"marketsync/internal/registry"
	"marketsync/internal/remoteui"
	"marketsync/internal/surface"

	"github.com/bwmarrin/discordgo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(""); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWorkerFromEnv()
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

	session, err := discordgo.New("Bot " + cfg.Discord.BotToken)
	if err != nil {
		logger.Error("discord session init failed", "err", err)
		os.Exit(1)
	}
	// Postgres advisory locks keep this process and market-api off the same
	// surface at the same time.
	reg := registry.NewPG(pool)
	layout, err := surface.LoadLayout(cfg.Discord.SurfacesFile, cfg.Discord.CatalogChannelID)
	if err != nil {
		logger.Error("surface layout load failed", "err", err)
		os.Exit(1)
	}

	// The worker only reads the catalog, so nothing subscribes to this bus.
	store := catalog.NewStore(pool, events.NewBus(logger), logger)
	cache := catalog.NewCache(store, cfg.Sync.CacheTTL, logger)
	platform := remoteui.NewDiscordPlatform(session, cfg.Discord.RequestsPerSecond, logger)
	sync := surface.NewSynchronizer(cache, reg, platform, pricing.NewCalculator(logger), layout, logger)
	opts := surface.Options{Force: cfg.Force, Verify: true}

	if cfg.RunOnce {
		if err := rebuild(ctx, sync, opts, cfg.Every, logger); err != nil {
			logger.Error("rebuild failed", "err", err)
			os.Exit(1)
		}
		logger.Info("sync run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.Every)
	defer ticker.Stop()

	logger.Info("sync worker started", "every", cfg.Every.String(), "force", cfg.Force)
	if err := rebuild(ctx, sync, opts, cfg.Every, logger); err != nil {
		logger.Error("rebuild failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync worker shutdown")
			return
		case <-ticker.C:
			if err := rebuild(ctx, sync, opts, cfg.Every, logger); err != nil {
				logger.Error("rebuild failed", "err", err)
				continue
			}
		}
	}
}

// rebuild runs one pass over every surface, re-applying those whose content
// drifted or whose messages were deleted by hand. A pass may not outlive the
// tick interval.
func rebuild(ctx context.Context, sync *surface.Synchronizer, opts surface.Options, budget time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	results, err := sync.ReconcileAll(ctx, opts)
	for key, res := range results {
		logger.Info("surface rebuilt", "surface", key, "action", string(res.Action),
			"created", res.Created, "edited", res.Edited, "deleted", res.Deleted)
	}
	return err
}
