package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type RegistryBackend string

const (
	RegistryPostgres RegistryBackend = "postgres"
	RegistryFile     RegistryBackend = "file"
)

type DiscordConfig struct {
	BotToken          string
	CatalogChannelID  string
	SyncEnabled       bool
	RequestsPerSecond float64
	SurfacesFile      string
}

type SyncConfig struct {
	CacheTTL         time.Duration
	Debounce         time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	RetryMax         time.Duration
	ReconcileTimeout time.Duration
	CleanupEvery     time.Duration
	StaleLockAfter   time.Duration
	RegistryBackend  RegistryBackend
	RegistryFile     string
}

type APIConfig struct {
	Addr        string
	DatabaseURL string
	AdminToken  string
	LogLevel    slog.Level
	Discord     DiscordConfig
	Sync        SyncConfig
}

type WorkerConfig struct {
	APIConfig
	RunOnce bool
	Every   time.Duration
	// Force re-applies every surface instead of only drifted ones.
	Force bool
}

type CLIConfig struct {
	APIBaseURL string
	AdminToken string
}

// LoadDotEnv loads .env into the process environment when the file exists.
// Variables already set win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("MARKET_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:        addr,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AdminToken:  strings.TrimSpace(os.Getenv("MARKET_ADMIN_TOKEN")),
		LogLevel:    envLevelDefault("LOG_LEVEL", slog.LevelInfo),
		Discord: DiscordConfig{
			BotToken:          strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
			CatalogChannelID:  strings.TrimSpace(os.Getenv("DISCORD_CATALOG_CHANNEL_ID")),
			SyncEnabled:       envBoolDefault("DISCORD_SYNC_ENABLED", true),
			RequestsPerSecond: envFloatDefault("DISCORD_REQUESTS_PER_SECOND", 4),
			SurfacesFile:      strings.TrimSpace(os.Getenv("SURFACES_FILE")),
		},
		Sync: SyncConfig{
			CacheTTL:         envDurationDefault("CATALOG_CACHE_TTL", 60*time.Second),
			Debounce:         envDurationDefault("SYNC_DEBOUNCE", 800*time.Millisecond),
			MaxRetries:       envIntDefault("SYNC_MAX_RETRIES", 3),
			RetryBase:        envDurationDefault("SYNC_RETRY_BASE", time.Second),
			RetryMax:         envDurationDefault("SYNC_RETRY_MAX", 30*time.Second),
			ReconcileTimeout: envDurationDefault("SYNC_RECONCILE_TIMEOUT", 30*time.Second),
			CleanupEvery:     envDurationDefault("SYNC_CLEANUP_EVERY", time.Minute),
			StaleLockAfter:   envDurationDefault("SYNC_STALE_LOCK_AFTER", 5*time.Minute),
			RegistryBackend:  RegistryBackend(strings.ToLower(envDefault("REGISTRY_BACKEND", string(RegistryPostgres)))),
			RegistryFile:     envDefault("REGISTRY_FILE", "ui_bindings.json"),
		},
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	switch cfg.Sync.RegistryBackend {
	case RegistryPostgres, RegistryFile:
	default:
		return cfg, fmt.Errorf("REGISTRY_BACKEND must be postgres or file, got %q", cfg.Sync.RegistryBackend)
	}
	if cfg.Discord.SyncEnabled && cfg.Discord.BotToken == "" {
		return cfg, fmt.Errorf("DISCORD_BOT_TOKEN is required when DISCORD_SYNC_ENABLED is true")
	}
	if cfg.Sync.MaxRetries < 0 {
		cfg.Sync.MaxRetries = 0
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	api, err := LoadAPIFromEnv()
	cfg := WorkerConfig{
		APIConfig: api,
		RunOnce:   envBoolDefault("MARKET_SYNC_RUN_ONCE", false),
		Every:     envDurationDefault("MARKET_SYNC_EVERY", 15*time.Minute),
		Force:     envBoolDefault("MARKET_SYNC_FORCE", false),
	}
	if err != nil {
		return cfg, err
	}
	if !cfg.Discord.SyncEnabled {
		return cfg, fmt.Errorf("market-sync needs DISCORD_SYNC_ENABLED=true")
	}
	// Surface locks must be shared with market-api.
	if cfg.Sync.RegistryBackend != RegistryPostgres {
		return cfg, fmt.Errorf("market-sync needs REGISTRY_BACKEND=postgres, got %q", cfg.Sync.RegistryBackend)
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("MKT_API_BASE_URL", "http://localhost:8080"), "/"),
		AdminToken: strings.TrimSpace(os.Getenv("MARKET_ADMIN_TOKEN")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envLevelDefault(key string, fallback slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback
	}
	return lvl
}
