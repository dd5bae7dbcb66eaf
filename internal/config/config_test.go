package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAPIFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/market")
	t.Setenv("DISCORD_SYNC_ENABLED", "false")
	t.Setenv("PORT", "9000")

	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.Sync.Debounce != 800*time.Millisecond || cfg.Sync.CacheTTL != time.Minute || cfg.Sync.MaxRetries != 3 {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Sync.RegistryBackend != RegistryPostgres {
		t.Fatalf("registry backend = %q", cfg.Sync.RegistryBackend)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("log level = %v", cfg.LogLevel)
	}
}

func TestLoadAPIFromEnvValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected missing DATABASE_URL error")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/market")
	t.Setenv("DISCORD_SYNC_ENABLED", "true")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected missing token error")
	}

	t.Setenv("DISCORD_SYNC_ENABLED", "false")
	t.Setenv("REGISTRY_BACKEND", "redis")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected bad backend error")
	}
}

func TestLoadWorkerFromEnvNeedsSharedRegistry(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/market")
	t.Setenv("DISCORD_SYNC_ENABLED", "true")
	t.Setenv("DISCORD_BOT_TOKEN", "bot")
	t.Setenv("REGISTRY_BACKEND", "file")
	if _, err := LoadWorkerFromEnv(); err == nil {
		t.Fatalf("expected file registry to be rejected")
	}

	t.Setenv("REGISTRY_BACKEND", "postgres")
	t.Setenv("MARKET_SYNC_FORCE", "true")
	cfg, err := LoadWorkerFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Force || cfg.Every != 15*time.Minute {
		t.Fatalf("unexpected worker config: force=%v every=%v", cfg.Force, cfg.Every)
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	t.Setenv("X_INT", "many")
	t.Setenv("X_LEVEL", "loud")
	t.Setenv("Y_LEVEL", "debug")
	if envDurationDefault("X_DURATION", time.Second) != time.Second {
		t.Fatalf("duration fallback")
	}
	if envIntDefault("X_INT", 7) != 7 {
		t.Fatalf("int fallback")
	}
	if envLevelDefault("X_LEVEL", slog.LevelWarn) != slog.LevelWarn {
		t.Fatalf("level fallback")
	}
	if envLevelDefault("Y_LEVEL", slog.LevelWarn) != slog.LevelDebug {
		t.Fatalf("level parse")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("MKT_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MKT_TEST_DOTENV", "")
	os.Unsetenv("MKT_TEST_DOTENV")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("MKT_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("MKT_TEST_DOTENV = %q", got)
	}
}
