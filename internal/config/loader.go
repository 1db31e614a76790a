package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EUTRADING_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EUTRADING_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "EUTRADING_FEED_WS_URL")
	setStr(&cfg.Feed.QuoteURL, "EUTRADING_FEED_QUOTE_URL")
	setStr(&cfg.Feed.ApiKey, "EUTRADING_FEED_API_KEY")
	setStringSlice(&cfg.Feed.Symbols, "EUTRADING_FEED_SYMBOLS")
	setDuration(&cfg.Feed.PriceMaxAge, "EUTRADING_FEED_PRICE_MAX_AGE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EUTRADING_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EUTRADING_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EUTRADING_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EUTRADING_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EUTRADING_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EUTRADING_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EUTRADING_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EUTRADING_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EUTRADING_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EUTRADING_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EUTRADING_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EUTRADING_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EUTRADING_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EUTRADING_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EUTRADING_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EUTRADING_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "EUTRADING_REDIS_PRICE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "EUTRADING_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EUTRADING_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EUTRADING_S3_REGION")
	setStr(&cfg.S3.Bucket, "EUTRADING_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EUTRADING_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EUTRADING_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EUTRADING_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EUTRADING_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "EUTRADING_S3_RETENTION_DAYS")
	setDuration(&cfg.S3.ArchiveInterval, "EUTRADING_S3_ARCHIVE_INTERVAL")

	// ── Engine ──
	setInt(&cfg.Engine.Workers, "EUTRADING_ENGINE_WORKERS")
	setInt(&cfg.Engine.TickBuffer, "EUTRADING_ENGINE_TICK_BUFFER")
	setInt(&cfg.Engine.TriggerSize, "EUTRADING_ENGINE_TRIGGER_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EUTRADING_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EUTRADING_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EUTRADING_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "EUTRADING_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EUTRADING_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EUTRADING_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EUTRADING_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EUTRADING_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EUTRADING_MODE")
	setStr(&cfg.LogLevel, "EUTRADING_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
