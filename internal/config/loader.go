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
// built-in defaults, applies ISSUANCE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ISSUANCE_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "ISSUANCE_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setDuration(&cfg.Server.ShutdownTimeout, "ISSUANCE_SERVER_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.Server.RequestSkew, "ISSUANCE_SERVER_REQUEST_SKEW")

	// ── Database ──
	setStr(&cfg.Database.URL, "ISSUANCE_DATABASE_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL") // compatibility alias
	setBool(&cfg.Database.RunMigrations, "ISSUANCE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "ISSUANCE_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setDuration(&cfg.Redis.CacheTTL, "ISSUANCE_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.DistributedLock, "ISSUANCE_REDIS_DISTRIBUTED_LOCK")
	setDuration(&cfg.Redis.LockTTL, "ISSUANCE_REDIS_LOCK_TTL")

	// ── Auction ──
	setStr(&cfg.Auction.Variant, "ISSUANCE_AUCTION_VARIANT")
	setInt(&cfg.Auction.Decimals, "ISSUANCE_AUCTION_DECIMALS")
	setInt(&cfg.Auction.PaymentDecimals, "ISSUANCE_AUCTION_PAYMENT_DECIMALS")
	setStr(&cfg.Auction.MinFill, "ISSUANCE_AUCTION_MIN_FILL")
	setDuration(&cfg.Auction.MaxStartDelay, "ISSUANCE_AUCTION_MAX_START_DELAY")
	setDuration(&cfg.Auction.MaxDuration, "ISSUANCE_AUCTION_MAX_DURATION")
	setDuration(&cfg.Auction.RedemptionWindow, "ISSUANCE_AUCTION_REDEMPTION_WINDOW")
	setStr(&cfg.Auction.Owner, "ISSUANCE_AUCTION_OWNER")
	setStringSlice(&cfg.Auction.Operators, "ISSUANCE_AUCTION_OPERATORS")
	setStr(&cfg.Auction.Beneficiary, "ISSUANCE_AUCTION_BENEFICIARY")
	setStr(&cfg.Auction.Custody, "ISSUANCE_AUCTION_CUSTODY")
	setStr(&cfg.Auction.Signer, "ISSUANCE_AUCTION_SIGNER")

	// ── Offering ──
	setBool(&cfg.Offering.Enabled, "ISSUANCE_OFFERING_ENABLED")
	setStr(&cfg.Offering.Cap, "ISSUANCE_OFFERING_CAP")
	setStr(&cfg.Offering.MinDeposit, "ISSUANCE_OFFERING_MIN_DEPOSIT")
	setStr(&cfg.Offering.MaxDeposit, "ISSUANCE_OFFERING_MAX_DEPOSIT")
	setStr(&cfg.Offering.Rate, "ISSUANCE_OFFERING_RATE")
	setInt(&cfg.Offering.PremiumBps, "ISSUANCE_OFFERING_PREMIUM_BPS")
	setStr(&cfg.Offering.Signer, "ISSUANCE_OFFERING_SIGNER")

	// ── Dev ──
	setBool(&cfg.Dev.Faucet, "ISSUANCE_DEV_FAUCET")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ISSUANCE_LOG_LEVEL")
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
