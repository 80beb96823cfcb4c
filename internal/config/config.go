// Package config defines the issuance service configuration and its
// validation.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ISSUANCE_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Auction  AuctionConfig  `toml:"auction"`
	Offering OfferingConfig `toml:"offering"`
	Dev      DevConfig      `toml:"dev"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	RequestSkew     duration `toml:"request_skew"` // accepted age of a signed request
}

// DatabaseConfig selects PostgreSQL persistence. An empty URL keeps state in
// memory.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and, optionally, the
// distributed engine lock.
type RedisConfig struct {
	URL             string   `toml:"url"`
	CacheTTL        duration `toml:"cache_ttl"`
	DistributedLock bool     `toml:"distributed_lock"`
	LockTTL         duration `toml:"lock_ttl"`
}

// AuctionConfig holds the allocation engine parameters. Amounts are decimal
// strings of raw integer units.
type AuctionConfig struct {
	Variant          string   `toml:"variant"` // "atm" or "bond"
	Decimals         int      `toml:"decimals"`
	PaymentDecimals  int      `toml:"payment_decimals"`
	MinFill          string   `toml:"min_fill"`
	MaxStartDelay    duration `toml:"max_start_delay"`
	MaxDuration      duration `toml:"max_duration"`
	RedemptionWindow duration `toml:"redemption_window"`
	Owner            string   `toml:"owner"`
	Operators        []string `toml:"operators"`
	Beneficiary      string   `toml:"beneficiary"`
	Custody          string   `toml:"custody"`
	Signer           string   `toml:"signer"` // empty leaves the gate open
}

// OfferingConfig holds the capped deposit offering parameters.
type OfferingConfig struct {
	Enabled    bool   `toml:"enabled"`
	Cap        string `toml:"cap"`
	MinDeposit string `toml:"min_deposit"`
	MaxDeposit string `toml:"max_deposit"`
	Rate       string `toml:"rate"`
	PremiumBps int    `toml:"premium_bps"`
	Signer     string `toml:"signer"`
}

// DevConfig toggles development-only endpoints.
type DevConfig struct {
	Faucet bool `toml:"faucet"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "24h", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "24h" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{5 * time.Second},
			RequestSkew:     duration{5 * time.Minute},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{10 * time.Second},
		},
		Auction: AuctionConfig{
			Variant:          "atm",
			Decimals:         18,
			PaymentDecimals:  6,
			MinFill:          "1",
			MaxStartDelay:    duration{7 * 24 * time.Hour},
			MaxDuration:      duration{30 * 24 * time.Hour},
			RedemptionWindow: duration{24 * time.Hour},
			Owner:            "0x00000000000000000000000000000000000000f1",
			Operators:        []string{"0x00000000000000000000000000000000000000f2"},
			Beneficiary:      "0x00000000000000000000000000000000000000be",
			Custody:          "0x00000000000000000000000000000000000000c0",
		},
		Offering: OfferingConfig{
			Enabled:    false,
			Cap:        "1000000000000",
			MinDeposit: "1000000",
			MaxDeposit: "100000000000",
			Rate:       "1000000000000",
			PremiumBps: 0,
		},
		Dev: DevConfig{
			Faucet: false,
		},
		LogLevel: "info",
	}
}

var validVariants = map[string]bool{
	"atm":  true,
	"bond": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestSkew.Duration <= 0 {
		errs = append(errs, "server: request_skew must be > 0")
	}

	// Redis
	if c.Redis.DistributedLock && c.Redis.URL == "" {
		errs = append(errs, "redis: url is required when distributed_lock is set")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be > 0")
	}
	if c.Redis.DistributedLock && c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be > 0")
	}

	// Auction
	a := c.Auction
	if !validVariants[strings.ToLower(a.Variant)] {
		errs = append(errs, fmt.Sprintf("auction: unknown variant %q (valid: atm, bond)", a.Variant))
	}
	if a.Decimals < 0 || a.Decimals > 77 {
		errs = append(errs, fmt.Sprintf("auction: decimals must be 0-77, got %d", a.Decimals))
	}
	if a.PaymentDecimals < 0 || a.PaymentDecimals > 77 {
		errs = append(errs, fmt.Sprintf("auction: payment_decimals must be 0-77, got %d", a.PaymentDecimals))
	}
	if x, err := Amount(a.MinFill); err != nil || x.IsZero() {
		errs = append(errs, fmt.Sprintf("auction: min_fill must be a positive integer, got %q", a.MinFill))
	}
	if a.MaxStartDelay.Duration < 0 {
		errs = append(errs, "auction: max_start_delay must be >= 0")
	}
	if a.MaxDuration.Duration <= 0 {
		errs = append(errs, "auction: max_duration must be > 0")
	}
	if strings.EqualFold(a.Variant, "bond") && a.RedemptionWindow.Duration <= 0 {
		errs = append(errs, "auction: redemption_window must be > 0 for the bond variant")
	}
	for _, f := range []struct{ name, v string }{
		{"owner", a.Owner},
		{"beneficiary", a.Beneficiary},
		{"custody", a.Custody},
	} {
		if !common.IsHexAddress(f.v) {
			errs = append(errs, fmt.Sprintf("auction: %s must be a hex address, got %q", f.name, f.v))
		}
	}
	for _, op := range a.Operators {
		if !common.IsHexAddress(op) {
			errs = append(errs, fmt.Sprintf("auction: operator %q is not a hex address", op))
		}
	}
	if a.Signer != "" && !common.IsHexAddress(a.Signer) {
		errs = append(errs, fmt.Sprintf("auction: signer %q is not a hex address", a.Signer))
	}

	// Offering
	if o := c.Offering; o.Enabled {
		cp, errCap := Amount(o.Cap)
		if errCap != nil || cp.IsZero() {
			errs = append(errs, fmt.Sprintf("offering: cap must be a positive integer, got %q", o.Cap))
		}
		rate, errRate := Amount(o.Rate)
		if errRate != nil || rate.IsZero() {
			errs = append(errs, fmt.Sprintf("offering: rate must be a positive integer, got %q", o.Rate))
		}
		lo, errMin := Amount(o.MinDeposit)
		if errMin != nil {
			errs = append(errs, fmt.Sprintf("offering: min_deposit must be an integer, got %q", o.MinDeposit))
		}
		hi, errMax := Amount(o.MaxDeposit)
		if errMax != nil {
			errs = append(errs, fmt.Sprintf("offering: max_deposit must be an integer, got %q", o.MaxDeposit))
		}
		if errMin == nil && errMax == nil && lo.Gt(hi) {
			errs = append(errs, "offering: min_deposit must not exceed max_deposit")
		}
		if o.PremiumBps < 0 || o.PremiumBps > 10_000 {
			errs = append(errs, fmt.Sprintf("offering: premium_bps must be 0-10000, got %d", o.PremiumBps))
		}
		if o.Signer != "" && !common.IsHexAddress(o.Signer) {
			errs = append(errs, fmt.Sprintf("offering: signer %q is not a hex address", o.Signer))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Amount parses a decimal string of raw integer units.
func Amount(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(strings.TrimSpace(s))
}

// Address parses a hex address. Callers validate first.
func Address(s string) common.Address {
	return common.HexToAddress(s)
}

// OptionalAddress returns nil for an empty string.
func OptionalAddress(s string) *common.Address {
	if s == "" {
		return nil
	}
	addr := common.HexToAddress(s)
	return &addr
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
