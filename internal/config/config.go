// Package config loads the server configuration from environment
// variables. Every setting has a development default except the ones a
// production deployment cannot guess (the ledger gateway and the operator
// token), which stay empty and switch the server to in-process fallbacks.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/casinohouse/accounting-engine/internal/accounting"
	"github.com/casinohouse/accounting-engine/internal/model"
)

// Config holds all server configuration.
type Config struct {
	// HTTP
	Port string

	// Persistence
	DatabaseURL    string
	MigrateOnStart bool
	RedisURL       string
	CacheTTL       time.Duration

	// Event fan-out
	NATSURL string

	// Ledger
	LedgerURL     string
	Account       string
	LedgerTimeout time.Duration

	// Accounting limits, in token base units.
	TransferFee  model.Amount
	MinDeposit   model.Amount
	MinWithdraw  model.Amount
	MinLPDeposit model.Amount

	// House limit
	MinOperatingReserve model.Amount
	MaxPayoutBps        int64

	// Pending withdrawal retries
	RetryInterval time.Duration
	MaxRetries    int
	AuditOnRetry  bool

	// OperatorToken guards the admin routes. Empty disables them.
	OperatorToken string

	LogLevel    slog.Level
	Environment string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	defaults := accounting.DefaultConfig("")

	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MigrateOnStart: true,
		RedisURL:       os.Getenv("REDIS_URL"),
		CacheTTL:       30 * time.Second,

		NATSURL: os.Getenv("NATS_URL"),

		LedgerURL:     os.Getenv("LEDGER_URL"),
		Account:       envOr("CANISTER_ACCOUNT", "house"),
		LedgerTimeout: defaults.LedgerTimeout,

		TransferFee:  defaults.TransferFee,
		MinDeposit:   defaults.MinDeposit,
		MinWithdraw:  defaults.MinWithdraw,
		MinLPDeposit: defaults.MinLPDeposit,

		MinOperatingReserve: 100_000_000, // 100 USDT
		MaxPayoutBps:        1000,

		RetryInterval: 30 * time.Second,
		MaxRetries:    defaults.MaxRetries,
		AuditOnRetry:  true,

		OperatorToken: os.Getenv("OPERATOR_TOKEN"),
		Environment:   envOr("ENVIRONMENT", "development"),
	}

	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	set(parseBool("MIGRATE_ON_START", &cfg.MigrateOnStart))
	set(parseBool("AUDIT_ON_RETRY", &cfg.AuditOnRetry))
	set(parseDuration("CACHE_TTL", &cfg.CacheTTL))
	set(parseDuration("LEDGER_TIMEOUT", &cfg.LedgerTimeout))
	set(parseDuration("RETRY_INTERVAL", &cfg.RetryInterval))
	set(parseAmount("TRANSFER_FEE", &cfg.TransferFee))
	set(parseAmount("MIN_DEPOSIT", &cfg.MinDeposit))
	set(parseAmount("MIN_WITHDRAW", &cfg.MinWithdraw))
	set(parseAmount("MIN_LP_DEPOSIT", &cfg.MinLPDeposit))
	set(parseAmount("MIN_OPERATING_RESERVE", &cfg.MinOperatingReserve))

	if v := os.Getenv("MAX_PAYOUT_BPS"); v != "" {
		bps, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || bps <= 0 || bps > 10_000 {
			set(fmt.Errorf("MAX_PAYOUT_BPS must be between 1 and 10000, got %q", v))
		} else {
			cfg.MaxPayoutBps = bps
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n <= 0 {
			set(fmt.Errorf("MAX_RETRIES must be a positive integer, got %q", v))
		} else {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if perr := cfg.LogLevel.UnmarshalText([]byte(v)); perr != nil {
			set(fmt.Errorf("LOG_LEVEL: %w", perr))
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.Environment == "production" {
		if cfg.LedgerURL == "" {
			return nil, fmt.Errorf("LEDGER_URL is required in production")
		}
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	return cfg, nil
}

// EngineConfig returns the accounting engine settings.
func (c *Config) EngineConfig() accounting.Config {
	ec := accounting.DefaultConfig(c.Account)
	ec.TransferFee = c.TransferFee
	ec.MinDeposit = c.MinDeposit
	ec.MinWithdraw = c.MinWithdraw
	ec.MinLPDeposit = c.MinLPDeposit
	ec.MaxRetries = c.MaxRetries
	ec.LedgerTimeout = c.LedgerTimeout
	return ec
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", key, v)
	}
	*dst = d
	return nil
}

func parseAmount(key string, dst *model.Amount) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = model.Amount(n)
	return nil
}
