// Package config loads process configuration from BATTLE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"BattleLedger/internal/battle"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/core"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/settlement"
	"BattleLedger/internal/sweeper"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	// Stores and brokers
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	PostgresURL string `env:"POSTGRES_URL"`
	NATSURL     string `env:"NATS_URL"`

	// Listeners
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":9090"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`

	// Collaborators
	GatewayURL     string        `env:"GATEWAY_URL" envDefault:"http://localhost:7000"`
	GatewayAPIKey  string        `env:"GATEWAY_API_KEY"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	ContentURL     string        `env:"CONTENT_URL" envDefault:"http://localhost:7100"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	// Fees, in drops
	ChallengeFee int64 `env:"CHALLENGE_FEE" envDefault:"150000"`
	AcceptFee    int64 `env:"ACCEPT_FEE" envDefault:"75000"`
	VoteFee      int64 `env:"VOTE_FEE" envDefault:"30000"`

	// Ledger addresses
	PotAddress      string `env:"POT_ADDRESS"`
	BurnAddress     string `env:"BURN_ADDRESS"`
	TreasuryAddress string `env:"TREASURY_ADDRESS"`

	// Battle timing
	RunDuration  time.Duration `env:"RUN_DURATION" envDefault:"24h"`
	StaleAfter   time.Duration `env:"STALE_AFTER" envDefault:"10h"`
	IntentExpiry time.Duration `env:"INTENT_EXPIRY" envDefault:"15m"`

	// Locks
	CreateLockTTL     time.Duration `env:"CREATE_LOCK_TTL" envDefault:"10s"`
	BattleLockTTL     time.Duration `env:"BATTLE_LOCK_TTL" envDefault:"5s"`
	AdminLockTTL      time.Duration `env:"ADMIN_LOCK_TTL" envDefault:"2m"`
	SettlementLockTTL time.Duration `env:"SETTLEMENT_LOCK_TTL" envDefault:"2m"`
	PayoutClaimTTL    time.Duration `env:"PAYOUT_CLAIM_TTL" envDefault:"1m"`
	ConfirmLockTTL    time.Duration `env:"CONFIRM_LOCK_TTL" envDefault:"30s"`

	// Confirmation tracking
	OfferTTL            time.Duration `env:"OFFER_TTL" envDefault:"24h"`
	ProcessedTTL        time.Duration `env:"PROCESSED_TTL" envDefault:"720h"`
	OutcomeCacheSize    int           `env:"OUTCOME_CACHE_SIZE" envDefault:"100000"`
	ReconcileQPS        float64       `env:"RECONCILE_QPS" envDefault:"5"`
	ReconcileMinAge     time.Duration `env:"RECONCILE_MIN_AGE" envDefault:"2m"`
	PaymentConsumerSize int           `env:"PAYMENT_BUFFER" envDefault:"256"`

	// Sweeps
	SettleInterval    time.Duration `env:"SETTLE_INTERVAL" envDefault:"30s"`
	ExpireInterval    time.Duration `env:"EXPIRE_INTERVAL" envDefault:"5m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	SweepBatch        int64         `env:"SWEEP_BATCH" envDefault:"100"`

	// Rate limits
	RateLimitFile string `env:"RATE_LIMIT_FILE"`

	// Admin
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`
	AdminIssuer    string `env:"ADMIN_JWT_ISSUER" envDefault:"battled"`

	// Persistence & projections
	MigrationsDir       string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	PersistChanSize     int           `env:"PERSIST_CHAN_SIZE" envDefault:"1024"`
	ProjectionChanSize  int           `env:"PROJECTION_CHAN_SIZE" envDefault:"2048"`
	PublishChanSize     int           `env:"PUBLISH_CHAN_SIZE" envDefault:"4096"`
	PersistBatchSize    int           `env:"PERSIST_BATCH_SIZE" envDefault:"50"`
	PersistFlushTimeout time.Duration `env:"PERSIST_FLUSH_TIMEOUT" envDefault:"200ms"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"14"`
}

// Load parses BATTLE_* variables and validates the result.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom is Load with an explicit environment; nil means the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: "BATTLE_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.RedisURL != "", "BATTLE_REDIS_URL is required")
	for name, raw := range map[string]string{
		"BATTLE_GATEWAY_URL": c.GatewayURL,
		"BATTLE_CONTENT_URL": c.ContentURL,
	} {
		u, err := url.Parse(raw)
		check(err == nil && u.Scheme != "" && u.Host != "", "%s must be an absolute URL, got %q", name, raw)
	}

	check(c.ChallengeFee >= 0 && c.AcceptFee >= 0 && c.VoteFee >= 0, "fees must not be negative")
	check(c.PotAddress != "", "BATTLE_POT_ADDRESS is required")
	check(c.BurnAddress != "", "BATTLE_BURN_ADDRESS is required")
	check(c.TreasuryAddress != "", "BATTLE_TREASURY_ADDRESS is required")

	for name, d := range map[string]time.Duration{
		"BATTLE_RUN_DURATION":        c.RunDuration,
		"BATTLE_STALE_AFTER":         c.StaleAfter,
		"BATTLE_INTENT_EXPIRY":       c.IntentExpiry,
		"BATTLE_CREATE_LOCK_TTL":     c.CreateLockTTL,
		"BATTLE_BATTLE_LOCK_TTL":     c.BattleLockTTL,
		"BATTLE_ADMIN_LOCK_TTL":      c.AdminLockTTL,
		"BATTLE_SETTLEMENT_LOCK_TTL": c.SettlementLockTTL,
		"BATTLE_PAYOUT_CLAIM_TTL":    c.PayoutClaimTTL,
		"BATTLE_CONFIRM_LOCK_TTL":    c.ConfirmLockTTL,
		"BATTLE_OFFER_TTL":           c.OfferTTL,
		"BATTLE_PROCESSED_TTL":       c.ProcessedTTL,
	} {
		check(d > 0, "%s must be positive", name)
	}
	check(c.OfferTTL > c.IntentExpiry, "BATTLE_OFFER_TTL (%s) must exceed BATTLE_INTENT_EXPIRY (%s)", c.OfferTTL, c.IntentExpiry)
	check(c.ProcessedTTL >= c.OfferTTL, "BATTLE_PROCESSED_TTL must be at least BATTLE_OFFER_TTL")
	check(c.ReconcileQPS > 0, "BATTLE_RECONCILE_QPS must be positive")
	check(c.SweepBatch > 0, "BATTLE_SWEEP_BATCH must be positive")
	check(c.PersistBatchSize > 0, "BATTLE_PERSIST_BATCH_SIZE must be positive")

	if c.AdminJWTSecret != "" {
		check(len(c.AdminJWTSecret) >= 32, "BATTLE_ADMIN_JWT_SECRET must be at least 32 bytes")
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("BATTLE_LOG_LEVEL %q is not a level", c.LogLevel))
	}

	return errors.Join(errs...)
}

// Fees returns the per-role entry fees.
func (c Config) Fees() settlement.Fees {
	return settlement.Fees{Challenge: c.ChallengeFee, Accept: c.AcceptFee, Vote: c.VoteFee}
}

// LockTTLs returns the battle store lock durations.
func (c Config) LockTTLs() battle.LockTTLs {
	return battle.LockTTLs{Create: c.CreateLockTTL, Battle: c.BattleLockTTL}
}

// Settlement returns the settlement engine configuration.
func (c Config) Settlement() settlement.Config {
	cfg := settlement.DefaultConfig()
	cfg.Addresses = settlement.Addresses{Burn: c.BurnAddress, Treasury: c.TreasuryAddress}
	cfg.LockTTL = c.SettlementLockTTL
	cfg.ClaimTTL = c.PayoutClaimTTL
	return cfg
}

// Tracker returns the confirmation tracker configuration.
func (c Config) Tracker() confirm.Config {
	return confirm.Config{
		OfferTTL:      c.OfferTTL,
		MarkerTTL:     c.ProcessedTTL,
		LockTTL:       c.ConfirmLockTTL,
		CacheCapacity: c.OutcomeCacheSize,
	}
}

// Service returns the operation layer configuration.
func (c Config) Service() core.Config {
	return core.Config{
		Fees:         c.Fees(),
		RunDuration:  c.RunDuration,
		PotAddress:   c.PotAddress,
		IntentExpiry: c.IntentExpiry,
		AdminLockTTL: c.AdminLockTTL,
		StaleAfter:   c.StaleAfter,
	}
}

// Intervals returns the background sweep intervals.
func (c Config) Intervals() sweeper.Intervals {
	return sweeper.Intervals{Settle: c.SettleInterval, Expire: c.ExpireInterval, Reconcile: c.ReconcileInterval}
}

// Logging returns the log output options.
func (c Config) Logging() observability.LogOptions {
	return observability.LogOptions{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	}
}
