package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Environment
	Environment string `env:"APP_ENV" envDefault:"development"`

	// Server
	Port        string `env:"APP_PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	// Backends
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/arbiter?sslmode=disable"`
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL        string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	StoreBackend   string `env:"STORE_BACKEND" envDefault:"postgres"`
	QueueBackend   string `env:"QUEUE_BACKEND" envDefault:"redis"`
	EventsBackend  string `env:"EVENTS_BACKEND" envDefault:"redis"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`
	MigrationsDir  string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Security
	JWTSecret     string `env:"JWT_SECRET"`
	IntegritySalt string `env:"INTEGRITY_SALT"`

	// Money
	StartingBalance decimal.Decimal `env:"STARTING_BALANCE" envDefault:"100.00"`
	DefaultStake    decimal.Decimal `env:"DEFAULT_STAKE" envDefault:"5.00"`
	BotBankroll     decimal.Decimal `env:"BOT_BANKROLL" envDefault:"10000.00"`
	RakeTiers       string          `env:"RAKE_TIERS" envDefault:"10:0.08,50:0.06,*:0.05"`

	// Match lifecycle
	ReconnectGraceMs   int64 `env:"RECONNECT_GRACE_MS" envDefault:"30000"`
	QueueFallbackMs    int64 `env:"QUEUE_FALLBACK_MS" envDefault:"15000"`
	LockReadyTimeoutMs int64 `env:"LOCK_READY_TIMEOUT_MS" envDefault:"30000"`
	TickIntervalMs     int64 `env:"TICK_INTERVAL_MS" envDefault:"16"`
	MatchmakerPollMs   int64 `env:"MATCHMAKER_POLL_MS" envDefault:"1000"`
	OrphanSweepMs      int64 `env:"ORPHAN_SWEEP_MS" envDefault:"60000"`
	OrphanMaxAgeMs     int64 `env:"ORPHAN_MAX_AGE_MS" envDefault:"3600000"`

	MassDisconnectThreshold  float64 `env:"MASS_DISCONNECT_THRESHOLD" envDefault:"0.20"`
	MassDisconnectWindowMs   int64   `env:"MASS_DISCONNECT_WINDOW_MS" envDefault:"5000"`
	MassDisconnectMinMatches int     `env:"MASS_DISCONNECT_MIN_MATCHES" envDefault:"5"`

	// Trust
	TrustNeutralPenalty int             `env:"TRUST_NEUTRAL_PENALTY" envDefault:"5"`
	TrustLosingPenalty  int             `env:"TRUST_LOSING_PENALTY" envDefault:"15"`
	TrustStrictGames    string          `env:"TRUST_STRICT_GAMES" envDefault:"memory:25:10"`
	TrustReconnectBonus int             `env:"TRUST_RECONNECT_BONUS" envDefault:"1"`
	TrustMinToQueue     int             `env:"TRUST_MIN_TO_QUEUE" envDefault:"-100"`
	TrustHighStake      decimal.Decimal `env:"TRUST_HIGH_STAKE" envDefault:"0"`
	TrustMinHighStake   int             `env:"TRUST_MIN_HIGH_STAKE" envDefault:"70"`

	// Fair play
	PairMaxEncounters     int   `env:"PAIR_MAX_ENCOUNTERS" envDefault:"10"`
	PairEncounterWindowMs int64 `env:"PAIR_ENCOUNTER_WINDOW_MS" envDefault:"3600000"`
	PairSharedAddress     bool  `env:"PAIR_VETO_SHARED_ADDRESS" envDefault:"false"`
	QuarantineMs          int64 `env:"QUARANTINE_MS" envDefault:"7200000"`
	LagSpikeMs            int64 `env:"LAG_SPIKE_MS" envDefault:"500"`
	LagSpikeWindowMs      int64 `env:"LAG_SPIKE_WINDOW_MS" envDefault:"60000"`
	LagSwitchSpikes       int   `env:"LAG_SWITCH_SPIKES" envDefault:"3"`
	LagSwitchPenalty      int   `env:"LAG_SWITCH_PENALTY" envDefault:"10"`

	// Optimistic concurrency
	RetryMaxAttempts uint  `env:"RETRY_MAX_ATTEMPTS" envDefault:"8"`
	RetryBaseMs      int64 `env:"RETRY_BASE_MS" envDefault:"5"`
	RetryMaxMs       int64 `env:"RETRY_MAX_MS" envDefault:"200"`

	// Reconciliation
	ReconcileIntervalMs    int64           `env:"RECONCILE_INTERVAL_MS" envDefault:"60000"`
	ReconcileWarnTolerance decimal.Decimal `env:"RECONCILE_WARN_TOLERANCE" envDefault:"0.01"`
	ReconcileCriticalAfter int             `env:"RECONCILE_CRITICAL_AFTER" envDefault:"3"`
	ReconcileGapRetention  int             `env:"RECONCILE_GAP_RETENTION" envDefault:"10"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool { return c.Environment == "development" }

// Validate rejects settings the service must not start with.
func (c *Config) Validate() error {
	var errs []error
	if !c.IsDevelopment() {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required outside development"))
		}
		if c.IntegritySalt == "" {
			errs = append(errs, errors.New("INTEGRITY_SALT is required outside development"))
		}
	}
	switch c.StoreBackend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q: want memory or postgres", c.StoreBackend))
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND %q: want memory or redis", c.QueueBackend))
	}
	switch c.EventsBackend {
	case "memory", "redis", "nats":
	default:
		errs = append(errs, fmt.Errorf("EVENTS_BACKEND %q: want memory, redis or nats", c.EventsBackend))
	}
	if !c.DefaultStake.IsPositive() {
		errs = append(errs, errors.New("DEFAULT_STAKE must be positive"))
	}
	if c.StartingBalance.IsNegative() || c.BotBankroll.IsNegative() {
		errs = append(errs, errors.New("STARTING_BALANCE and BOT_BANKROLL must not be negative"))
	}
	if c.MassDisconnectThreshold < 0 || c.MassDisconnectThreshold > 1 {
		errs = append(errs, errors.New("MASS_DISCONNECT_THRESHOLD must be within [0, 1]"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ReconnectGrace() time.Duration { return ms(c.ReconnectGraceMs) }
func (c *Config) QueueFallback() time.Duration { return ms(c.QueueFallbackMs) }
func (c *Config) ReadyTimeout() time.Duration { return ms(c.LockReadyTimeoutMs) }
func (c *Config) TickInterval() time.Duration { return ms(c.TickIntervalMs) }
func (c *Config) MatchmakerPoll() time.Duration { return ms(c.MatchmakerPollMs) }
func (c *Config) OrphanSweep() time.Duration { return ms(c.OrphanSweepMs) }
func (c *Config) OrphanMaxAge() time.Duration { return ms(c.OrphanMaxAgeMs) }
func (c *Config) MassDisconnectWindow() time.Duration { return ms(c.MassDisconnectWindowMs) }
func (c *Config) RetryBase() time.Duration { return ms(c.RetryBaseMs) }
func (c *Config) RetryMax() time.Duration { return ms(c.RetryMaxMs) }
func (c *Config) ReconcileInterval() time.Duration { return ms(c.ReconcileIntervalMs) }
func (c *Config) EncounterWindow() time.Duration { return ms(c.PairEncounterWindowMs) }
func (c *Config) Quarantine() time.Duration { return ms(c.QuarantineMs) }
func (c *Config) LagSpike() time.Duration { return ms(c.LagSpikeMs) }
func (c *Config) LagSpikeWindow() time.Duration { return ms(c.LagSpikeWindowMs) }
