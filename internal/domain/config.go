package domain

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Heron configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired.
	Tier Tier `json:"tier"`

	Engine EngineConfig `json:"engine"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// EngineConfig tunes the optimization engine.
type EngineConfig struct {
	// GreedyThreshold is the largest candidate count searched exhaustively.
	GreedyThreshold int `json:"greedyThreshold"`
	MaxIterations   int `json:"maxIterations"`
	// Epsilon is the fixed-point convergence tolerance in currency units.
	Epsilon   int64         `json:"epsilon"`
	RunnerUps int           `json:"runnerUps"`
	Timeout   time.Duration `json:"timeout"`

	LocalTaxRate        decimal.Decimal `json:"localTaxRate"`
	DefaultSurtaxRate   decimal.Decimal `json:"defaultSurtaxRate"`
	DefaultInterestRate decimal.Decimal `json:"defaultInterestRate"`

	CorrectionYears    int               `json:"correctionYears"`
	CarryforwardYears  int               `json:"carryforwardYears"`
	DeadlineWarnDays   int               `json:"deadlineWarnDays"`
	InterestEnd        InterestEndPolicy `json:"interestEnd"`
	ProcessingDays     int               `json:"processingDays"`
	HardFailSettlement []string          `json:"hardFailSettlement"`

	// RiskHighThreshold is the clawback above which a risk is graded HIGH.
	RiskHighThreshold int64 `json:"riskHighThreshold"`
	// RiskHoldingDays is the retention period used to price the surcharge.
	RiskHoldingDays int `json:"riskHoldingDays"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		GreedyThreshold:     15,
		MaxIterations:       5,
		Epsilon:             1,
		RunnerUps:           3,
		Timeout:             120 * time.Second,
		LocalTaxRate:        decimal.RequireFromString("0.10"),
		DefaultSurtaxRate:   decimal.RequireFromString("0.20"),
		DefaultInterestRate: decimal.RequireFromString("0.022"),
		CorrectionYears:     5,
		CarryforwardYears:   10,
		DeadlineWarnDays:    30,
		InterestEnd:         InterestEndClaimDate,
		ProcessingDays:      60,
		HardFailSettlement: []string{
			SettlementDepreciation,
			SettlementRetirementAllowance,
			SettlementBadDebtAllowance,
		},
		RiskHighThreshold: 10_000_000,
		RiskHoldingDays:   730,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 150,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ReferenceTTL: time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "heron",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		ReferenceTTL:   time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueue:         "heron-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// ApplyEnv overrides cfg from HERON_* environment variables. Unparseable
// values are logged and ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	setInt := func(name string, dst *int) {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				slog.Warn("ignoring invalid env value", "name", name, "value", v)
				return
			}
			*dst = n
		}
	}
	setString := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	setInt("HERON_PORT", &cfg.Server.Port)
	setInt("HERON_GREEDY_THRESHOLD", &cfg.Engine.GreedyThreshold)
	setInt("HERON_MAX_ITERATIONS", &cfg.Engine.MaxIterations)
	setInt("HERON_RUNNER_UPS", &cfg.Engine.RunnerUps)
	setInt("HERON_CORRECTION_YEARS", &cfg.Engine.CorrectionYears)
	setInt("HERON_PROCESSING_DAYS", &cfg.Engine.ProcessingDays)

	var timeoutSecs int
	setInt("HERON_TIMEOUT_SECONDS", &timeoutSecs)
	if timeoutSecs > 0 {
		cfg.Engine.Timeout = time.Duration(timeoutSecs) * time.Second
	}

	if v := getenv("HERON_INTEREST_END"); v != "" {
		switch p := InterestEndPolicy(strings.ToLower(v)); p {
		case InterestEndClaimDate, InterestEndProcessingDeadline:
			cfg.Engine.InterestEnd = p
		default:
			slog.Warn("ignoring invalid env value", "name", "HERON_INTEREST_END", "value", v)
		}
	}
	if v := getenv("HERON_DEFAULT_INTEREST_RATE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			cfg.Engine.DefaultInterestRate = d
		} else {
			slog.Warn("ignoring invalid env value", "name", "HERON_DEFAULT_INTEREST_RATE", "value", v)
		}
	}

	setString("HERON_SQLITE_PATH", &cfg.Repository.SQLitePath)
	setString("HERON_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	setString("HERON_POSTGRES_USER", &cfg.Repository.PostgresUser)
	setString("HERON_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	setString("HERON_POSTGRES_DB", &cfg.Repository.PostgresDB)
	setString("HERON_DATABASE_URL", &cfg.Repository.PostgresURL)
	setString("HERON_REDIS_ADDR", &cfg.Cache.RedisAddr)
	setString("HERON_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	setString("HERON_NATS_URL", &cfg.EventBus.NATSUrl)
	setString("HERON_NATS_TOKEN", &cfg.EventBus.NATSToken)
	setString("HERON_NATS_QUEUE", &cfg.EventBus.NATSQueue)
}
