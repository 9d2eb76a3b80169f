package creditapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
)

const (
	StoreGorm = "gorm"
	StorePgx  = "pgx"

	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite:///tmp/healingcredits.db"
	defaultAllowedOrigin    = "http://localhost:3000"
	defaultRequestTimeout   = 5 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultKafkaTopic       = "credit-balance-changed"
	defaultRedisChannel     = "credit-balance-changed"
	defaultMetricsNamespace = "healingcredits"
)

// Config aggregates runtime settings for the credit API.
type Config struct {
	ListenAddr          string
	DatabaseURL         string
	StoreBackend        string
	AutoMigrate         bool
	AllowedOrigins      []string
	JWTSigningKey       string
	JWTIssuer           string
	RequestTimeout      time.Duration
	ShutdownTimeout     time.Duration
	DefaultDailyCredits int64
	ResetWindow         time.Duration
	LogUnlimitedUsage   bool
	MaxConflictRetries  int
	KafkaBrokers        []string
	KafkaTopic          string
	RedisURL            string
	RedisChannel        string
	MetricsNamespace    string
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreGorm))
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)
	cfg.RedisChannel = defaultIfEmpty(cfg.RedisChannel, defaultRedisChannel)
	cfg.MetricsNamespace = defaultIfEmpty(cfg.MetricsNamespace, defaultMetricsNamespace)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ResetWindow == 0 {
		cfg.ResetWindow = ledger.DefaultResetWindow
	}
	if cfg.DefaultDailyCredits == 0 {
		cfg.DefaultDailyCredits = ledger.DefaultFreeDailyCredits
	}
	if cfg.MaxConflictRetries == 0 {
		cfg.MaxConflictRetries = ledger.DefaultMaxConflictRetries
	}

	if cfg.StoreBackend != StoreGorm && cfg.StoreBackend != StorePgx {
		return fmt.Errorf("store backend must be %q or %q", StoreGorm, StorePgx)
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if _, err := ledger.NewAllocation(cfg.DefaultDailyCredits); err != nil {
		return fmt.Errorf("default daily credits: %w", err)
	}
	if _, err := ledger.NewResetPolicy(cfg.ResetWindow); err != nil {
		return err
	}
	if cfg.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must not be negative")
	}
	return nil
}

// Plans returns the seeded catalogue with the free plan sized by DefaultDailyCredits.
func (cfg Config) Plans() []ledger.SubscriptionPlan {
	plans := ledger.DefaultPlans()
	for index := range plans {
		if plans[index].Slug == ledger.DefaultFreePlanSlug {
			plans[index].DailyCredits = ledger.Allocation(cfg.DefaultDailyCredits)
		}
	}
	return plans
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits a comma-delimited value, dropping blanks.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
