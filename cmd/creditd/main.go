package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/healingcredits/internal/creditapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CREDITD"

	flagEnvFile             = "env-file"
	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagStore               = "store"
	flagAutoMigrate         = "auto-migrate"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagRequestTimeout      = "request-timeout"
	flagShutdownTimeout     = "shutdown-timeout"
	flagDefaultDailyCredits = "default-daily-credits"
	flagResetWindow         = "reset-window"
	flagLogUnlimitedUsage   = "log-unlimited-usage"
	flagMaxConflictRetries  = "max-conflict-retries"
	flagKafkaBrokers        = "kafka-brokers"
	flagKafkaTopic          = "kafka-topic"
	flagRedisURL            = "redis-url"
	flagRedisChannel        = "redis-channel"
	flagMetricsNamespace    = "metrics-namespace"

	defaultEnvFile     = ".env"
	defaultListenAddr  = ":8080"
	defaultDatabaseURL = "sqlite:///tmp/healingcredits.db"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &creditapi.Config{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP service for healing-music generation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres://, mysql://, sqlite:// URL or sqlite file path")
	flags.String(flagStore, creditapi.StoreGorm, "store backend: gorm or pgx (postgres only)")
	flags.Bool(flagAutoMigrate, true, "create tables and seed plans on start")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagJWTSigningKey, "", "HS256 key used to verify bearer tokens")
	flags.String(flagJWTIssuer, "", "expected token issuer (empty accepts any)")
	flags.Duration(flagRequestTimeout, 0, "per-request ledger timeout")
	flags.Duration(flagShutdownTimeout, 0, "graceful shutdown timeout")
	flags.Int64(flagDefaultDailyCredits, 0, "daily credits of the free plan")
	flags.Duration(flagResetWindow, 0, "rolling reset window")
	flags.Bool(flagLogUnlimitedUsage, false, "record deductions of unlimited accounts in the transaction log")
	flags.Int(flagMaxConflictRetries, 0, "retries after a concurrent balance update")
	flags.String(flagKafkaBrokers, "", "comma-separated Kafka brokers for balance events")
	flags.String(flagKafkaTopic, "", "Kafka topic for balance events")
	flags.String(flagRedisURL, "", "redis:// URL for balance event pub/sub")
	flags.String(flagRedisChannel, "", "Redis channel for balance events")
	flags.String(flagMetricsNamespace, "", "Prometheus metric namespace")

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func newServeCommand(cfg *creditapi.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return creditapi.Run(ctx, *cfg)
		},
	}
}

func newMigrateCommand(cfg *creditapi.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and seed the plan catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return creditapi.Migrate(cmd.Context(), *cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *creditapi.Config) error {
	flags := cmd.Flags()
	envFile, err := flags.GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := settings.BindPFlags(flags); err != nil {
		return err
	}

	*cfg = creditapi.Config{
		ListenAddr:          settings.GetString(flagListenAddr),
		DatabaseURL:         settings.GetString(flagDatabaseURL),
		StoreBackend:        settings.GetString(flagStore),
		AutoMigrate:         settings.GetBool(flagAutoMigrate),
		AllowedOrigins:      creditapi.ParseList(settings.GetString(flagAllowedOrigins)),
		JWTSigningKey:       settings.GetString(flagJWTSigningKey),
		JWTIssuer:           settings.GetString(flagJWTIssuer),
		RequestTimeout:      settings.GetDuration(flagRequestTimeout),
		ShutdownTimeout:     settings.GetDuration(flagShutdownTimeout),
		DefaultDailyCredits: settings.GetInt64(flagDefaultDailyCredits),
		ResetWindow:         settings.GetDuration(flagResetWindow),
		LogUnlimitedUsage:   settings.GetBool(flagLogUnlimitedUsage),
		MaxConflictRetries:  settings.GetInt(flagMaxConflictRetries),
		KafkaBrokers:        creditapi.ParseList(settings.GetString(flagKafkaBrokers)),
		KafkaTopic:          settings.GetString(flagKafkaTopic),
		RedisURL:            settings.GetString(flagRedisURL),
		RedisChannel:        settings.GetString(flagRedisChannel),
		MetricsNamespace:    settings.GetString(flagMetricsNamespace),
	}
	return cfg.Validate()
}
