package creditapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/internal/auth"
	"github.com/MarkoPoloResearchLab/healingcredits/internal/database"
	"github.com/MarkoPoloResearchLab/healingcredits/internal/events"
	"github.com/MarkoPoloResearchLab/healingcredits/internal/observability"
	"github.com/MarkoPoloResearchLab/healingcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/healingcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readHeaderTimeout = 5 * time.Second

// Run boots the credit API using the supplied configuration and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			logger.Warn("store close error", zap.Error(closeErr))
		}
	}()

	publisher, closePublishers, err := openPublishers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublishers()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry, cfg.MetricsNamespace)

	resetPolicy, err := ledger.NewResetPolicy(cfg.ResetWindow)
	if err != nil {
		return err
	}
	serviceOptions := []ledger.ServiceOption{
		ledger.WithOperationLogger(observability.NewZapOperationLogger(logger)),
		ledger.WithOperationLogger(metrics),
		ledger.WithDefaultAllocation(ledger.Allocation(cfg.DefaultDailyCredits)),
		ledger.WithResetPolicy(resetPolicy),
		ledger.WithUnlimitedUsageLogging(cfg.LogUnlimitedUsage),
		ledger.WithMaxConflictRetries(cfg.MaxConflictRetries),
	}
	if publisher.Len() > 0 {
		serviceOptions = append(serviceOptions, ledger.WithEventPublisher(publisher))
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	validator, err := auth.NewValidator(auth.Config{
		SigningKey: []byte(cfg.JWTSigningKey),
		Issuer:     cfg.JWTIssuer,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(RouterDependencies{
		Service:        service,
		Validator:      validator,
		Logger:         logger,
		Metrics:        metrics,
		Gatherer:       registry,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("credit api listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("store", cfg.StoreBackend),
			zap.Int("event_publishers", publisher.Len()),
			zap.Duration("reset_window", service.ResetPolicy().Window()),
		)
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	})
	return group.Wait()
}

// Migrate creates the schema and seeds the plan catalogue without serving.
func Migrate(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.AutoMigrate = true
	_, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	return closeStore()
}

func openStore(ctx context.Context, cfg Config) (ledger.Store, func() error, error) {
	switch cfg.StoreBackend {
	case StorePgx:
		pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := database.MigratePool(ctx, pool, cfg.Plans()); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	default:
		db, cleanup, _, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if cfg.AutoMigrate {
			if err := database.Migrate(ctx, db, cfg.Plans()); err != nil {
				_ = cleanup()
				return nil, nil, err
			}
		}
		return gormstore.New(db), cleanup, nil
	}
}

func openPublishers(ctx context.Context, cfg Config, logger *zap.Logger) (*events.Fanout, func(), error) {
	var (
		publishers []ledger.EventPublisher
		closers    []func() error
	)
	closeAll := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("event publisher close error", zap.Error(err))
			}
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, nil, err
		}
		kafkaPublisher, err := events.NewKafkaPublisher(producer, cfg.KafkaTopic)
		if err != nil {
			_ = producer.Close()
			return nil, nil, err
		}
		publishers = append(publishers, kafkaPublisher)
		closers = append(closers, kafkaPublisher.Close)
	}

	if cfg.RedisURL != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(options)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
			logger.Warn("redis not reachable at startup", zap.Error(pingErr))
		}
		cancel()
		redisPublisher, err := events.NewRedisPublisher(client, cfg.RedisChannel)
		if err != nil {
			_ = client.Close()
			closeAll()
			return nil, nil, err
		}
		publishers = append(publishers, redisPublisher)
		closers = append(closers, client.Close)
	}

	return events.NewFanout(publishers...), closeAll, nil
}
