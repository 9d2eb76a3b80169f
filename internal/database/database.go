package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/healingcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Driver names a supported database engine.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
	DriverMySQL    Driver = "mysql"

	defaultSQLiteFile = "credits.db"
)

// Target is a resolved connection: the engine plus the DSN its driver expects.
type Target struct {
	Driver Driver
	DSN    string
}

// ResolveDriver maps a database URL onto a driver. postgres:// and mysql:// URLs select those
// engines, sqlite:// selects sqlite and anything else is treated as a sqlite file path.
func ResolveDriver(databaseURL string) (Target, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return Target{}, fmt.Errorf("database url is required")
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return Target{Driver: DriverPostgres, DSN: databaseURL}, nil
	case strings.HasPrefix(databaseURL, "mysql://"):
		dsn, err := mysqlDSN(databaseURL)
		if err != nil {
			return Target{}, err
		}
		return Target{Driver: DriverMySQL, DSN: dsn}, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		parsed, err := url.Parse(databaseURL)
		if err != nil {
			return Target{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return Target{Driver: DriverSQLite, DSN: sqlitePath}, err
	}
	sqlitePath, err := normalizeSQLitePath(databaseURL)
	return Target{Driver: DriverSQLite, DSN: sqlitePath}, err
}

// Open connects gorm to the database named by databaseURL. The cleanup func closes the pool.
func Open(ctx context.Context, databaseURL string) (*gorm.DB, func() error, Driver, error) {
	target, err := ResolveDriver(databaseURL)
	if err != nil {
		return nil, nil, "", err
	}

	var dialector gorm.Dialector
	switch target.Driver {
	case DriverPostgres:
		dialector = postgres.Open(target.DSN)
	case DriverMySQL:
		dialector = mysql.Open(target.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(target.DSN)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", target.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if target.Driver == DriverSQLite {
		// sqlite has a single writer; one connection keeps FOR UPDATE semantics.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, "", fmt.Errorf("ping %s: %w", target.Driver, err)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, target.Driver, nil
}

// OpenPool connects the pgx store. Only postgres URLs are accepted.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	target, err := ResolveDriver(databaseURL)
	if err != nil {
		return nil, err
	}
	if target.Driver != DriverPostgres {
		return nil, fmt.Errorf("pgx store requires a postgres url, got %s", target.Driver)
	}
	pool, err := pgxpool.New(ctx, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables through gorm and seeds the plan catalogue.
func Migrate(ctx context.Context, db *gorm.DB, plans []ledger.SubscriptionPlan) error {
	if err := db.WithContext(ctx).AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return SeedPlans(ctx, gormstore.New(db), plans)
}

// MigratePool applies the pgx schema and seeds the plan catalogue.
func MigratePool(ctx context.Context, pool *pgxpool.Pool, plans []ledger.SubscriptionPlan) error {
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return err
	}
	return SeedPlans(ctx, pgstore.New(pool), plans)
}

// SeedPlans upserts every plan by slug.
func SeedPlans(ctx context.Context, store ledger.Store, plans []ledger.SubscriptionPlan) error {
	for _, plan := range plans {
		validated, err := ledger.NewSubscriptionPlan(plan.Name, plan.DailyCredits, plan.PriceMonthlyCents, plan.PriceYearlyCents, plan.Features)
		if err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.Slug, err)
		}
		if strings.TrimSpace(plan.Slug) != "" {
			validated.Slug = ledger.PlanSlug(plan.Slug)
		}
		validated.PlanID = plan.PlanID
		if err := store.UpsertPlan(ctx, validated); err != nil {
			return fmt.Errorf("seed plan %s: %w", validated.Slug, err)
		}
	}
	return nil
}

func mysqlDSN(databaseURL string) (string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse mysql url: %w", err)
	}
	config := mysqldriver.NewConfig()
	config.Net = "tcp"
	config.Addr = parsed.Host
	config.DBName = strings.TrimPrefix(parsed.Path, "/")
	if parsed.User != nil {
		config.User = parsed.User.Username()
		config.Passwd, _ = parsed.User.Password()
	}
	config.ParseTime = true
	config.Loc = time.UTC
	for key, values := range parsed.Query() {
		if len(values) == 0 {
			continue
		}
		if config.Params == nil {
			config.Params = map[string]string{}
		}
		config.Params[key] = values[0]
	}
	if config.DBName == "" {
		return "", fmt.Errorf("mysql url must name a database")
	}
	return config.FormatDSN(), nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
