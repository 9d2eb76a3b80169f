package database

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/healingcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
)

func TestResolveDriver(t *testing.T) {
	tempDir := t.TempDir()
	testCases := []struct {
		name           string
		databaseURL    string
		expectedDriver Driver
		expectedDSN    string
		dsnContains    []string
	}{
		{name: "postgres", databaseURL: "postgres://user:pass@db:5432/credits?sslmode=disable", expectedDriver: DriverPostgres, expectedDSN: "postgres://user:pass@db:5432/credits?sslmode=disable"},
		{name: "postgresql", databaseURL: "postgresql://db/credits", expectedDriver: DriverPostgres, expectedDSN: "postgresql://db/credits"},
		{name: "sqlite url", databaseURL: "sqlite://" + filepath.Join(tempDir, "a", "credits.db"), expectedDriver: DriverSQLite, expectedDSN: filepath.Join(tempDir, "a", "credits.db")},
		{name: "sqlite path", databaseURL: filepath.Join(tempDir, "b.db"), expectedDriver: DriverSQLite, expectedDSN: filepath.Join(tempDir, "b.db")},
		{name: "memory", databaseURL: ":memory:", expectedDriver: DriverSQLite, expectedDSN: ":memory:"},
		{
			name:           "mysql",
			databaseURL:    "mysql://app:secret@db:3306/credits?charset=utf8mb4",
			expectedDriver: DriverMySQL,
			dsnContains:    []string{"app:secret@tcp(db:3306)/credits", "parseTime=true", "charset=utf8mb4"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			target, err := ResolveDriver(testCase.databaseURL)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if target.Driver != testCase.expectedDriver {
				t.Fatalf("expected driver %s, got %s", testCase.expectedDriver, target.Driver)
			}
			if testCase.expectedDSN != "" && target.DSN != testCase.expectedDSN {
				t.Fatalf("expected dsn %q, got %q", testCase.expectedDSN, target.DSN)
			}
			for _, fragment := range testCase.dsnContains {
				if !strings.Contains(target.DSN, fragment) {
					t.Fatalf("dsn %q missing %q", target.DSN, fragment)
				}
			}
		})
	}
}

func TestResolveDriverRejectsBadInput(t *testing.T) {
	for _, databaseURL := range []string{"", "   ", "mysql://app@db:3306/"} {
		if _, err := ResolveDriver(databaseURL); err == nil {
			t.Fatalf("expected error for %q", databaseURL)
		}
	}
}

func TestOpenPoolRequiresPostgres(t *testing.T) {
	if _, err := OpenPool(context.Background(), filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatalf("expected error for sqlite url")
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	db, cleanup, driver, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "nested", "credits.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = cleanup() }()
	if driver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %s", driver)
	}

	plans := ledger.DefaultPlans()
	if err := Migrate(ctx, db, plans); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second run upserts without duplicating plans.
	if err := Migrate(ctx, db, plans); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	stored, err := gormstore.New(db).ListPlans(ctx)
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if len(stored) != len(plans) {
		t.Fatalf("expected %d plans, got %d", len(plans), len(stored))
	}
	if stored[0].Slug != ledger.DefaultFreePlanSlug {
		t.Fatalf("expected free plan first, got %s", stored[0].Slug)
	}
}

func TestSeedPlansRejectsInvalidPlans(t *testing.T) {
	ctx := context.Background()
	db, cleanup, _, err := Open(ctx, filepath.Join(t.TempDir(), "seed.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = cleanup() }()
	if err := Migrate(ctx, db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)

	testCases := []struct {
		name        string
		plan        ledger.SubscriptionPlan
		expectedErr error
	}{
		{name: "blank name", plan: ledger.SubscriptionPlan{Slug: "ghost", DailyCredits: 10}, expectedErr: ledger.ErrInvalidPlan},
		{name: "negative price", plan: ledger.SubscriptionPlan{Name: "Cheap", DailyCredits: 10, PriceMonthlyCents: -1}, expectedErr: ledger.ErrInvalidPlan},
		{name: "bad allocation", plan: ledger.SubscriptionPlan{Name: "Broken", DailyCredits: -7}, expectedErr: ledger.ErrInvalidAllocation},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := SeedPlans(ctx, store, []ledger.SubscriptionPlan{testCase.plan}); !errors.Is(err, testCase.expectedErr) {
				t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
		})
	}

	if err := SeedPlans(ctx, store, []ledger.SubscriptionPlan{{Name: " Family Plus ", DailyCredits: 5000}}); err != nil {
		t.Fatalf("seed derived slug: %v", err)
	}
	plan, err := store.GetPlan(ctx, "family-plus")
	if err != nil {
		t.Fatalf("expected plan stored under derived slug: %v", err)
	}
	if plan.Name != "Family Plus" || plan.DailyCredits != 5000 {
		t.Fatalf("unexpected seeded plan %+v", plan)
	}
}
