// Package test provides a store backed by a real database for tests.
package test

import (
	"context"
	"os"
	"testing"

	"github.com/hrygo/askparrot/internal/profile"
	"github.com/hrygo/askparrot/store"
	"github.com/hrygo/askparrot/store/db"
)

// NewTestingStore returns a migrated store. The driver comes from the DRIVER
// environment variable (sqlite by default, in memory). PostgreSQL tests need
// POSTGRES_TEST_DSN and are skipped without it.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()

	p := getTestingProfile(t)
	driver, err := db.NewDBDriver(p)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}

	s := store.New(driver, p)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func getTestingProfile(t *testing.T) *profile.Profile {
	p := &profile.Profile{
		Mode:   "dev",
		Data:   t.TempDir(),
		Driver: getDriverFromEnv(),
	}
	switch p.Driver {
	case "postgres":
		p.DSN = os.Getenv("POSTGRES_TEST_DSN")
		if p.DSN == "" {
			t.Skip("POSTGRES_TEST_DSN is not set")
		}
	default:
		p.DSN = ":memory:"
	}
	return p
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	return driver
}
