package store

import (
	"context"
	"os"
	"testing"
)

// Runs only when POSTGRES_TEST_DSN points at a disposable database.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	s, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.db.WithContext(ctx).Exec("TRUNCATE deposit_vaults, plans, subscriptions, sweep_attempts").Error; err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) recordStore {
		return newTestPostgres(t)
	})
}
