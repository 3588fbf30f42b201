//go:build integration

package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SetupTestDB connects to the test database and runs migrations. The test
// database (arkgw_test) is expected to be provisioned by docker-compose.
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := Config{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DB:              "arkgw_test",
		SslMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5,
		MaxConnIdleTime: 1,
	}

	db, err := NewDB(cfg)
	require.NoError(t, err, "failed to connect to test database")

	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	db.migrationPath = "file://" + filepath.Join(dir, "migrations")

	require.NoError(t, db.RunMigrations(), "failed to run migrations on test database")

	return db
}

// CleanupTestDB truncates every ledger table between tests.
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tables := []string{
		"rgb_allocations",
		"rgb_contracts",
		"lightning_invoices",
		"transactions",
		"signing_challenges",
		"signing_sessions",
		"vtxos",
		"asset_balances",
		"assets",
	}
	for _, table := range tables {
		_, err := db.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err, "failed to truncate table %s", table)
	}
}
