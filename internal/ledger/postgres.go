package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"arkgw/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config describes how to reach the Postgres store backing the ledger.
type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	DB              string
	SslMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime int
	MaxConnIdleTime int
}

// DB is a handle to the ledger's connection pool. It is constructed once at
// startup and passed explicitly to every repository; there is no package
// global to reach for from a deep call site.
type DB struct {
	pool          *pgxpool.Pool
	migrationPath string
}

func NewDB(cfg Config) (*DB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB, cfg.SslMode)
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		logger.Error("failed to parse ledger connection config", zap.Error(err))
		return nil, err
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Minute
	poolCfg.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create ledger connection pool", zap.Error(err))
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("ledger database ping failed", zap.Error(err))
		return nil, err
	}

	logger.Info("ledger connection pool created successfully")

	return &DB{
		pool:          pool,
		migrationPath: "file://internal/ledger/migrations",
	}, nil
}

// Ping checks if the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RunMigrations applies pending schema migrations via golang-migrate.
func (db *DB) RunMigrations() error {
	connStr := db.pool.Config().ConnString()
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("failed to open sql.DB for ledger migrations", zap.Error(err))
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		logger.Error("failed to create postgres driver", zap.Error(err))
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(db.migrationPath, "postgres", driver)
	if err != nil {
		logger.Error("failed to create migrate instance", zap.Error(err))
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	logger.Info("running ledger migrations...")
	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			logger.Info("no new ledger migrations to apply")
			return nil
		}
		logger.Error("ledger migration failed", zap.Error(err))
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		logger.Error("failed to get migration version", zap.Error(err))
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		logger.Error("ledger database is in dirty state", zap.Uint("version", version))
		return fmt.Errorf("database is in dirty state at version %d", version)
	}

	logger.Info("ledger migrations completed successfully", zap.Uint("version", version))
	return nil
}

// Close gracefully shuts down the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		logger.Info("closing ledger connection pool")
		db.pool.Close()
	}
}
