// Package database provides the PostgreSQL client, migrations, and the
// dynamic-statement helpers used by the service layer.
//
// Two pools are held: the primary, which serves all writes and (by default)
// all reads, and an optional read replica that callers opt into per query
// when staleness is acceptable. Transient failures are retried through the
// classifier in retry.go.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
)

//go:embed migrations
var migrationsFS embed.FS

// Querier is the query surface shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client wraps the connection pools and exposes routing.
type Client struct {
	primary *pgxpool.Pool
	replica *pgxpool.Pool // nil when no replica is configured
}

// NewClient connects both pools and applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	primary, err := newPool(ctx, cfg, cfg.Host, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect primary: %w", err)
	}

	var replica *pgxpool.Pool
	if cfg.ReplicaHost != "" {
		replica, err = newPool(ctx, cfg, cfg.ReplicaHost, cfg.ReplicaPort)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("failed to connect replica: %w", err)
		}
	}

	if err := runMigrations(cfg); err != nil {
		primary.Close()
		if replica != nil {
			replica.Close()
		}
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("Connected to PostgreSQL",
		"host", cfg.Host,
		"database", cfg.Database,
		"replica", cfg.ReplicaHost != "")

	return &Client{primary: primary, replica: replica}, nil
}

// NewClientFromPools wraps existing pools (useful for testing).
func NewClientFromPools(primary, replica *pgxpool.Pool) *Client {
	return &Client{primary: primary, replica: replica}
}

func newPool(ctx context.Context, cfg Config, host string, port int) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	// NUMERIC columns travel as shopspring decimals, not floats.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping %s:%d: %w", host, port, err)
	}
	return pool, nil
}

// Primary returns the read-write pool. This is the default routing target.
func (c *Client) Primary() *pgxpool.Pool {
	return c.primary
}

// Replica returns the read-only pool for callers that tolerate replication
// lag. Falls back to the primary when no replica is configured.
func (c *Client) Replica() *pgxpool.Pool {
	if c.replica != nil {
		return c.replica
	}
	return c.primary
}

// WithTx runs fn inside a transaction on the primary, committing on nil and
// rolling back on error or panic.
func (c *Client) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.primary.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after commit is a no-op error we ignore.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close releases both pools.
func (c *Client) Close() {
	c.primary.Close()
	if c.replica != nil {
		c.replica.Close()
	}
}

// runMigrations applies pending migrations using golang-migrate with
// embedded migration files.
func runMigrations(cfg Config) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	return MigrateDSN(dsn)
}

// MigrateDSN applies the embedded migrations to the database (and
// search_path) the DSN points at.
//
// Migration files are embedded into the binary using go:embed, ensuring
// they're available in production deployments without requiring external
// files. A short-lived database/sql handle is opened just for the migration
// run; the pgx pools never see DDL. Exported so test harnesses can migrate
// throwaway schemas without constructing a full Client.
func MigrateDSN(dsn string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	start := time.Now()
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	if !errors.Is(err, migrate.ErrNoChange) {
		slog.Info("Applied database migrations", "elapsed", time.Since(start))
	}
	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
