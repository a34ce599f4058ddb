// Package postgres wraps database/sql with lib/pq for the lease tables.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/docmutex/pkg/observability/logger"
)

// PostgreSQLAdapter owns the connection pool. Statements issued through it
// join the transaction carried by the context, if any.
type PostgreSQLAdapter struct {
	db     *sql.DB
	logger logger.Logger
	config Config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectTimeout bounds the initial ping; zero means 5s.
	ConnectTimeout time.Duration
	// QueryTimeout applies to statements whose context has no deadline.
	QueryTimeout time.Duration
}

// NewPostgreSQLAdapter opens the pool and pings the server.
func NewPostgreSQLAdapter(cfg Config, log logger.Logger) (*PostgreSQLAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("PostgreSQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"query_timeout", cfg.QueryTimeout,
	)
	return &PostgreSQLAdapter{db: db, logger: log, config: cfg}, nil
}

// NewPostgreSQLAdapterWithDB wraps an already opened handle without pinging it.
func NewPostgreSQLAdapterWithDB(db *sql.DB, cfg Config, log logger.Logger) (*PostgreSQLAdapter, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &PostgreSQLAdapter{db: db, logger: log, config: cfg}, nil
}

// DB exposes the pool, mostly for stats.
func (a *PostgreSQLAdapter) DB() *sql.DB {
	return a.db
}

// HealthCheck pings the server within at most 2 seconds.
func (a *PostgreSQLAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Error("PostgreSQL health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (a *PostgreSQLAdapter) Close() error {
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close PostgreSQL connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	a.logger.Info("PostgreSQL connection closed")
	return nil
}

type txKey struct{}

// GetTx returns the transaction started by WithTransaction, if ctx carries one.
func GetTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// WithTransaction runs fn in a transaction that is committed when fn returns
// nil and rolled back otherwise, including on panic.
func (a *PostgreSQLAdapter) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		p := recover()
		if rbErr := tx.Rollback(); rbErr != nil {
			a.logger.Error("failed to rollback transaction", "error", err, "rollback_error", rbErr, "panic", p)
			if p == nil {
				err = fmt.Errorf("failed to rollback transaction: %w (original error: %v)", rbErr, err)
			}
		}
		if p != nil {
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		committed = true
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (a *PostgreSQLAdapter) conn(ctx context.Context) queryer {
	if tx, ok := GetTx(ctx); ok {
		return tx
	}
	return a.db
}

// ExecContext runs a statement on the context transaction or the pool.
func (a *PostgreSQLAdapter) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()
	return a.conn(ctx).ExecContext(queryCtx, query, args...)
}

// QueryEach runs a query and calls each for every row. Rows are consumed
// before the query timeout is released.
func (a *PostgreSQLAdapter) QueryEach(ctx context.Context, query string, args []interface{}, each func(*sql.Rows) error) error {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()

	rows, err := a.conn(ctx).QueryContext(queryCtx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryRowScan executes a query that returns a single row and scans it into dest.
// A missing row yields sql.ErrNoRows.
func (a *PostgreSQLAdapter) QueryRowScan(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()
	return a.conn(ctx).QueryRowContext(queryCtx, query, args...).Scan(dest...)
}

func (a *PostgreSQLAdapter) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.QueryTimeout)
}
