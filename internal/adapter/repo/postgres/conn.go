// Package postgres provides the PostgreSQL adapters: the tenant-bound
// connection pool and the repositories.
//
// Every tenant-scoped query must run on a connection acquired through
// TenantPool so the row-level-security session variables are set. Raw
// acquisition is unexported on purpose; forgetting set_config is a bug class
// where the RLS predicate silently denies every tenant-scoped query.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewPool creates a pgx connection pool from the provided DSN with the otel
// query tracer attached.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	return pool, nil
}

// TenantSession identifies the RLS context set on a checkout.
type TenantSession struct {
	TenantID string
	UserID   string
	Role     string // 'admin' | 'manager' | 'analyst'
}

// TenantPool hands out connections with the RLS session variables already
// set. It is the only way this codebase acquires tenant-scoped connections.
type TenantPool struct {
	pool *pgxpool.Pool
}

// NewTenantPool wraps the process-global pool.
func NewTenantPool(pool *pgxpool.Pool) *TenantPool {
	return &TenantPool{pool: pool}
}

// Acquire checks out a connection and executes the set_config statements
// before handing it out. Callers must Release the returned connection.
func (p *TenantPool) Acquire(ctx context.Context, s TenantSession) (*TenantConn, error) {
	if s.TenantID == "" {
		return nil, fmt.Errorf("op=postgres.Acquire: tenant id required")
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.Acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT set_config('app.current_tenant_id', $1, false)`, s.TenantID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("op=postgres.Acquire: set tenant: %w", err)
	}
	if s.UserID != "" {
		if _, err := conn.Exec(ctx, `SELECT set_config('app.current_user_id', $1, false)`, s.UserID); err != nil {
			conn.Release()
			return nil, fmt.Errorf("op=postgres.Acquire: set user: %w", err)
		}
	}
	if s.Role != "" {
		if _, err := conn.Exec(ctx, `SELECT set_config('app.current_role', $1, false)`, s.Role); err != nil {
			conn.Release()
			return nil, fmt.Errorf("op=postgres.Acquire: set role: %w", err)
		}
	}
	return &TenantConn{conn: conn}, nil
}

// WithTenant runs fn on a tenant-bound connection and releases it afterwards.
func (p *TenantPool) WithTenant(ctx context.Context, s TenantSession, fn func(PgxPool) error) error {
	conn, err := p.Acquire(ctx, s)
	if err != nil {
		return err
	}
	defer conn.Release(ctx)
	return fn(conn)
}

// TenantConn is an RLS-bound checkout. It satisfies PgxPool so the
// repositories work identically on pools and tenant sessions.
type TenantConn struct {
	conn *pgxpool.Conn
}

// Exec runs sql on the bound connection.
func (c *TenantConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

// QueryRow runs sql on the bound connection.
func (c *TenantConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

// Query runs sql on the bound connection.
func (c *TenantConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

// BeginTx opens a transaction on the bound connection.
func (c *TenantConn) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return c.conn.BeginTx(ctx, txOptions)
}

// Release clears the session variables and returns the connection to the
// pool. Clearing avoids a later checkout inheriting a stale tenant on pools
// that reuse sessions.
func (c *TenantConn) Release(ctx context.Context) {
	_, _ = c.conn.Exec(ctx, `SELECT set_config('app.current_tenant_id', '', false)`)
	_, _ = c.conn.Exec(ctx, `SELECT set_config('app.current_user_id', '', false)`)
	_, _ = c.conn.Exec(ctx, `SELECT set_config('app.current_role', '', false)`)
	c.conn.Release()
}

var _ PgxPool = (*TenantConn)(nil)
