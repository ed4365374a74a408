// Package postgres stores the shift ledger in PostgreSQL
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mantty/shift"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type (
	// DB wraps a PostgreSQL connection pool and implements shift.Store and shift.Locker
	DB struct {
		pool    *pgxpool.Pool
		connStr string
		table   string
		ident   string
		logger  *zap.Logger
	}

	// Option configures a DB
	Option func(*DB)

	querier interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}

	txKey struct{}
)

var (
	_ shift.Store  = (*DB)(nil)
	_ shift.Locker = (*DB)(nil)
)

//go:embed assets/setup_ledger.sql
var setupLedgerSQL string

// WithMigrationTable sets the ledger table name. It may be schema qualified.
func WithMigrationTable(name string) Option {
	return func(db *DB) {
		db.table = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) {
		db.logger = logger
	}
}

// NewDB creates a new PostgreSQL database connection and makes sure the ledger table exists
func NewDB(ctx context.Context, databaseURL string, opts ...Option) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		pool:    pool,
		connStr: databaseURL,
		table:   shift.DefaultMigrationTable,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(db)
	}
	db.ident = quoteTable(db.table)

	if err := db.InitLedger(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// ConnectionString returns the database connection string
func (db *DB) ConnectionString() string {
	return db.connStr
}

// MigrationTable returns the ledger table name
func (db *DB) MigrationTable() string {
	return db.table
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// InitLedger creates the ledger table if it doesn't exist
func (db *DB) InitLedger(ctx context.Context) error {
	sql := strings.ReplaceAll(setupLedgerSQL, "{{ledger_table}}", db.ident)
	if _, err := db.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to initialize ledger table %s: %w", db.table, err)
	}
	db.logger.Debug("Ledger table ready", zap.String("migration_table", db.table))
	return nil
}

// InTransaction runs fn in a transaction. Store methods called with the
// context passed to fn run inside it.
func (db *DB) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Will be ignored if transaction is committed

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx returns the transaction carried by ctx, if any. Schema writers use it to
// run their statements in the migration's transaction.
func Tx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

func (db *DB) q(ctx context.Context) querier {
	if tx, ok := Tx(ctx); ok {
		return tx
	}
	return db.pool
}

// HasTable reports whether the table exists. Unqualified names are looked up
// in the current schema.
func (db *DB) HasTable(ctx context.Context, name string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
			AND table_name = $2
		)
	`

	schema, table := splitTable(name)
	var exists bool
	if err := db.q(ctx).QueryRow(ctx, query, schema, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return exists, nil
}

// VersionLog returns all ledger rows
func (db *DB) VersionLog(ctx context.Context) (shift.VersionLog, error) {
	query := `
		SELECT version, COALESCE(migration_name, ''), start_time, end_time, breakpoint
		FROM ` + db.ident + `
		ORDER BY version ASC
	`

	rows, err := db.q(ctx).Query(ctx, query)
	if err != nil {
		return shift.VersionLog{}, fmt.Errorf("failed to query version log: %w", err)
	}
	defer rows.Close()

	var records []shift.LedgerRow
	for rows.Next() {
		var (
			r          shift.LedgerRow
			version    int64
			start, end *time.Time
		)
		if err := rows.Scan(&version, &r.MigrationName, &start, &end, &r.Breakpoint); err != nil {
			return shift.VersionLog{}, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		r.Version = strconv.FormatInt(version, 10)
		if start != nil {
			r.StartTime = start.UTC()
		}
		if end != nil {
			r.EndTime = end.UTC()
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return shift.VersionLog{}, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return shift.NewVersionLog(records...), nil
}

// InsertLedgerRow records that a migration started
func (db *DB) InsertLedgerRow(ctx context.Context, version, name string, start time.Time) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	query := `INSERT INTO ` + db.ident + ` (version, migration_name, start_time, breakpoint) VALUES ($1, $2, $3, FALSE)`
	if _, err := db.q(ctx).Exec(ctx, query, v, name, start); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", version, err)
	}
	return nil
}

// SetLedgerEndTime records that a migration completed
func (db *DB) SetLedgerEndTime(ctx context.Context, version string, end time.Time) error {
	return db.updateRow(ctx, version, `UPDATE `+db.ident+` SET end_time = $2 WHERE version = $1`, end)
}

// DeleteLedgerRow removes a migration from the ledger
func (db *DB) DeleteLedgerRow(ctx context.Context, version string) error {
	return db.updateRow(ctx, version, `DELETE FROM `+db.ident+` WHERE version = $1`)
}

// SetBreakpoint sets or clears the breakpoint of version
func (db *DB) SetBreakpoint(ctx context.Context, version string, on bool) error {
	return db.updateRow(ctx, version, `UPDATE `+db.ident+` SET breakpoint = $2 WHERE version = $1`, on)
}

// ClearBreakpoints clears every breakpoint
func (db *DB) ClearBreakpoints(ctx context.Context) error {
	if _, err := db.q(ctx).Exec(ctx, `UPDATE `+db.ident+` SET breakpoint = FALSE WHERE breakpoint`); err != nil {
		return fmt.Errorf("failed to clear breakpoints: %w", err)
	}
	return nil
}

func (db *DB) updateRow(ctx context.Context, version, query string, args ...any) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	tag, err := db.q(ctx).Exec(ctx, query, append([]any{v}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update ledger row %s: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger row %s: %w", version, shift.ErrTargetNotFound)
	}
	return nil
}

// Lock takes a session advisory lock keyed by the ledger table name. The lock is
// held on a dedicated connection until release is called.
func (db *DB) Lock(ctx context.Context) (func(), error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}

	key := lockKey(db.table)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", key, err)
	}
	db.logger.Debug("Migration lock acquired", zap.Int64("lock_key", key))

	release := func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			db.logger.Warn("Failed to release migration lock", zap.Int64("lock_key", key), zap.Error(err))
		}
		conn.Release()
	}
	return release, nil
}

// lockKey hashes name to a positive int64 with FNV-1a
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}

func parseVersion(version string) (int64, error) {
	if err := shift.ValidateVersion(version); err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", version, shift.ErrInvalidVersion)
	}
	return v, nil
}

func splitTable(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func quoteTable(name string) string {
	schema, table := splitTable(name)
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}
