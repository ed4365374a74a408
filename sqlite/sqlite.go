// Package sqlite stores the shift ledger in SQLite
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mantty/shift"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const driverName = "sqlite3"

type (
	// SqlStore wraps a SQLite database and implements shift.Store and shift.Locker
	SqlStore struct {
		DB     *sqlx.DB
		path   string
		table  string
		logger *zap.Logger

		// sqlite has no advisory locks; file locking covers other processes
		sem chan struct{}
	}

	// Option configures a SqlStore
	Option func(*SqlStore)

	// ledgerRow is the stored form of a shift.LedgerRow
	ledgerRow struct {
		Version       int64          `db:"version"`
		MigrationName sql.NullString `db:"migration_name"`
		StartTime     sql.NullString `db:"start_time"`
		EndTime       sql.NullString `db:"end_time"`
		Breakpoint    bool           `db:"breakpoint"`
	}

	txKey struct{}
)

var (
	_ shift.Store  = (*SqlStore)(nil)
	_ shift.Locker = (*SqlStore)(nil)
)

//go:embed assets/setup_ledger.sql
var setupLedgerSQL string

// WithMigrationTable sets the ledger table name
func WithMigrationTable(name string) Option {
	return func(s *SqlStore) {
		s.table = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *SqlStore) {
		s.logger = logger
	}
}

// NewSqlStore opens the database at path and makes sure the ledger table exists
func NewSqlStore(ctx context.Context, path string, opts ...Option) (*SqlStore, error) {
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// a single connection keeps in-memory databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to ping database: %w", err), db.Close())
	}

	s := &SqlStore{
		DB:     db,
		path:   path,
		table:  shift.DefaultMigrationTable,
		logger: zap.NewNop(),
		sem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.InitLedger(ctx); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return s, nil
}

// Close closes the database
func (s *SqlStore) Close() error {
	return s.DB.Close()
}

// Path returns the database path
func (s *SqlStore) Path() string {
	return s.path
}

// MigrationTable returns the ledger table name
func (s *SqlStore) MigrationTable() string {
	return s.table
}

// Ping checks that the database is reachable
func (s *SqlStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// InitLedger creates the ledger table if it doesn't exist
func (s *SqlStore) InitLedger(ctx context.Context) error {
	stmt := strings.ReplaceAll(setupLedgerSQL, "{{ledger_table}}", quoteIdent(s.table))
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to initialize ledger table %s: %w", s.table, err)
	}
	s.logger.Debug("Ledger table ready", zap.String("migration_table", s.table), zap.String("path", s.path))
	return nil
}

// InTransaction runs fn in a transaction. Store methods called with the
// context passed to fn run inside it.
func (s *SqlStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := Tx(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if transaction is committed

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx returns the transaction carried by ctx, if any
func Tx(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx, ok
}

func (s *SqlStore) q(ctx context.Context) sqlx.ExtContext {
	if tx, ok := Tx(ctx); ok {
		return tx
	}
	return s.DB
}

// HasTable reports whether the table exists
func (s *SqlStore) HasTable(ctx context.Context, name string) (bool, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("sqlite_master").
		Where(sq.Eq{"type": "table", "name": name}).
		ToSql()
	if err != nil {
		return false, err
	}

	var n int
	if err := sqlx.GetContext(ctx, s.q(ctx), &n, query, args...); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

// VersionLog returns all ledger rows
func (s *SqlStore) VersionLog(ctx context.Context) (shift.VersionLog, error) {
	query, args, err := sq.Select("version", "migration_name", "start_time", "end_time", "breakpoint").
		From(quoteIdent(s.table)).
		OrderBy("version ASC").
		ToSql()
	if err != nil {
		return shift.VersionLog{}, err
	}

	var stored []ledgerRow
	if err := sqlx.SelectContext(ctx, s.q(ctx), &stored, query, args...); err != nil {
		return shift.VersionLog{}, fmt.Errorf("failed to query version log: %w", err)
	}

	rows := make([]shift.LedgerRow, 0, len(stored))
	for _, r := range stored {
		row, err := r.toLedgerRow()
		if err != nil {
			return shift.VersionLog{}, err
		}
		rows = append(rows, row)
	}
	return shift.NewVersionLog(rows...), nil
}

// InsertLedgerRow records that a migration started
func (s *SqlStore) InsertLedgerRow(ctx context.Context, version, name string, start time.Time) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	query, args, err := sq.Insert(quoteIdent(s.table)).
		Columns("version", "migration_name", "start_time", "breakpoint").
		Values(v, name, formatTime(start), false).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", version, err)
	}
	return nil
}

// SetLedgerEndTime records that a migration completed
func (s *SqlStore) SetLedgerEndTime(ctx context.Context, version string, end time.Time) error {
	return s.update(ctx, version, sq.Update(quoteIdent(s.table)).Set("end_time", formatTime(end)))
}

// SetBreakpoint sets or clears the breakpoint of version
func (s *SqlStore) SetBreakpoint(ctx context.Context, version string, on bool) error {
	return s.update(ctx, version, sq.Update(quoteIdent(s.table)).Set("breakpoint", on))
}

// DeleteLedgerRow removes a migration from the ledger
func (s *SqlStore) DeleteLedgerRow(ctx context.Context, version string) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	query, args, err := sq.Delete(quoteIdent(s.table)).Where(sq.Eq{"version": v}).ToSql()
	if err != nil {
		return err
	}
	return s.exec(ctx, version, query, args)
}

// ClearBreakpoints clears every breakpoint
func (s *SqlStore) ClearBreakpoints(ctx context.Context) error {
	query, args, err := sq.Update(quoteIdent(s.table)).
		Set("breakpoint", false).
		Where(sq.Eq{"breakpoint": true}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear breakpoints: %w", err)
	}
	return nil
}

func (s *SqlStore) update(ctx context.Context, version string, b sq.UpdateBuilder) error {
	v, err := parseVersion(version)
	if err != nil {
		return err
	}
	query, args, err := b.Where(sq.Eq{"version": v}).ToSql()
	if err != nil {
		return err
	}
	return s.exec(ctx, version, query, args)
}

func (s *SqlStore) exec(ctx context.Context, version, query string, args []any) error {
	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update ledger row %s: %w", version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ledger row %s: %w", version, shift.ErrTargetNotFound)
	}
	return nil
}

// Lock obtains the in-process migration lock, waiting until it is free or ctx is done
func (s *SqlStore) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire sqlite lock: %w", err)
	}
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire sqlite lock: %w", ctx.Err())
	}
}

func (r ledgerRow) toLedgerRow() (shift.LedgerRow, error) {
	row := shift.LedgerRow{
		Version:       strconv.FormatInt(r.Version, 10),
		MigrationName: r.MigrationName.String,
		Breakpoint:    r.Breakpoint,
	}
	var err error
	if row.StartTime, err = parseTime(r.StartTime); err != nil {
		return shift.LedgerRow{}, fmt.Errorf("ledger row %s start_time: %w", row.Version, err)
	}
	if row.EndTime, err = parseTime(r.EndTime); err != nil {
		return shift.LedgerRow{}, fmt.Errorf("ledger row %s end_time: %w", row.Version, err)
	}
	return row, nil
}

// times are stored as RFC3339 text so they compare correctly in SQL
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
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

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
