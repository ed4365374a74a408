package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mantty/shift"
	"github.com/mantty/shift/memory"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgTest "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"
)

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := pgTest.Run(ctx,
		"postgres:17-alpine",
		pgTest.WithDatabase("test"),
		pgTest.WithUsername("user"),
		pgTest.WithPassword("password"),
		pgTest.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, container)
	})

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	db, err := NewDB(ctx, dbURL, opts...)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestNewDBInitializesLedgerTable(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	exists, err := db.HasTable(ctx, shift.DefaultMigrationTable)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = db.HasTable(ctx, "public."+shift.DefaultMigrationTable)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = db.HasTable(ctx, "users")
	require.NoError(t, err)
	require.False(t, exists)

	// setup is idempotent
	require.NoError(t, db.InitLedger(ctx))
}

func TestLedgerRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithMigrationTable("custom_log"))
	require.Equal(t, "custom_log", db.MigrationTable())

	start := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, db.InsertLedgerRow(ctx, "20230102000000", "CreateUsers", start))
	require.NoError(t, db.InsertLedgerRow(ctx, "20230101000000", "Init", start.Add(time.Minute)))
	require.NoError(t, db.SetLedgerEndTime(ctx, "20230102000000", start.Add(time.Second)))
	require.NoError(t, db.SetBreakpoint(ctx, "20230101000000", true))

	log, err := db.VersionLog(ctx)
	require.NoError(t, err)
	rows := log.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, "20230101000000", rows[0].Version)
	require.Equal(t, "Init", rows[0].MigrationName)
	require.True(t, rows[0].Breakpoint)
	require.True(t, rows[0].EndTime.IsZero())
	require.Equal(t, "20230102000000", rows[1].Version)
	require.True(t, rows[1].StartTime.Equal(start))
	require.True(t, rows[1].EndTime.Equal(start.Add(time.Second)))

	require.NoError(t, db.ClearBreakpoints(ctx))
	require.NoError(t, db.DeleteLedgerRow(ctx, "20230102000000"))

	log, err = db.VersionLog(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, log.Len())
	row, ok := log.Get("20230101000000")
	require.True(t, ok)
	require.False(t, row.Breakpoint)

	err = db.DeleteLedgerRow(ctx, "20230102000000")
	require.ErrorIs(t, err, shift.ErrTargetNotFound)

	err = db.InsertLedgerRow(ctx, "2023", "Bad", start)
	require.ErrorIs(t, err, shift.ErrInvalidVersion)
}

func TestInTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	boom := errors.New("boom")

	err := db.InTransaction(ctx, func(ctx context.Context) error {
		if err := db.InsertLedgerRow(ctx, "20230101000000", "Init", time.Now()); err != nil {
			return err
		}
		tx, ok := Tx(ctx)
		require.True(t, ok)
		_, err := tx.Exec(ctx, "CREATE TABLE users (id BIGINT)")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	log, err := db.VersionLog(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, log.Len())

	exists, err := db.HasTable(ctx, "users")
	require.NoError(t, err)
	require.False(t, exists)

	err = db.InTransaction(ctx, func(ctx context.Context) error {
		return db.InsertLedgerRow(ctx, "20230101000000", "Init", time.Now())
	})
	require.NoError(t, err)

	log, err = db.VersionLog(ctx)
	require.NoError(t, err)
	require.True(t, log.Has("20230101000000"))
}

func TestInTransactionRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	func() {
		defer func() {
			require.Equal(t, "boom", recover())
		}()
		_ = db.InTransaction(ctx, func(ctx context.Context) error {
			require.NoError(t, db.InsertLedgerRow(ctx, "20230101000000", "Init", time.Now()))
			panic("boom")
		})
	}()

	require.Zero(t, db.pool.Stat().AcquiredConns())

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	log, err := db.VersionLog(readCtx)
	require.NoError(t, err)
	require.Equal(t, 0, log.Len())
}

func TestLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	release, err := db.Lock(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = db.Lock(waitCtx)
	require.Error(t, err)

	release()

	release, err = db.Lock(ctx)
	require.NoError(t, err)
	release()
}

func TestManagerWithPostgresLedger(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	schema := memory.New()

	registry := shift.NewRegistry(nil)
	registry.MustRegister(
		shift.Migration{
			Version: "20230101000000",
			Name:    "CreateUsers",
			Change: func(ctx context.Context, s *shift.Schema) error {
				s.CreateTable("users", shift.Column{Name: "name", Type: "string"})
				return nil
			},
		},
	)
	m := shift.NewManager(registry, shift.WithLogger(zaptest.NewLogger(t)))
	env := shift.Environment{Name: "test", Adapter: shift.Bind(schema, db)}

	_, ok := env.Adapter.(shift.Locker)
	require.True(t, ok)

	result, err := m.Migrate(ctx, env, "", false)
	require.NoError(t, err)
	require.Len(t, result.Units, 1)
	require.Equal(t, []string{"users"}, schema.TableNames())

	report, err := m.Status(ctx, env)
	require.NoError(t, err)
	require.Equal(t, shift.StatusOK, report.ExitCode())

	result, err = m.Rollback(ctx, env, shift.RollbackOptions{})
	require.NoError(t, err)
	require.Len(t, result.Units, 1)
	require.Empty(t, schema.TableNames())

	log, err := db.VersionLog(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, log.Len())
}
