package shift_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/mantty/shift"
	"github.com/mantty/shift/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	createUsers = shift.Migration{
		Version: "20240101000000",
		Name:    "create_users",
		Change: func(_ context.Context, s *shift.Schema) error {
			s.CreateTable("users",
				shift.Column{Name: "id", Type: "integer"},
				shift.Column{Name: "email", Type: "string"},
			)
			return nil
		},
	}
	createPosts = shift.Migration{
		Version: "20240102000000",
		Name:    "create_posts",
		Change: func(_ context.Context, s *shift.Schema) error {
			s.CreateTable("posts",
				shift.Column{Name: "id", Type: "integer"},
				shift.Column{Name: "user_id", Type: "integer"},
			)
			s.AddForeignKey("posts", shift.ForeignKey{Columns: []string{"user_id"}, ReferencedTable: "users"})
			return nil
		},
	}
	addBio = shift.Migration{
		Version: "20240103000000",
		Name:    "add_bio",
		Up: func(_ context.Context, s *shift.Schema) error {
			s.AddColumn("users", shift.Column{Name: "bio", Type: "text"})
			s.AddIndex("users", shift.Index{Columns: []string{"email"}, Unique: true})
			return nil
		},
		Down: func(_ context.Context, s *shift.Schema) error {
			s.DropIndex("users", shift.Index{Columns: []string{"email"}, Unique: true})
			s.RemoveColumn("users", shift.Column{Name: "bio"})
			return nil
		},
	}
)

type fixture struct {
	db    *memory.DB
	clock *clock.Mock
	mgr   *shift.Manager
	env   shift.Environment
}

func newFixture(t *testing.T, order shift.VersionOrder, ms ...shift.Migration) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := shift.NewRegistry(logger)
	require.NoError(t, reg.Register(ms...))

	mock := clock.NewMock()
	mock.Set(at("20240601000000"))

	db := memory.New()
	return &fixture{
		db:    db,
		clock: mock,
		mgr:   shift.NewManager(reg, shift.WithLogger(logger), shift.WithClock(mock)),
		env:   shift.Environment{Name: "test", Adapter: db, VersionOrder: order},
	}
}

// withRegistry returns a manager for ms sharing the fixture's database and clock
func (f *fixture) withRegistry(t *testing.T, ms ...shift.Migration) *shift.Manager {
	t.Helper()
	reg := shift.NewRegistry(nil)
	require.NoError(t, reg.Register(ms...))
	return shift.NewManager(reg, shift.WithLogger(zaptest.NewLogger(t)), shift.WithClock(f.clock))
}

func (f *fixture) applied(t *testing.T) []string {
	t.Helper()
	log, err := f.db.VersionLog(context.Background())
	require.NoError(t, err)
	var out []string
	for _, r := range log.Rows() {
		out = append(out, r.Version)
	}
	return out
}

func descriptorVersions(ds []shift.Descriptor) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.Version)
	}
	return out
}

func TestMigrateAppliesPendingInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, addBio, createPosts, createUsers)

	result, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)
	assert.Equal(t, shift.Up, result.Direction)
	assert.Equal(t, []string{"20240101000000", "20240102000000", "20240103000000"}, descriptorVersions(result.Units))

	assert.Equal(t, []string{"posts", "users"}, f.db.TableNames())
	users, _ := f.db.Table("users")
	assert.Equal(t, []string{"id", "email", "bio"}, users.ColumnNames())

	log, err := f.db.VersionLog(ctx)
	require.NoError(t, err)
	row, ok := log.Get("20240102000000")
	require.True(t, ok)
	assert.Equal(t, "create_posts", row.MigrationName)
	assert.Equal(t, at("20240601000000"), row.StartTime)
	assert.Equal(t, at("20240601000000"), row.EndTime)
	assert.False(t, row.Breakpoint)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)

	_, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)
	f.db.ResetCalls()

	result, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)
	assert.Empty(t, result.Units)
	assert.Empty(t, f.db.Calls())
}

func TestMigrateToTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)

	result, err := f.mgr.Migrate(ctx, f.env, "20240102000000", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"20240101000000", "20240102000000"}, descriptorVersions(result.Units))

	result, err = f.mgr.Migrate(ctx, f.env, "0", false)
	require.NoError(t, err)
	assert.Empty(t, result.Units)
	assert.Equal(t, []string{"20240101000000", "20240102000000"}, f.applied(t))

	_, err = f.mgr.Migrate(ctx, f.env, "20990101000000", false)
	var te *shift.TargetError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, shift.ErrTargetNotFound)
}

func TestMigrateRejectsUnregisteredTargetBetweenVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)

	_, err := f.mgr.Migrate(ctx, f.env, "20240101120000", false)
	var te *shift.TargetError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "20240101120000", te.Target)
	require.ErrorIs(t, err, shift.ErrTargetNotFound)
	assert.Empty(t, f.applied(t))
}

func TestMigrateToDateTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)

	result, err := f.mgr.MigrateToDateTime(ctx, f.env, "2023", false)
	require.NoError(t, err)
	assert.Empty(t, result.Units)
	assert.Empty(t, f.applied(t))

	result, err = f.mgr.MigrateToDateTime(ctx, f.env, "20240102", false)
	require.NoError(t, err)
	assert.Equal(t, "20240102000000", result.Target)
	assert.Equal(t, []string{"20240101000000", "20240102000000"}, descriptorVersions(result.Units))

	_, err = f.mgr.MigrateToDateTime(ctx, f.env, "20240", false)
	require.ErrorIs(t, err, shift.ErrInvalidDate)
}

func TestMigrateFake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts)

	result, err := f.mgr.Migrate(ctx, f.env, "", true)
	require.NoError(t, err)
	assert.True(t, result.Fake)
	assert.Empty(t, f.db.TableNames())
	assert.Equal(t, []string{"20240101000000", "20240102000000"}, f.applied(t))
	assert.Equal(t, []memory.Call{
		{Method: "InsertLedgerRow", Table: "20240101000000"},
		{Method: "SetLedgerEndTime", Table: "20240101000000"},
		{Method: "InsertLedgerRow", Table: "20240102000000"},
		{Method: "SetLedgerEndTime", Table: "20240102000000"},
	}, f.db.Calls())

	f.db.ResetCalls()
	_, err = f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{Target: "all", Fake: true})
	require.NoError(t, err)
	assert.Empty(t, f.applied(t))
	assert.Equal(t, []memory.Call{
		{Method: "DeleteLedgerRow", Table: "20240102000000"},
		{Method: "DeleteLedgerRow", Table: "20240101000000"},
	}, f.db.Calls())
}

func TestMigrateStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)
	boom := errors.New("disk full")
	f.db.FailOn("posts", boom)

	result, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.ErrorIs(t, err, boom)

	var me *shift.MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "20240102000000", me.Version)
	assert.Equal(t, shift.Up, me.Direction)

	assert.Equal(t, []string{"20240101000000"}, descriptorVersions(result.Units))
	assert.Equal(t, []string{"20240101000000"}, f.applied(t))
	assert.Equal(t, []string{"users"}, f.db.TableNames())

	f.db.FailOn("posts", nil)
	result, err = f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"20240102000000", "20240103000000"}, descriptorVersions(result.Units))
}

func TestRollbackRoundTripRestoresSchema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)
	before := f.db.Schema()

	_, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)

	result, err := f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{Target: "0"})
	require.NoError(t, err)
	assert.Equal(t, shift.Down, result.Direction)
	assert.Equal(t, []string{"20240103000000", "20240102000000", "20240101000000"}, descriptorVersions(result.Units))
	assert.Empty(t, f.applied(t))

	if diff := cmp.Diff(before, f.db.Schema()); diff != "" {
		t.Fatalf("rollback did not restore the schema (-before +after):\n%s", diff)
	}
}

func TestRollbackTargets(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		opts     shift.RollbackOptions
		reverted []string
		remains  []string
	}{
		{
			name:     "most recent",
			opts:     shift.RollbackOptions{},
			reverted: []string{"20240103000000"},
			remains:  []string{"20240101000000", "20240102000000"},
		},
		{
			name:     "all",
			opts:     shift.RollbackOptions{Target: "all"},
			reverted: []string{"20240103000000", "20240102000000", "20240101000000"},
		},
		{
			name:     "version",
			opts:     shift.RollbackOptions{Target: "20240101000000"},
			reverted: []string{"20240103000000", "20240102000000"},
			remains:  []string{"20240101000000"},
		},
		{
			name:     "version between applied versions",
			opts:     shift.RollbackOptions{Target: "20240101120000"},
			reverted: []string{"20240103000000", "20240102000000"},
			remains:  []string{"20240101000000"},
		},
		{
			name:     "exact version",
			opts:     shift.RollbackOptions{Target: "20240102000000", TargetMustMatchVersion: true},
			reverted: []string{"20240103000000"},
			remains:  []string{"20240101000000", "20240102000000"},
		},
		{
			name:     "name",
			opts:     shift.RollbackOptions{Target: "create_users"},
			reverted: []string{"20240103000000", "20240102000000"},
			remains:  []string{"20240101000000"},
		},
		{
			name:    "most recent is target",
			opts:    shift.RollbackOptions{Target: "20240103000000"},
			remains: []string{"20240101000000", "20240102000000", "20240103000000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)
			_, err := f.mgr.Migrate(ctx, f.env, "", false)
			require.NoError(t, err)

			result, err := f.mgr.Rollback(ctx, f.env, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.reverted, descriptorVersions(result.Units))
			assert.Equal(t, tt.remains, f.applied(t))
		})
	}
}

func TestRollbackUnknownTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts)
	f.db.Seed(shift.LedgerRow{Version: "20240102000000", MigrationName: "create_posts", StartTime: at("20240601000000")})
	f.db.ResetCalls()

	_, err := f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{Target: "20230101000000", TargetMustMatchVersion: true})
	var te *shift.TargetError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "20230101000000", te.Target)
	require.ErrorIs(t, err, shift.ErrTargetNotFound)

	_, err = f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{Target: "no_such_migration"})
	require.ErrorIs(t, err, shift.ErrTargetNotFound)

	assert.Empty(t, f.db.Calls())
	assert.Equal(t, []string{"20240102000000"}, f.applied(t))
}

func TestRollbackStopsAtBreakpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder,
		shift.Migration{Version: "20230101000000", Name: "first", Up: noop},
		shift.Migration{Version: "20230102000000", Name: "second", Up: noop},
	)
	f.db.Seed(
		shift.LedgerRow{Version: "20230101000000", MigrationName: "first"},
		shift.LedgerRow{Version: "20230102000000", MigrationName: "second", Breakpoint: true},
	)

	result, err := f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Units)
	assert.Equal(t, "20230102000000", result.Breakpoint)
	assert.Equal(t, []string{"20230101000000", "20230102000000"}, f.applied(t))

	result, err = f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{Target: "0", Force: true})
	require.NoError(t, err)
	assert.Empty(t, result.Breakpoint)
	assert.Equal(t, []string{"20230102000000", "20230101000000"}, descriptorVersions(result.Units))
	assert.Empty(t, f.applied(t))
}

func TestRollbackReportsPartialProgressAtBreakpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)
	_, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)
	_, err = f.mgr.SetBreakpoint(ctx, f.env, "20240102000000", true)
	require.NoError(t, err)

	result, err := f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{Target: "all"})
	require.NoError(t, err)
	assert.Equal(t, []string{"20240103000000"}, descriptorVersions(result.Units))
	assert.Equal(t, "20240102000000", result.Breakpoint)
	assert.Equal(t, []string{"20240101000000", "20240102000000"}, f.applied(t))
}

func TestRollbackIrreversibleTouchesNothing(t *testing.T) {
	ctx := context.Background()
	dropBio := shift.Migration{
		Version: "20240104000000",
		Name:    "drop_bio",
		Change: func(_ context.Context, s *shift.Schema) error {
			s.RemoveColumn("users", shift.Column{Name: "bio"})
			return nil
		},
	}
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio, dropBio)
	_, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)
	before := f.db.Schema()
	f.db.ResetCalls()

	_, err = f.mgr.Rollback(ctx, f.env, shift.RollbackOptions{})
	require.ErrorIs(t, err, shift.ErrIrreversible)
	var ie *shift.IrreversibleError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "20240104000000", ie.Version)
	assert.Equal(t, "users", ie.Table)

	assert.Empty(t, f.db.Calls())
	assert.Len(t, f.applied(t), 4)
	assert.Empty(t, cmp.Diff(before, f.db.Schema()))
}

func TestRollbackExecutionOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.ExecutionOrder, createUsers, addBio)
	_, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)

	// createPosts lands later, with an older version than addBio
	f.clock.Add(48 * time.Hour)
	mgr := f.withRegistry(t, createUsers, createPosts, addBio)
	result, err := mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"20240102000000"}, descriptorVersions(result.Units))

	result, err = mgr.Rollback(ctx, f.env, shift.RollbackOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"20240102000000"}, descriptorVersions(result.Units))
	assert.Equal(t, []string{"20240101000000", "20240103000000"}, f.applied(t))

	creation := f.env
	creation.VersionOrder = shift.CreationOrder
	_, err = mgr.Migrate(ctx, creation, "", false)
	require.NoError(t, err)
	result, err = mgr.Rollback(ctx, creation, shift.RollbackOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"20240103000000"}, descriptorVersions(result.Units))
}

func TestRollbackToDateTime(t *testing.T) {
	ctx := context.Background()

	t.Run("creation order compares versions", func(t *testing.T) {
		f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)
		_, err := f.mgr.Migrate(ctx, f.env, "", false)
		require.NoError(t, err)

		result, err := f.mgr.RollbackToDateTime(ctx, f.env, "20240102", false, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"20240103000000"}, descriptorVersions(result.Units))
	})

	t.Run("execution order compares start times", func(t *testing.T) {
		f := newFixture(t, shift.ExecutionOrder, createUsers, createPosts, addBio)
		_, err := f.mgr.Migrate(ctx, f.env, "20240101000000", false)
		require.NoError(t, err)
		f.clock.Add(48 * time.Hour)
		_, err = f.mgr.Migrate(ctx, f.env, "", false)
		require.NoError(t, err)

		result, err := f.mgr.RollbackToDateTime(ctx, f.env, "20240602", false, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"20240103000000", "20240102000000"}, descriptorVersions(result.Units))
		assert.Equal(t, []string{"20240101000000"}, f.applied(t))
	})

	t.Run("invalid date", func(t *testing.T) {
		f := newFixture(t, shift.CreationOrder, createUsers)
		_, err := f.mgr.RollbackToDateTime(ctx, f.env, "2024-01", false, false)
		require.ErrorIs(t, err, shift.ErrInvalidDate)
	})
}

func TestBreakpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shift.CreationOrder, createUsers, createPosts, addBio)

	_, err := f.mgr.ToggleBreakpoint(ctx, f.env, "")
	require.ErrorIs(t, err, shift.ErrTargetNotFound)

	_, err = f.mgr.Migrate(ctx, f.env, "", false)
	require.NoError(t, err)

	row, err := f.mgr.ToggleBreakpoint(ctx, f.env, "")
	require.NoError(t, err)
	assert.Equal(t, "20240103000000", row.Version)
	assert.True(t, row.Breakpoint)

	row, err = f.mgr.ToggleBreakpoint(ctx, f.env, "20240103000000")
	require.NoError(t, err)
	assert.False(t, row.Breakpoint)

	_, err = f.mgr.SetBreakpoint(ctx, f.env, "20240101000000", true)
	require.NoError(t, err)
	_, err = f.mgr.SetBreakpoint(ctx, f.env, "20240102000000", true)
	require.NoError(t, err)

	_, err = f.mgr.ToggleBreakpoint(ctx, f.env, "20990101000000")
	require.ErrorIs(t, err, shift.ErrTargetNotFound)

	log, err := f.db.VersionLog(ctx)
	require.NoError(t, err)
	var on []string
	for _, r := range log.Rows() {
		if r.Breakpoint {
			on = append(on, r.Version)
		}
	}
	assert.Equal(t, []string{"20240101000000", "20240102000000"}, on)

	require.NoError(t, f.mgr.RemoveBreakpoints(ctx, f.env))
	log, err = f.db.VersionLog(ctx)
	require.NoError(t, err)
	for _, r := range log.Rows() {
		assert.False(t, r.Breakpoint, r.Version)
	}
}

func TestManagerRejectsMissingAdapter(t *testing.T) {
	ctx := context.Background()
	mgr := shift.NewManager(shift.NewRegistry(nil))
	env := shift.Environment{Name: "broken"}

	var ce *shift.ConfigurationError
	_, err := mgr.Migrate(ctx, env, "", false)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "environments.broken", ce.Setting)

	_, err = mgr.Rollback(ctx, env, shift.RollbackOptions{})
	require.ErrorAs(t, err, &ce)
	_, err = mgr.Status(ctx, env)
	require.ErrorAs(t, err, &ce)
	require.ErrorAs(t, mgr.RemoveBreakpoints(ctx, env), &ce)

	env = shift.Environment{Name: "bad_order", Adapter: memory.New(), VersionOrder: "sideways"}
	_, err = mgr.Migrate(ctx, env, "", false)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "version_order", ce.Setting)
}

func TestMigrateHonoursCancelledContext(t *testing.T) {
	f := newFixture(t, shift.CreationOrder, createUsers)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mgr.Migrate(ctx, f.env, "", false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.applied(t))
}

func TestBindWrapsStoreLocker(t *testing.T) {
	db := memory.New()
	rec := &recorder{}

	adapter := shift.Bind(rec, db)
	_, ok := adapter.(shift.Locker)
	assert.True(t, ok)

	reg := shift.NewRegistry(nil)
	reg.MustRegister(createUsers)
	_, err := shift.NewManager(reg).Migrate(context.Background(), shift.Environment{Name: "bound", Adapter: adapter}, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"create users (2 columns, 0 indexes)"}, rec.batches)
	assert.Empty(t, db.TableNames())
}
