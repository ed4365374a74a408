package shift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type (
	// Environment is the database a Manager operation runs against, with the
	// version order used to rank its applied migrations
	Environment struct {
		Name         string
		Adapter      Adapter
		VersionOrder VersionOrder
	}

	// Manager reconciles the registered migrations with an environment's ledger
	// and runs them up or down
	Manager struct {
		registry *Registry
		logger   *zap.Logger
		clock    clock.Clock
	}

	// ManagerOption configures a Manager
	ManagerOption func(*Manager)

	// RollbackOptions controls Rollback
	RollbackOptions struct {
		// Target is empty to revert the most recent migration, "0" or "all" to
		// revert everything, a version, or a migration name
		Target string
		// Force reverts migrations even when their breakpoint is set
		Force bool
		// TargetMustMatchVersion requires Target to be an applied version. When
		// false, a version target is compared with each row's version or start time
		// depending on the version order.
		TargetMustMatchVersion bool
		Fake                   bool
	}

	// RunResult describes what a Migrate or Rollback call did
	RunResult struct {
		Direction Direction    `json:"direction"`
		Target    string       `json:"target,omitempty"`
		Fake      bool         `json:"fake,omitempty"`
		Units     []Descriptor `json:"units"`
		// Breakpoint is the version whose breakpoint stopped a rollback
		Breakpoint string `json:"breakpoint,omitempty"`
	}
)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the time source used for ledger timestamps
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a Manager for the migrations in registry
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		logger:   zap.NewNop(),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry the manager runs
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Migrate applies every pending migration with a version up to target in
// ascending order. An empty target has no upper bound and "0" applies nothing.
// Any other target must be a registered version: an unknown one fails with a
// *TargetError before anything runs, even when it falls between known versions.
// The first failure stops the run; migrations applied before it stay applied.
func (m *Manager) Migrate(ctx context.Context, env Environment, target string, fake bool) (*RunResult, error) {
	if target != "" && target != "0" {
		if _, ok := m.registry.Lookup(target); !ok {
			return nil, &TargetError{Target: target, Err: ErrTargetNotFound}
		}
	}
	return m.migrate(ctx, env, target, target, fake)
}

// MigrateToDateTime applies the pending migrations whose version is not later
// than date, given as YYYY[MM[DD[HH[II[SS]]]]]
func (m *Manager) MigrateToDateTime(ctx context.Context, env Environment, date string, fake bool) (*RunResult, error) {
	version, err := ResolveDateTarget(date)
	if err != nil {
		return nil, err
	}

	// migrate up to the newest unit at or before the date
	bound := ""
	for _, u := range m.registry.Units() {
		if u.Version <= version {
			bound = u.Version
		}
	}
	if bound == "" {
		m.logger.Info("No migrations at or before date", zap.String("target", version))
		return &RunResult{Direction: Up, Target: version, Fake: fake}, nil
	}
	return m.migrate(ctx, env, version, bound, fake)
}

func (m *Manager) migrate(ctx context.Context, env Environment, target, bound string, fake bool) (*RunResult, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	release, err := m.lock(ctx, env)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := m.reconcile(ctx, env)
	if err != nil {
		return nil, err
	}

	result := &RunResult{Direction: Up, Target: target, Fake: fake}
	if bound == "0" {
		return result, nil
	}

	var todo []*Unit
	for _, u := range rec.Pending {
		if bound != "" && u.Version > bound {
			break
		}
		todo = append(todo, u)
	}
	if len(todo) == 0 {
		m.logger.Debug("No pending migrations", zap.String("environment", env.Name))
		return result, nil
	}

	m.logger.Info("Bringing up migrations",
		zap.String("environment", env.Name),
		zap.Int("migration_count", len(todo)),
		zap.Bool("fake", fake),
	)
	for _, u := range todo {
		if err := m.run(ctx, env, u, Up, fake); err != nil {
			return result, err
		}
		result.Units = append(result.Units, u.Descriptor)
	}
	return result, nil
}

// Rollback reverts applied migrations, most recent first according to the
// environment's version order, until the target is reached. The target itself
// is never reverted. A migration with its breakpoint set stops the walk unless
// Force is set; the result then names the breakpoint and lists what was reverted.
func (m *Manager) Rollback(ctx context.Context, env Environment, opts RollbackOptions) (*RunResult, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	release, err := m.lock(ctx, env)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := m.reconcile(ctx, env)
	if err != nil {
		return nil, err
	}

	target := opts.Target
	exact := opts.TargetMustMatchVersion
	switch {
	case target == "all" || target == "0":
		target = "0"
	case target != "" && !digitsPattern.MatchString(target):
		version, ok := findByName(rec.Applied, target)
		if !ok {
			return nil, &TargetError{Target: target, Err: fmt.Errorf("no applied migration named %q: %w", target, ErrTargetNotFound)}
		}
		target = version
		exact = true
	}
	if exact && target != "" && target != "0" && !rec.IsApplied(target) {
		return nil, &TargetError{Target: target, Err: ErrTargetNotFound}
	}

	result := &RunResult{Direction: Down, Target: target, Fake: opts.Fake}
	last, ok := rec.Last()
	if !ok || last.Unit.Version == target {
		m.logger.Info("No migrations to rollback", zap.String("environment", env.Name))
		return result, nil
	}

	for i, a := range rec.Applied {
		if target == "" && i > 0 {
			break
		}
		if target != "" && target != "0" {
			if exact && a.Unit.Version == target {
				break
			}
			if !exact && rollbackKey(a.Row, env.VersionOrder) <= target {
				break
			}
		}
		if a.Row.Breakpoint && !opts.Force {
			m.logger.Warn("Breakpoint reached, further rollbacks inhibited",
				zap.String("environment", env.Name),
				zap.String("migration_version", a.Unit.Version),
				zap.String("migration_name", a.Unit.Name),
			)
			result.Breakpoint = a.Unit.Version
			break
		}
		if err := m.run(ctx, env, a.Unit, Down, opts.Fake); err != nil {
			return result, err
		}
		result.Units = append(result.Units, a.Unit.Descriptor)
	}
	return result, nil
}

// RollbackToDateTime reverts the migrations applied after date. Under the
// execution order the date is compared with each migration's start time.
func (m *Manager) RollbackToDateTime(ctx context.Context, env Environment, date string, force, fake bool) (*RunResult, error) {
	version, err := ResolveDateTarget(date)
	if err != nil {
		return nil, err
	}
	return m.Rollback(ctx, env, RollbackOptions{Target: version, Force: force, Fake: fake})
}

// ToggleBreakpoint flips the breakpoint of version, or of the most recently
// applied migration when version is empty, and returns the updated row
func (m *Manager) ToggleBreakpoint(ctx context.Context, env Environment, version string) (LedgerRow, error) {
	return m.updateBreakpoint(ctx, env, version, func(on bool) bool { return !on })
}

// SetBreakpoint sets or clears the breakpoint of version, or of the most
// recently applied migration when version is empty
func (m *Manager) SetBreakpoint(ctx context.Context, env Environment, version string, on bool) (LedgerRow, error) {
	return m.updateBreakpoint(ctx, env, version, func(bool) bool { return on })
}

// RemoveBreakpoints clears the breakpoint of every ledger row
func (m *Manager) RemoveBreakpoints(ctx context.Context, env Environment) error {
	if err := env.validate(); err != nil {
		return err
	}
	release, err := m.lock(ctx, env)
	if err != nil {
		return err
	}
	defer release()

	if err := env.Adapter.ClearBreakpoints(ctx); err != nil {
		return fmt.Errorf("failed to remove breakpoints: %w", err)
	}
	m.logger.Info("Breakpoints cleared", zap.String("environment", env.Name))
	return nil
}

func (m *Manager) updateBreakpoint(ctx context.Context, env Environment, version string, next func(on bool) bool) (LedgerRow, error) {
	if err := env.validate(); err != nil {
		return LedgerRow{}, err
	}
	release, err := m.lock(ctx, env)
	if err != nil {
		return LedgerRow{}, err
	}
	defer release()

	row, err := m.breakpointRow(ctx, env, version)
	if err != nil {
		return LedgerRow{}, err
	}
	on := next(row.Breakpoint)
	if err := env.Adapter.SetBreakpoint(ctx, row.Version, on); err != nil {
		return LedgerRow{}, fmt.Errorf("failed to set breakpoint for %s: %w", row.Version, err)
	}
	row.Breakpoint = on
	m.logger.Info("Breakpoint updated",
		zap.String("environment", env.Name),
		zap.String("migration_version", row.Version),
		zap.Bool("breakpoint", on),
	)
	return row, nil
}

func (m *Manager) breakpointRow(ctx context.Context, env Environment, version string) (LedgerRow, error) {
	rec, err := m.reconcile(ctx, env)
	if err != nil {
		return LedgerRow{}, err
	}
	if version == "" {
		last, ok := rec.Last()
		if !ok {
			return LedgerRow{}, &TargetError{Target: version, Err: fmt.Errorf("no applied migrations: %w", ErrTargetNotFound)}
		}
		return last.Row, nil
	}
	for _, a := range rec.Applied {
		if a.Unit.Version == version {
			return a.Row, nil
		}
	}
	return LedgerRow{}, &TargetError{Target: version, Err: ErrTargetNotFound}
}

// run executes one migration in one transaction. The Intent is built, and for
// change-shaped migrations inverted, before anything is written, so an
// irreversible migration fails without touching the database.
func (m *Manager) run(ctx context.Context, env Environment, u *Unit, dir Direction, fake bool) error {
	wrapErr := func(err error) error {
		return &MigrationError{Version: u.Version, Name: u.Name, Direction: dir, Err: err}
	}

	var plan *Plan
	if !fake {
		in, err := u.Intent(ctx, dir, env.Adapter)
		if err != nil {
			return wrapErr(err)
		}
		plan = NewPlan(in)
	} else {
		m.logger.Warn("Faking migration, schema is left untouched",
			zap.String("migration_version", u.Version),
			zap.String("direction", string(dir)),
		)
	}

	m.logMigrationEvent(u, dir, "started")
	err := env.Adapter.InTransaction(ctx, func(ctx context.Context) error {
		if dir == Up {
			if err := env.Adapter.InsertLedgerRow(ctx, u.Version, u.Name, m.now()); err != nil {
				return fmt.Errorf("failed to record migration start: %w", err)
			}
		}
		if plan != nil {
			if err := plan.Execute(ctx, env.Adapter); err != nil {
				return err
			}
		}
		if dir == Up {
			if err := env.Adapter.SetLedgerEndTime(ctx, u.Version, m.now()); err != nil {
				return fmt.Errorf("failed to record migration end: %w", err)
			}
			return nil
		}
		if err := env.Adapter.DeleteLedgerRow(ctx, u.Version); err != nil {
			return fmt.Errorf("failed to remove migration from ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Migration failed",
			zap.String("migration_version", u.Version),
			zap.String("migration_name", u.Name),
			zap.String("direction", string(dir)),
			zap.Error(err),
		)
		return wrapErr(err)
	}
	m.logMigrationEvent(u, dir, "completed")
	return nil
}

func (m *Manager) logMigrationEvent(u *Unit, dir Direction, event string) {
	m.logger.Debug(
		"Executing migration",
		zap.String("migration_version", u.Version),
		zap.String("migration_name", u.Name),
		zap.String("direction", string(dir)),
		zap.String("migration_event", event),
	)
}

func (m *Manager) reconcile(ctx context.Context, env Environment) (Reconciliation, error) {
	log, err := env.Adapter.VersionLog(ctx)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("failed to read version log: %w", err)
	}
	rec := Reconcile(m.registry.Units(), log, env.VersionOrder)
	for _, row := range rec.Excess {
		m.logger.Warn("Ledger contains a version with no registered migration",
			zap.String("environment", env.Name),
			zap.String("migration_version", row.Version),
			zap.String("migration_name", row.MigrationName),
		)
	}
	return rec, nil
}

func (m *Manager) lock(ctx context.Context, env Environment) (func(), error) {
	l, ok := env.Adapter.(Locker)
	if !ok {
		return func() {}, nil
	}
	release, err := l.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	return release, nil
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

func (e Environment) validate() error {
	if e.Adapter == nil {
		return &ConfigurationError{
			Setting: "environments." + e.Name,
			Err:     errors.New("no adapter configured"),
		}
	}
	if _, err := ParseVersionOrder(string(e.VersionOrder)); err != nil {
		return err
	}
	return nil
}

func rollbackKey(row LedgerRow, order VersionOrder) string {
	if order == ExecutionOrder {
		return FormatVersion(row.StartTime)
	}
	return row.Version
}

func findByName(applied []AppliedUnit, name string) (string, bool) {
	for _, a := range applied {
		if a.Unit.Name == name || a.Row.MigrationName == name {
			return a.Unit.Version, true
		}
	}
	return "", false
}
