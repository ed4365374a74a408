// Package memory provides an in-memory shift.Adapter. It models tables, columns,
// indexes and foreign keys closely enough to check migrations without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mantty/shift"
)

type (
	// Table is the in-memory state of one table
	Table struct {
		Name        string
		Options     shift.TableOptions
		Columns     []shift.Column
		Indexes     []shift.Index
		ForeignKeys []shift.ForeignKey
	}

	// Call records one adapter method invocation
	Call struct {
		Method string
		Table  string
	}

	// DB is an in-memory shift.Adapter and shift.Locker
	DB struct {
		mu       sync.Mutex
		tables   map[string]*Table
		ledger   map[string]shift.LedgerRow
		calls    []Call
		failures map[string]error
		inTx     bool

		// migration lock; a buffered channel so waiters can give up on ctx
		sem chan struct{}
	}
)

var _ shift.Adapter = (*DB)(nil)
var _ shift.Locker = (*DB)(nil)

// New creates an empty database
func New() *DB {
	return &DB{
		tables:   make(map[string]*Table),
		ledger:   make(map[string]shift.LedgerRow),
		failures: make(map[string]error),
		sem:      make(chan struct{}, 1),
	}
}

// FailOn makes every schema change addressed to table fail with err.
// A nil err removes the failure.
func (db *DB) FailOn(table string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.failures, table)
		return
	}
	db.failures[table] = err
}

// Seed writes ledger rows directly, bypassing call recording
func (db *DB) Seed(rows ...shift.LedgerRow) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range rows {
		db.ledger[r.Version] = r
	}
}

// Calls returns the recorded calls in order
func (db *DB) Calls() []Call {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Call, len(db.calls))
	copy(out, db.calls)
	return out
}

// ResetCalls forgets the recorded calls
func (db *DB) ResetCalls() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.calls = nil
}

// Schema returns a deep copy of every table keyed by name
func (db *DB) Schema() map[string]Table {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]Table, len(db.tables))
	for name, t := range db.tables {
		out[name] = t.clone()
	}
	return out
}

// Table returns a copy of the named table
func (db *DB) Table(name string) (Table, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[name]
	if !ok {
		return Table{}, false
	}
	return t.clone(), true
}

// TableNames returns the table names sorted
func (db *DB) TableNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTable reports whether the table exists
func (db *DB) HasTable(_ context.Context, name string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.tables[name]
	return ok, nil
}

// CreateTable creates a table with its columns and indexes
func (db *DB) CreateTable(_ context.Context, table shift.CreateTable, columns []shift.Column, indexes []shift.Index) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.record("CreateTable", table.Name)

	if err := db.failures[table.Name]; err != nil {
		return err
	}
	if _, exists := db.tables[table.Name]; exists {
		return fmt.Errorf("table %q already exists", table.Name)
	}
	t := &Table{Name: table.Name, Options: table.Options}
	for _, c := range columns {
		if err := t.addColumn(c); err != nil {
			return err
		}
	}
	for _, idx := range indexes {
		if err := t.addIndex(idx); err != nil {
			return err
		}
	}
	db.tables[table.Name] = t
	return nil
}

// ExecuteActions applies the actions of one AlterTable batch. The batch is
// applied atomically: on error the table set is left as it was.
func (db *DB) ExecuteActions(_ context.Context, table string, actions []shift.Action) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.record("ExecuteActions", table)

	if err := db.failures[table]; err != nil {
		return err
	}
	saved := db.cloneTables()
	for _, a := range actions {
		if err := db.apply(a); err != nil {
			db.tables = saved
			return fmt.Errorf("%s on %q: %w", a.Kind(), a.Table(), err)
		}
	}
	return nil
}

func (db *DB) apply(a shift.Action) error {
	if ct, ok := a.(shift.CreateTable); ok {
		if _, exists := db.tables[ct.Name]; exists {
			return fmt.Errorf("table already exists")
		}
		db.tables[ct.Name] = &Table{Name: ct.Name, Options: ct.Options}
		return nil
	}

	t, ok := db.tables[a.Table()]
	if !ok {
		return fmt.Errorf("table does not exist")
	}

	switch a := a.(type) {
	case shift.DropTable:
		delete(db.tables, a.Name)
	case shift.RenameTable:
		if _, exists := db.tables[a.NewName]; exists {
			return fmt.Errorf("table %q already exists", a.NewName)
		}
		delete(db.tables, a.Name)
		t.Name = a.NewName
		db.tables[a.NewName] = t
	case shift.AddColumn:
		return t.addColumn(a.Column)
	case shift.ChangeColumn:
		return t.changeColumn(a.Name, a.Column)
	case shift.RemoveColumn:
		return t.removeColumn(a.Column.Name)
	case shift.RenameColumn:
		return t.renameColumn(a.From, a.To)
	case shift.AddIndex:
		return t.addIndex(a.Index)
	case shift.DropIndex:
		return t.dropIndex(a.Index)
	case shift.AddForeignKey:
		if _, ok := db.tables[a.ForeignKey.ReferencedTable]; !ok {
			return fmt.Errorf("referenced table %q does not exist", a.ForeignKey.ReferencedTable)
		}
		return t.addForeignKey(a.ForeignKey)
	case shift.DropForeignKey:
		return t.dropForeignKey(a.ForeignKey)
	default:
		return fmt.Errorf("unsupported action %s", a.Kind())
	}
	return nil
}

// InTransaction runs fn against a snapshot that is restored if fn fails
func (db *DB) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	db.mu.Lock()
	if db.inTx {
		db.mu.Unlock()
		return fn(ctx)
	}
	db.inTx = true
	tables := db.cloneTables()
	ledger := make(map[string]shift.LedgerRow, len(db.ledger))
	for k, v := range db.ledger {
		ledger[k] = v
	}
	db.mu.Unlock()

	err := fn(ctx)

	db.mu.Lock()
	defer db.mu.Unlock()
	db.inTx = false
	if err != nil {
		db.tables = tables
		db.ledger = ledger
	}
	return err
}

// Lock serialises migration runs. It waits until the lock is free or ctx is done.
func (db *DB) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case db.sem <- struct{}{}:
		return func() { <-db.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// VersionLog returns the ledger
func (db *DB) VersionLog(_ context.Context) (shift.VersionLog, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows := make([]shift.LedgerRow, 0, len(db.ledger))
	for _, r := range db.ledger {
		rows = append(rows, r)
	}
	return shift.NewVersionLog(rows...), nil
}

// InsertLedgerRow records that a migration started
func (db *DB) InsertLedgerRow(_ context.Context, version, name string, start time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.record("InsertLedgerRow", version)
	if _, exists := db.ledger[version]; exists {
		return fmt.Errorf("version %s already recorded", version)
	}
	db.ledger[version] = shift.LedgerRow{Version: version, MigrationName: name, StartTime: start}
	return nil
}

// SetLedgerEndTime records that a migration completed
func (db *DB) SetLedgerEndTime(_ context.Context, version string, end time.Time) error {
	return db.updateRow("SetLedgerEndTime", version, func(r *shift.LedgerRow) { r.EndTime = end })
}

// DeleteLedgerRow removes a migration from the ledger
func (db *DB) DeleteLedgerRow(_ context.Context, version string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.record("DeleteLedgerRow", version)
	if _, ok := db.ledger[version]; !ok {
		return fmt.Errorf("version %s not recorded", version)
	}
	delete(db.ledger, version)
	return nil
}

// SetBreakpoint sets or clears the breakpoint of version
func (db *DB) SetBreakpoint(_ context.Context, version string, on bool) error {
	return db.updateRow("SetBreakpoint", version, func(r *shift.LedgerRow) { r.Breakpoint = on })
}

// ClearBreakpoints clears every breakpoint
func (db *DB) ClearBreakpoints(_ context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.record("ClearBreakpoints", "")
	for v, r := range db.ledger {
		r.Breakpoint = false
		db.ledger[v] = r
	}
	return nil
}

func (db *DB) updateRow(method, version string, fn func(r *shift.LedgerRow)) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.record(method, version)
	r, ok := db.ledger[version]
	if !ok {
		return fmt.Errorf("version %s not recorded", version)
	}
	fn(&r)
	db.ledger[version] = r
	return nil
}

func (db *DB) record(method, table string) {
	db.calls = append(db.calls, Call{Method: method, Table: table})
}

func (db *DB) cloneTables() map[string]*Table {
	out := make(map[string]*Table, len(db.tables))
	for name, t := range db.tables {
		c := t.clone()
		out[name] = &c
	}
	return out
}
