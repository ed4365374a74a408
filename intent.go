package shift

import (
	"context"
	"fmt"
)

type (
	// Intent is an append-only ordered collection of actions built by one migration
	Intent struct {
		actions []Action
	}

	// Inspector answers read-only questions about the live schema
	Inspector interface {
		HasTable(ctx context.Context, name string) (bool, error)
	}

	// Schema is handed to migration bodies. It records actions into an Intent and
	// forwards read-only questions to the adapter.
	Schema struct {
		intent    *Intent
		inspector Inspector
		err       error
	}

	// TableBuilder collects actions against one table and commits them with
	// Create, Update, Rename or Drop
	TableBuilder struct {
		schema  *Schema
		name    string
		options TableOptions
		pending []Action
	}
)

// NewIntent returns an Intent holding the given actions in order
func NewIntent(actions ...Action) *Intent {
	in := &Intent{}
	for _, a := range actions {
		in.add(a)
	}
	return in
}

func (in *Intent) add(a Action) {
	in.actions = append(in.actions, a)
}

// Add validates and appends an action
func (in *Intent) Add(a Action) error {
	if a == nil {
		return fmt.Errorf("cannot add nil action")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	in.add(a)
	return nil
}

// Actions returns a copy of the actions in insertion order
func (in *Intent) Actions() []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in.actions))
	copy(out, in.actions)
	return out
}

// Len returns the number of actions
func (in *Intent) Len() int {
	if in == nil {
		return 0
	}
	return len(in.actions)
}

// Merge appends the actions of other after the actions of in
func (in *Intent) Merge(other *Intent) {
	if other == nil {
		return
	}
	in.actions = append(in.actions, other.actions...)
}

// Merge returns a new Intent with the actions of a followed by the actions of b
func Merge(a, b *Intent) *Intent {
	out := &Intent{}
	out.Merge(a)
	out.Merge(b)
	return out
}

// NewSchema returns a Schema recording into intent. inspector may be nil.
func NewSchema(intent *Intent, inspector Inspector) *Schema {
	return &Schema{intent: intent, inspector: inspector}
}

// Intent returns the Intent being recorded
func (s *Schema) Intent() *Intent {
	return s.intent
}

// Err returns the first validation error recorded by the builder helpers
func (s *Schema) Err() error {
	return s.err
}

// Add validates and records an action. The first failure is kept and returned by Err.
func (s *Schema) Add(a Action) error {
	if err := s.intent.Add(a); err != nil {
		if s.err == nil {
			s.err = err
		}
		return err
	}
	return nil
}

// HasTable reports whether the table exists in the target database
func (s *Schema) HasTable(ctx context.Context, name string) (bool, error) {
	if s.inspector == nil {
		return false, fmt.Errorf("schema inspection is not available")
	}
	return s.inspector.HasTable(ctx, name)
}

// CreateTable records a CreateTable followed by one AddColumn per column
func (s *Schema) CreateTable(name string, columns ...Column) {
	t := s.Table(name)
	for _, c := range columns {
		t.AddColumn(c)
	}
	t.Create()
}

// DropTable records a DropTable
func (s *Schema) DropTable(name string) {
	s.Add(DropTable{Name: name})
}

// RenameTable records a RenameTable
func (s *Schema) RenameTable(from, to string) {
	s.Add(RenameTable{Name: from, NewName: to})
}

// AddColumn records an AddColumn
func (s *Schema) AddColumn(table string, column Column) {
	s.Add(AddColumn{TableName: table, Column: column})
}

// ChangeColumn records a ChangeColumn. previous may be nil, which makes the change irreversible.
func (s *Schema) ChangeColumn(table, name string, column Column, previous *Column) {
	s.Add(ChangeColumn{TableName: table, Name: name, Column: column, Previous: previous})
}

// RemoveColumn records a RemoveColumn
func (s *Schema) RemoveColumn(table string, column Column) {
	s.Add(RemoveColumn{TableName: table, Column: column})
}

// RenameColumn records a RenameColumn
func (s *Schema) RenameColumn(table, from, to string) {
	s.Add(RenameColumn{TableName: table, From: from, To: to})
}

// AddIndex records an AddIndex
func (s *Schema) AddIndex(table string, index Index) {
	s.Add(AddIndex{TableName: table, Index: index})
}

// DropIndex records a DropIndex
func (s *Schema) DropIndex(table string, index Index) {
	s.Add(DropIndex{TableName: table, Index: index})
}

// AddForeignKey records an AddForeignKey
func (s *Schema) AddForeignKey(table string, fk ForeignKey) {
	s.Add(AddForeignKey{TableName: table, ForeignKey: fk})
}

// DropForeignKey records a DropForeignKey
func (s *Schema) DropForeignKey(table string, fk ForeignKey) {
	s.Add(DropForeignKey{TableName: table, ForeignKey: fk})
}

// Table starts a TableBuilder for name
func (s *Schema) Table(name string) *TableBuilder {
	return &TableBuilder{schema: s, name: name}
}

// Options sets the table options used by Create
func (t *TableBuilder) Options(opts TableOptions) *TableBuilder {
	t.options = opts
	return t
}

// AddColumn queues an AddColumn
func (t *TableBuilder) AddColumn(c Column) *TableBuilder {
	t.pending = append(t.pending, AddColumn{TableName: t.name, Column: c})
	return t
}

// ChangeColumn queues a ChangeColumn
func (t *TableBuilder) ChangeColumn(name string, c Column, previous *Column) *TableBuilder {
	t.pending = append(t.pending, ChangeColumn{TableName: t.name, Name: name, Column: c, Previous: previous})
	return t
}

// RemoveColumn queues a RemoveColumn
func (t *TableBuilder) RemoveColumn(c Column) *TableBuilder {
	t.pending = append(t.pending, RemoveColumn{TableName: t.name, Column: c})
	return t
}

// RenameColumn queues a RenameColumn
func (t *TableBuilder) RenameColumn(from, to string) *TableBuilder {
	t.pending = append(t.pending, RenameColumn{TableName: t.name, From: from, To: to})
	return t
}

// AddIndex queues an AddIndex
func (t *TableBuilder) AddIndex(columns []string, unique bool) *TableBuilder {
	t.pending = append(t.pending, AddIndex{TableName: t.name, Index: Index{Columns: columns, Unique: unique}})
	return t
}

// DropIndex queues a DropIndex
func (t *TableBuilder) DropIndex(index Index) *TableBuilder {
	t.pending = append(t.pending, DropIndex{TableName: t.name, Index: index})
	return t
}

// AddForeignKey queues an AddForeignKey
func (t *TableBuilder) AddForeignKey(fk ForeignKey) *TableBuilder {
	t.pending = append(t.pending, AddForeignKey{TableName: t.name, ForeignKey: fk})
	return t
}

// DropForeignKey queues a DropForeignKey
func (t *TableBuilder) DropForeignKey(fk ForeignKey) *TableBuilder {
	t.pending = append(t.pending, DropForeignKey{TableName: t.name, ForeignKey: fk})
	return t
}

// Create records the CreateTable followed by the queued actions
func (t *TableBuilder) Create() {
	t.schema.Add(CreateTable{Name: t.name, Options: t.options})
	t.flush()
}

// Update records the queued actions against the existing table
func (t *TableBuilder) Update() {
	t.flush()
}

// Rename records the queued actions, then renames the table
func (t *TableBuilder) Rename(to string) {
	t.flush()
	t.schema.Add(RenameTable{Name: t.name, NewName: to})
	t.name = to
}

// Drop records a DropTable, discarding queued actions
func (t *TableBuilder) Drop() {
	t.pending = nil
	t.schema.Add(DropTable{Name: t.name, Options: t.options})
}

func (t *TableBuilder) flush() {
	for _, a := range t.pending {
		t.schema.Add(a)
	}
	t.pending = nil
}
