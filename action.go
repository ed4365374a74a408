package shift

import (
	"fmt"
	"strings"
)

// ActionKind identifies the variant of an Action
type ActionKind int

const (
	KindCreateTable ActionKind = iota + 1
	KindDropTable
	KindRenameTable
	KindAddColumn
	KindChangeColumn
	KindRemoveColumn
	KindRenameColumn
	KindAddIndex
	KindDropIndex
	KindAddForeignKey
	KindDropForeignKey
)

var actionKindNames = map[ActionKind]string{
	KindCreateTable:    "create_table",
	KindDropTable:      "drop_table",
	KindRenameTable:    "rename_table",
	KindAddColumn:      "add_column",
	KindChangeColumn:   "change_column",
	KindRemoveColumn:   "remove_column",
	KindRenameColumn:   "rename_column",
	KindAddIndex:       "add_index",
	KindDropIndex:      "drop_index",
	KindAddForeignKey:  "add_foreign_key",
	KindDropForeignKey: "drop_foreign_key",
}

// String returns the snake_case name of the kind
func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("action_kind(%d)", int(k))
}

// Referential actions for foreign keys
const (
	Cascade  = "CASCADE"
	Restrict = "RESTRICT"
	SetNull  = "SET NULL"
	NoAction = "NO ACTION"
)

type (
	// Action is one immutable schema change. The set of implementations is closed:
	// only the variants declared in this package satisfy it.
	Action interface {
		Kind() ActionKind
		// Table is the name of the table the action targets. For renames it is the origin name.
		Table() string
		// Validate checks the structural fields of the action. It never inspects a database.
		Validate() error
		action()
	}

	// Column describes a table column
	Column struct {
		Name    string  `json:"name" yaml:"name"`
		Type    string  `json:"type" yaml:"type"`
		Limit   int     `json:"limit,omitempty" yaml:"limit,omitempty"`
		Null    bool    `json:"null,omitempty" yaml:"null,omitempty"`
		Default *string `json:"default,omitempty" yaml:"default,omitempty"`
		Comment string  `json:"comment,omitempty" yaml:"comment,omitempty"`
	}

	// Index describes a table index. Either Name or Columns identifies it.
	Index struct {
		Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
		Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
		Unique  bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	}

	// ForeignKey describes a foreign key constraint
	ForeignKey struct {
		Constraint        string   `json:"constraint,omitempty" yaml:"constraint,omitempty"`
		Columns           []string `json:"columns" yaml:"columns"`
		ReferencedTable   string   `json:"referenced_table,omitempty" yaml:"referenced_table,omitempty"`
		ReferencedColumns []string `json:"referenced_columns,omitempty" yaml:"referenced_columns,omitempty"`
		OnDelete          string   `json:"on_delete,omitempty" yaml:"on_delete,omitempty"`
		OnUpdate          string   `json:"on_update,omitempty" yaml:"on_update,omitempty"`
	}

	// TableOptions carries table-level settings passed through to the adapter
	TableOptions struct {
		PrimaryKey []string `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
		Comment    string   `json:"comment,omitempty" yaml:"comment,omitempty"`
	}

	// CreateTable creates a table. Columns and indexes are attached by AddColumn/AddIndex actions.
	CreateTable struct {
		Name    string
		Options TableOptions
	}

	// DropTable drops a table. Options, Columns and Indexes optionally snapshot
	// the dropped definition so the drop can be reversed into a fully formed table.
	DropTable struct {
		Name    string
		Options TableOptions
		Columns []Column
		Indexes []Index
	}

	// RenameTable renames Name to NewName
	RenameTable struct {
		Name    string
		NewName string
	}

	// AddColumn adds Column to TableName
	AddColumn struct {
		TableName string
		Column    Column
	}

	// ChangeColumn replaces the definition of Name with Column. Previous holds the
	// definition being replaced and is required to reverse the change.
	ChangeColumn struct {
		TableName string
		Name      string
		Column    Column
		Previous  *Column
	}

	// RemoveColumn removes Column from TableName. Only Column.Name is needed to apply it;
	// the full definition is needed to reverse it.
	RemoveColumn struct {
		TableName string
		Column    Column
	}

	// RenameColumn renames column From to To
	RenameColumn struct {
		TableName string
		From      string
		To        string
	}

	// AddIndex adds Index to TableName
	AddIndex struct {
		TableName string
		Index     Index
	}

	// DropIndex drops Index from TableName
	DropIndex struct {
		TableName string
		Index     Index
	}

	// AddForeignKey adds ForeignKey to TableName
	AddForeignKey struct {
		TableName  string
		ForeignKey ForeignKey
	}

	// DropForeignKey drops ForeignKey from TableName
	DropForeignKey struct {
		TableName  string
		ForeignKey ForeignKey
	}
)

func (CreateTable) action()    {}
func (DropTable) action()      {}
func (RenameTable) action()    {}
func (AddColumn) action()      {}
func (ChangeColumn) action()   {}
func (RemoveColumn) action()   {}
func (RenameColumn) action()   {}
func (AddIndex) action()       {}
func (DropIndex) action()      {}
func (AddForeignKey) action()  {}
func (DropForeignKey) action() {}

func (a CreateTable) Kind() ActionKind    { return KindCreateTable }
func (a DropTable) Kind() ActionKind      { return KindDropTable }
func (a RenameTable) Kind() ActionKind    { return KindRenameTable }
func (a AddColumn) Kind() ActionKind      { return KindAddColumn }
func (a ChangeColumn) Kind() ActionKind   { return KindChangeColumn }
func (a RemoveColumn) Kind() ActionKind   { return KindRemoveColumn }
func (a RenameColumn) Kind() ActionKind   { return KindRenameColumn }
func (a AddIndex) Kind() ActionKind       { return KindAddIndex }
func (a DropIndex) Kind() ActionKind      { return KindDropIndex }
func (a AddForeignKey) Kind() ActionKind  { return KindAddForeignKey }
func (a DropForeignKey) Kind() ActionKind { return KindDropForeignKey }

func (a CreateTable) Table() string    { return a.Name }
func (a DropTable) Table() string      { return a.Name }
func (a RenameTable) Table() string    { return a.Name }
func (a AddColumn) Table() string      { return a.TableName }
func (a ChangeColumn) Table() string   { return a.TableName }
func (a RemoveColumn) Table() string   { return a.TableName }
func (a RenameColumn) Table() string   { return a.TableName }
func (a AddIndex) Table() string       { return a.TableName }
func (a DropIndex) Table() string      { return a.TableName }
func (a AddForeignKey) Table() string  { return a.TableName }
func (a DropForeignKey) Table() string { return a.TableName }

// Validate implements Action
func (a CreateTable) Validate() error {
	return requireTable(a)
}

// Validate implements Action
func (a DropTable) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	for _, c := range a.Columns {
		if err := c.validate(a); err != nil {
			return err
		}
	}
	return nil
}

// Validate implements Action
func (a RenameTable) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	if strings.TrimSpace(a.NewName) == "" {
		return invalid(a, "new table name is required")
	}
	if a.NewName == a.Name {
		return invalid(a, "new table name must differ from %q", a.Name)
	}
	return nil
}

// Validate implements Action
func (a AddColumn) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	if err := a.Column.validate(a); err != nil {
		return err
	}
	if a.Column.Type == "" {
		return invalid(a, "column %q requires a type", a.Column.Name)
	}
	return nil
}

// Validate implements Action
func (a ChangeColumn) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	if a.Name == "" {
		return invalid(a, "column name is required")
	}
	if a.Column.Type == "" {
		return invalid(a, "new definition of column %q requires a type", a.Name)
	}
	return nil
}

// Validate implements Action
func (a RemoveColumn) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	return a.Column.validate(a)
}

// Validate implements Action
func (a RenameColumn) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	if a.From == "" || a.To == "" {
		return invalid(a, "both the old and the new column name are required")
	}
	if a.From == a.To {
		return invalid(a, "new column name must differ from %q", a.From)
	}
	return nil
}

// Validate implements Action
func (a AddIndex) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	if len(a.Index.Columns) == 0 {
		return invalid(a, "index requires at least one column")
	}
	return nil
}

// Validate implements Action
func (a DropIndex) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	if a.Index.Name == "" && len(a.Index.Columns) == 0 {
		return invalid(a, "index must be identified by name or columns")
	}
	return nil
}

// Validate implements Action
func (a AddForeignKey) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	fk := a.ForeignKey
	if len(fk.Columns) == 0 {
		return invalid(a, "foreign key requires at least one column")
	}
	if fk.ReferencedTable == "" {
		return invalid(a, "foreign key requires a referenced table")
	}
	if len(fk.ReferencedColumns) != 0 && len(fk.ReferencedColumns) != len(fk.Columns) {
		return invalid(a, "foreign key has %d columns but %d referenced columns", len(fk.Columns), len(fk.ReferencedColumns))
	}
	return nil
}

// Validate implements Action
func (a DropForeignKey) Validate() error {
	if err := requireTable(a); err != nil {
		return err
	}
	if a.ForeignKey.Constraint == "" && len(a.ForeignKey.Columns) == 0 {
		return invalid(a, "foreign key must be identified by constraint or columns")
	}
	return nil
}

func (c Column) validate(a Action) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid(a, "column name is required")
	}
	if c.Limit < 0 {
		return invalid(a, "column %q has negative limit %d", c.Name, c.Limit)
	}
	return nil
}

// Equal reports whether two indexes identify the same index
func (i Index) Equal(o Index) bool {
	if i.Name != "" && o.Name != "" {
		return i.Name == o.Name
	}
	return equalStrings(i.Columns, o.Columns)
}

// Equal reports whether two foreign keys identify the same constraint
func (fk ForeignKey) Equal(o ForeignKey) bool {
	if fk.Constraint != "" && o.Constraint != "" {
		return fk.Constraint == o.Constraint
	}
	return equalStrings(fk.Columns, o.Columns)
}

func requireTable(a Action) error {
	if strings.TrimSpace(a.Table()) == "" {
		return invalid(a, "table name is required")
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DefaultValue is a helper for building Column.Default
func DefaultValue(v string) *string {
	return &v
}
