package memory

import (
	"fmt"

	"github.com/mantty/shift"
)

func (t Table) clone() Table {
	c := Table{Name: t.Name, Options: t.Options}
	c.Options.PrimaryKey = append([]string(nil), t.Options.PrimaryKey...)
	c.Columns = append([]shift.Column(nil), t.Columns...)
	for _, idx := range t.Indexes {
		idx.Columns = append([]string(nil), idx.Columns...)
		c.Indexes = append(c.Indexes, idx)
	}
	for _, fk := range t.ForeignKeys {
		fk.Columns = append([]string(nil), fk.Columns...)
		fk.ReferencedColumns = append([]string(nil), fk.ReferencedColumns...)
		c.ForeignKeys = append(c.ForeignKeys, fk)
	}
	return c
}

// Column returns the named column
func (t Table) Column(name string) (shift.Column, bool) {
	i := t.columnIndex(name)
	if i < 0 {
		return shift.Column{}, false
	}
	return t.Columns[i], true
}

// ColumnNames returns the column names in table order
func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (t *Table) columnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) addColumn(c shift.Column) error {
	if t.columnIndex(c.Name) >= 0 {
		return fmt.Errorf("column %q already exists", c.Name)
	}
	t.Columns = append(t.Columns, c)
	return nil
}

func (t *Table) changeColumn(name string, c shift.Column) error {
	i := t.columnIndex(name)
	if i < 0 {
		return fmt.Errorf("column %q does not exist", name)
	}
	if c.Name == "" {
		c.Name = name
	}
	if c.Name != name {
		if t.columnIndex(c.Name) >= 0 {
			return fmt.Errorf("column %q already exists", c.Name)
		}
		t.renameReferences(name, c.Name)
	}
	t.Columns[i] = c
	return nil
}

func (t *Table) removeColumn(name string) error {
	i := t.columnIndex(name)
	if i < 0 {
		return fmt.Errorf("column %q does not exist", name)
	}
	t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
	return nil
}

func (t *Table) renameColumn(from, to string) error {
	i := t.columnIndex(from)
	if i < 0 {
		return fmt.Errorf("column %q does not exist", from)
	}
	if t.columnIndex(to) >= 0 {
		return fmt.Errorf("column %q already exists", to)
	}
	t.Columns[i].Name = to
	t.renameReferences(from, to)
	return nil
}

func (t *Table) renameReferences(from, to string) {
	rename := func(cols []string) {
		for i, c := range cols {
			if c == from {
				cols[i] = to
			}
		}
	}
	for _, idx := range t.Indexes {
		rename(idx.Columns)
	}
	for _, fk := range t.ForeignKeys {
		rename(fk.Columns)
	}
}

func (t *Table) requireColumns(cols []string) error {
	for _, c := range cols {
		if t.columnIndex(c) < 0 {
			return fmt.Errorf("column %q does not exist", c)
		}
	}
	return nil
}

func (t *Table) findIndex(idx shift.Index) int {
	for i, existing := range t.Indexes {
		if existing.Equal(idx) {
			return i
		}
	}
	return -1
}

func (t *Table) addIndex(idx shift.Index) error {
	if err := t.requireColumns(idx.Columns); err != nil {
		return err
	}
	if t.findIndex(idx) >= 0 {
		return fmt.Errorf("index on %v already exists", idx.Columns)
	}
	idx.Columns = append([]string(nil), idx.Columns...)
	t.Indexes = append(t.Indexes, idx)
	return nil
}

func (t *Table) dropIndex(idx shift.Index) error {
	i := t.findIndex(idx)
	if i < 0 {
		return fmt.Errorf("index %q on %v does not exist", idx.Name, idx.Columns)
	}
	t.Indexes = append(t.Indexes[:i], t.Indexes[i+1:]...)
	return nil
}

func (t *Table) findForeignKey(fk shift.ForeignKey) int {
	for i, existing := range t.ForeignKeys {
		if existing.Equal(fk) {
			return i
		}
	}
	return -1
}

func (t *Table) addForeignKey(fk shift.ForeignKey) error {
	if err := t.requireColumns(fk.Columns); err != nil {
		return err
	}
	if t.findForeignKey(fk) >= 0 {
		return fmt.Errorf("foreign key on %v already exists", fk.Columns)
	}
	fk.Columns = append([]string(nil), fk.Columns...)
	fk.ReferencedColumns = append([]string(nil), fk.ReferencedColumns...)
	t.ForeignKeys = append(t.ForeignKeys, fk)
	return nil
}

func (t *Table) dropForeignKey(fk shift.ForeignKey) error {
	i := t.findForeignKey(fk)
	if i < 0 {
		return fmt.Errorf("foreign key %q on %v does not exist", fk.Constraint, fk.Columns)
	}
	t.ForeignKeys = append(t.ForeignKeys[:i], t.ForeignKeys[i+1:]...)
	return nil
}
