package shift

// Invert returns the Intent that undoes in. Actions are negated and their order
// reversed so the result can be run in forward apply order. Inversion is all or
// nothing: the first action that cannot be negated fails the whole call with an
// *IrreversibleError.
func Invert(in *Intent) (*Intent, error) {
	actions := in.Actions()
	out := &Intent{actions: make([]Action, 0, len(actions))}
	for i := len(actions) - 1; i >= 0; i-- {
		inverse, err := InvertAction(actions[i])
		if err != nil {
			return nil, err
		}
		out.actions = append(out.actions, inverse...)
	}
	return out, nil
}

// InvertAction returns the actions that undo a. A dropped table with a snapshot
// inverts into its CreateTable followed by the snapshot's columns and indexes.
func InvertAction(a Action) ([]Action, error) {
	switch a := a.(type) {
	case CreateTable:
		return []Action{DropTable{Name: a.Name, Options: a.Options}}, nil

	case DropTable:
		out := []Action{CreateTable{Name: a.Name, Options: a.Options}}
		for _, c := range a.Columns {
			if c.Type == "" {
				return nil, irreversible(a, "snapshot column "+c.Name+" has no type")
			}
			out = append(out, AddColumn{TableName: a.Name, Column: c})
		}
		for _, idx := range a.Indexes {
			if len(idx.Columns) == 0 {
				return nil, irreversible(a, "snapshot index has no columns")
			}
			out = append(out, AddIndex{TableName: a.Name, Index: idx})
		}
		return out, nil

	case RenameTable:
		return []Action{RenameTable{Name: a.NewName, NewName: a.Name}}, nil

	case AddColumn:
		return []Action{RemoveColumn{TableName: a.TableName, Column: a.Column}}, nil

	case RemoveColumn:
		if a.Column.Type == "" {
			return nil, irreversible(a, "the removed column definition is unknown")
		}
		return []Action{AddColumn{TableName: a.TableName, Column: a.Column}}, nil

	case ChangeColumn:
		if a.Previous == nil {
			return nil, irreversible(a, "the previous column definition is unknown")
		}
		name := a.Column.Name
		if name == "" {
			name = a.Name
		}
		current := a.Column
		current.Name = name
		previous := *a.Previous
		if previous.Name == "" {
			previous.Name = a.Name
		}
		return []Action{ChangeColumn{TableName: a.TableName, Name: name, Column: previous, Previous: &current}}, nil

	case RenameColumn:
		return []Action{RenameColumn{TableName: a.TableName, From: a.To, To: a.From}}, nil

	case AddIndex:
		return []Action{DropIndex{TableName: a.TableName, Index: a.Index}}, nil

	case DropIndex:
		if len(a.Index.Columns) == 0 {
			return nil, irreversible(a, "the dropped index columns are unknown")
		}
		return []Action{AddIndex{TableName: a.TableName, Index: a.Index}}, nil

	case AddForeignKey:
		return []Action{DropForeignKey{TableName: a.TableName, ForeignKey: a.ForeignKey}}, nil

	case DropForeignKey:
		if len(a.ForeignKey.Columns) == 0 || a.ForeignKey.ReferencedTable == "" {
			return nil, irreversible(a, "the dropped foreign key definition is incomplete")
		}
		return []Action{AddForeignKey{TableName: a.TableName, ForeignKey: a.ForeignKey}}, nil
	}

	return nil, irreversible(a, "unsupported action")
}
