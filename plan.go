package shift

import (
	"context"
)

type (
	// NewTable is a table being created together with the columns and indexes
	// addressed to it in the same Intent, so the table is created fully formed
	NewTable struct {
		Table   CreateTable
		Columns []Column
		Indexes []Index
		actions []Action
	}

	// AlterTable holds the actions targeting one existing table in insertion order
	AlterTable struct {
		Name    string
		Actions []Action
	}

	// Group is an insertion-ordered set of AlterTable keyed by table name
	Group struct {
		order  []string
		tables map[string]*AlterTable
	}

	// Batch is one unit of work handed to the adapter: either a table creation or
	// an AlterTable
	Batch struct {
		Create *NewTable
		Alter  *AlterTable
	}

	// Plan arranges the actions of an Intent into ordered, conflict-free batches
	Plan struct {
		creates     []*NewTable
		createIndex map[string]*NewTable
		updates     Group
		constraints Group
		indexes     Group
		moves       Group
	}

	// SchemaWriter executes planned batches against a database
	SchemaWriter interface {
		CreateTable(ctx context.Context, table CreateTable, columns []Column, indexes []Index) error
		ExecuteActions(ctx context.Context, table string, actions []Action) error
	}
)

// NewPlan builds a Plan from the actions of in. It never fails: every action
// lands in exactly one grouping unless the drop-table rule discards it.
func NewPlan(in *Intent) *Plan {
	actions := in.Actions()
	p := &Plan{createIndex: make(map[string]*NewTable)}

	// Each pass filters the full action list, not the leftovers of earlier passes.
	p.gatherCreates(actions)
	p.gatherUpdates(actions)
	p.gatherTableMoves(actions)
	p.gatherIndexes(actions)
	p.gatherConstraints(actions)
	p.resolveConflicts()

	return p
}

func (p *Plan) gatherCreates(actions []Action) {
	for _, a := range actions {
		ct, ok := a.(CreateTable)
		if !ok {
			continue
		}
		if nt, exists := p.createIndex[ct.Name]; exists {
			nt.Table = ct
			nt.actions = append(nt.actions, ct)
			continue
		}
		nt := &NewTable{Table: ct, actions: []Action{ct}}
		p.creates = append(p.creates, nt)
		p.createIndex[ct.Name] = nt
	}

	for _, a := range actions {
		nt, ok := p.createIndex[a.Table()]
		if !ok {
			continue
		}
		switch a := a.(type) {
		case AddColumn:
			nt.Columns = append(nt.Columns, a.Column)
			nt.actions = append(nt.actions, a)
		case AddIndex:
			nt.Indexes = append(nt.Indexes, a.Index)
			nt.actions = append(nt.actions, a)
		}
	}
}

func (p *Plan) gatherUpdates(actions []Action) {
	for _, a := range actions {
		switch a.(type) {
		case AddColumn, ChangeColumn, RemoveColumn, RenameColumn:
			if _, created := p.createIndex[a.Table()]; created && a.Kind() == KindAddColumn {
				continue
			}
			p.updates.add(a)
		}
	}
}

func (p *Plan) gatherTableMoves(actions []Action) {
	for _, a := range actions {
		switch a.(type) {
		case DropTable, RenameTable:
			p.moves.add(a)
		}
	}
}

func (p *Plan) gatherIndexes(actions []Action) {
	for _, a := range actions {
		switch a.(type) {
		case AddIndex:
			if _, created := p.createIndex[a.Table()]; created {
				continue
			}
			p.indexes.add(a)
		case DropIndex:
			p.indexes.add(a)
		}
	}
}

func (p *Plan) gatherConstraints(actions []Action) {
	for _, a := range actions {
		switch a.(type) {
		case AddForeignKey, DropForeignKey:
			p.constraints.add(a)
		}
	}
}

// resolveConflicts discards the pending alterations of every dropped table.
// Creates are left untouched.
func (p *Plan) resolveConflicts() {
	for _, move := range p.moves.Tables() {
		for _, a := range move.Actions {
			if drop, ok := a.(DropTable); ok {
				p.updates.forget(drop.Name)
				p.constraints.forget(drop.Name)
				p.indexes.forget(drop.Name)
			}
		}
	}
}

// TableCreates returns the tables to create in insertion order
func (p *Plan) TableCreates() []NewTable {
	out := make([]NewTable, 0, len(p.creates))
	for _, nt := range p.creates {
		out = append(out, *nt)
	}
	return out
}

// TableCreate returns the NewTable for name
func (p *Plan) TableCreate(name string) (NewTable, bool) {
	nt, ok := p.createIndex[name]
	if !ok {
		return NewTable{}, false
	}
	return *nt, true
}

// TableUpdates returns the column operations grouped by table
func (p *Plan) TableUpdates() Group { return p.updates }

// Constraints returns the foreign key operations grouped by table
func (p *Plan) Constraints() Group { return p.constraints }

// Indexes returns the index operations grouped by table
func (p *Plan) Indexes() Group { return p.indexes }

// TableMoves returns the drops and renames grouped by origin table name
func (p *Plan) TableMoves() Group { return p.moves }

// Empty reports whether the plan has nothing to execute
func (p *Plan) Empty() bool {
	return len(p.creates) == 0 && p.updates.Len() == 0 && p.constraints.Len() == 0 &&
		p.indexes.Len() == 0 && p.moves.Len() == 0
}

// Actions returns every action retained by the plan in apply order
func (p *Plan) Actions() []Action {
	var out []Action
	for _, nt := range p.creates {
		out = append(out, nt.actions...)
	}
	for _, g := range p.updatesSequence() {
		for _, at := range g.Tables() {
			out = append(out, at.Actions...)
		}
	}
	return out
}

func (p *Plan) updatesSequence() []Group {
	return []Group{p.updates, p.constraints, p.indexes, p.moves}
}

// Batches returns the apply order: creates, then updates, constraints, indexes
// and moves. Renames and drops run last so earlier batches see original names.
func (p *Plan) Batches() []Batch {
	var out []Batch
	for _, nt := range p.creates {
		out = append(out, Batch{Create: nt})
	}
	for _, g := range p.updatesSequence() {
		for _, name := range g.order {
			out = append(out, Batch{Alter: g.tables[name]})
		}
	}
	return out
}

// InverseBatches returns the rollback order: the update sequence reversed as a
// whole, followed by the table creates replayed.
func (p *Plan) InverseBatches() []Batch {
	var out []Batch
	seq := p.updatesSequence()
	for i := len(seq) - 1; i >= 0; i-- {
		for _, name := range seq[i].order {
			out = append(out, Batch{Alter: seq[i].tables[name]})
		}
	}
	for _, nt := range p.creates {
		out = append(out, Batch{Create: nt})
	}
	return out
}

// Execute runs the plan in apply order. The first adapter error stops execution
// and is returned unchanged.
func (p *Plan) Execute(ctx context.Context, w SchemaWriter) error {
	return runBatches(ctx, w, p.Batches())
}

// ExecuteInverse runs the plan in rollback order
func (p *Plan) ExecuteInverse(ctx context.Context, w SchemaWriter) error {
	return runBatches(ctx, w, p.InverseBatches())
}

func runBatches(ctx context.Context, w SchemaWriter, batches []Batch) error {
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.Create != nil {
			if err := w.CreateTable(ctx, b.Create.Table, b.Create.Columns, b.Create.Indexes); err != nil {
				return err
			}
			continue
		}
		if err := w.ExecuteActions(ctx, b.Alter.Name, b.Alter.Actions); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) add(a Action) {
	if g.tables == nil {
		g.tables = make(map[string]*AlterTable)
	}
	name := a.Table()
	at, ok := g.tables[name]
	if !ok {
		at = &AlterTable{Name: name}
		g.tables[name] = at
		g.order = append(g.order, name)
	}
	at.Actions = append(at.Actions, a)
}

func (g *Group) forget(name string) {
	if _, ok := g.tables[name]; !ok {
		return
	}
	delete(g.tables, name)
	order := g.order[:0:0]
	for _, n := range g.order {
		if n != name {
			order = append(order, n)
		}
	}
	g.order = order
}

// Len returns the number of tables in the group
func (g Group) Len() int { return len(g.order) }

// Get returns the AlterTable for name
func (g Group) Get(name string) (AlterTable, bool) {
	at, ok := g.tables[name]
	if !ok {
		return AlterTable{}, false
	}
	return *at, true
}

// Tables returns the AlterTables in insertion order
func (g Group) Tables() []AlterTable {
	out := make([]AlterTable, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, *g.tables[name])
	}
	return out
}
