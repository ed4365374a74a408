package shift

import (
	"fmt"
	"sort"
	"time"
)

// VersionOrder selects how applied migrations are ordered for rollback
type VersionOrder string

const (
	// CreationOrder orders applied migrations by version number
	CreationOrder VersionOrder = "creation"
	// ExecutionOrder orders applied migrations by the time they started applying
	ExecutionOrder VersionOrder = "execution"
)

// ParseVersionOrder parses a version order setting. An empty value means CreationOrder.
func ParseVersionOrder(s string) (VersionOrder, error) {
	switch VersionOrder(s) {
	case "", CreationOrder:
		return CreationOrder, nil
	case ExecutionOrder:
		return ExecutionOrder, nil
	}
	return "", &ConfigurationError{
		Setting: "version_order",
		Err:     fmt.Errorf("invalid value %q, expected %q or %q", s, CreationOrder, ExecutionOrder),
	}
}

type (
	// LedgerRow is one persisted record of an applied migration. A zero EndTime
	// means the migration started but has not completed.
	LedgerRow struct {
		Version       string    `json:"version"`
		MigrationName string    `json:"migration_name"`
		StartTime     time.Time `json:"start_time"`
		EndTime       time.Time `json:"end_time"`
		Breakpoint    bool      `json:"breakpoint"`
	}

	// VersionLog is the ledger keyed by version, iterated in ascending version order
	VersionLog struct {
		rows      []LedgerRow
		byVersion map[string]int
	}

	// AppliedUnit pairs a registered unit with its ledger row
	AppliedUnit struct {
		Unit *Unit
		Row  LedgerRow
	}

	// Reconciliation is the three-way comparison of registered units and the ledger
	Reconciliation struct {
		// Pending units are registered but not in the ledger, ascending by version
		Pending []*Unit
		// Applied units are registered and in the ledger, most recent first according to the version order
		Applied []AppliedUnit
		// Excess rows are in the ledger without a registered unit, ascending by version
		Excess []LedgerRow
	}
)

// NewVersionLog builds a VersionLog. A later row with the same version replaces an earlier one.
func NewVersionLog(rows ...LedgerRow) VersionLog {
	log := VersionLog{byVersion: make(map[string]int, len(rows))}
	for _, r := range rows {
		if i, ok := log.byVersion[r.Version]; ok {
			log.rows[i] = r
			continue
		}
		log.byVersion[r.Version] = len(log.rows)
		log.rows = append(log.rows, r)
	}
	sort.Slice(log.rows, func(i, j int) bool {
		return log.rows[i].Version < log.rows[j].Version
	})
	for i, r := range log.rows {
		log.byVersion[r.Version] = i
	}
	return log
}

// Get returns the row for version
func (l VersionLog) Get(version string) (LedgerRow, bool) {
	i, ok := l.byVersion[version]
	if !ok {
		return LedgerRow{}, false
	}
	return l.rows[i], true
}

// Has reports whether version is in the ledger
func (l VersionLog) Has(version string) bool {
	_, ok := l.byVersion[version]
	return ok
}

// Rows returns a copy of the rows in ascending version order
func (l VersionLog) Rows() []LedgerRow {
	out := make([]LedgerRow, len(l.rows))
	copy(out, l.rows)
	return out
}

// Len returns the number of rows
func (l VersionLog) Len() int { return len(l.rows) }

// Reconcile compares the registered units with the ledger
func Reconcile(units []*Unit, log VersionLog, order VersionOrder) Reconciliation {
	var rec Reconciliation
	registered := make(map[string]bool, len(units))

	for _, u := range units {
		registered[u.Version] = true
		row, ok := log.Get(u.Version)
		if !ok {
			rec.Pending = append(rec.Pending, u)
			continue
		}
		rec.Applied = append(rec.Applied, AppliedUnit{Unit: u, Row: row})
	}
	for _, row := range log.rows {
		if !registered[row.Version] {
			rec.Excess = append(rec.Excess, row)
		}
	}

	sort.Slice(rec.Pending, func(i, j int) bool {
		return rec.Pending[i].Version < rec.Pending[j].Version
	})
	sortRecentFirst(rec.Applied, order)
	return rec
}

// sortRecentFirst orders applied units for rollback. Execution order falls back
// to the version when two rows share a start time.
func sortRecentFirst(applied []AppliedUnit, order VersionOrder) {
	sort.SliceStable(applied, func(i, j int) bool {
		a, b := applied[i].Row, applied[j].Row
		if order == ExecutionOrder && !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.Version > b.Version
	})
}

// Last returns the most recently applied unit according to the version order
func (r Reconciliation) Last() (AppliedUnit, bool) {
	if len(r.Applied) == 0 {
		return AppliedUnit{}, false
	}
	return r.Applied[0], true
}

// IsApplied reports whether version is among the applied units
func (r Reconciliation) IsApplied(version string) bool {
	for _, a := range r.Applied {
		if a.Unit.Version == version {
			return true
		}
	}
	return false
}
