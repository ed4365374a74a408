package shift

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MigrationState is the state of one line of a status report
type MigrationState string

const (
	StateUp   MigrationState = "up"
	StateDown MigrationState = "down"
	// StateMissing marks a ledger version with no registered migration
	StateMissing MigrationState = "missing"
)

// Exit codes of a status report
const (
	StatusOK      = 0
	StatusMissing = 1
	StatusDown    = 2
)

type (
	// StatusEntry is one migration in a status report
	StatusEntry struct {
		State         MigrationState `json:"migration_status"`
		Version       string         `json:"migration_id"`
		MigrationName string         `json:"migration_name"`
		StartTime     *time.Time     `json:"started_at,omitempty"`
		EndTime       *time.Time     `json:"finished_at,omitempty"`
		Breakpoint    bool           `json:"breakpoint"`
	}

	// StatusReport lists every registered and recorded migration in ascending version order
	StatusReport struct {
		Environment  string        `json:"environment"`
		VersionOrder VersionOrder  `json:"version_order"`
		Migrations   []StatusEntry `json:"migrations"`
		Pending      int           `json:"pending_count"`
		Applied      int           `json:"applied_count"`
		Missing      int           `json:"missing_count"`
	}
)

// Status reports which migrations are pending, applied and missing. It never writes.
func (m *Manager) Status(ctx context.Context, env Environment) (*StatusReport, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	rec, err := m.reconcile(ctx, env)
	if err != nil {
		return nil, err
	}

	order := env.VersionOrder
	if order == "" {
		order = CreationOrder
	}
	report := &StatusReport{
		Environment:  env.Name,
		VersionOrder: order,
		Pending:      len(rec.Pending),
		Applied:      len(rec.Applied),
		Missing:      len(rec.Excess),
	}

	applied := make(map[string]LedgerRow, len(rec.Applied))
	for _, a := range rec.Applied {
		applied[a.Unit.Version] = a.Row
	}
	missing := rec.Excess

	// merge registered units with excess rows, both ascending by version
	for _, u := range m.registry.Units() {
		for len(missing) > 0 && missing[0].Version < u.Version {
			report.Migrations = append(report.Migrations, entryFromRow(StateMissing, missing[0]))
			missing = missing[1:]
		}
		if row, ok := applied[u.Version]; ok {
			entry := entryFromRow(StateUp, row)
			entry.MigrationName = u.Name
			report.Migrations = append(report.Migrations, entry)
			continue
		}
		report.Migrations = append(report.Migrations, StatusEntry{
			State:         StateDown,
			Version:       u.Version,
			MigrationName: u.Name,
		})
	}
	for _, row := range missing {
		report.Migrations = append(report.Migrations, entryFromRow(StateMissing, row))
	}

	m.logger.Debug("Computed migration status",
		zap.String("environment", env.Name),
		zap.Int("pending_count", report.Pending),
		zap.Int("applied_count", report.Applied),
		zap.Int("missing_count", report.Missing),
	)
	return report, nil
}

// ExitCode is StatusMissing when the ledger has unknown versions, StatusDown
// when migrations are pending, and StatusOK otherwise
func (r *StatusReport) ExitCode() int {
	switch {
	case r.Missing > 0:
		return StatusMissing
	case r.Pending > 0:
		return StatusDown
	default:
		return StatusOK
	}
}

func entryFromRow(state MigrationState, row LedgerRow) StatusEntry {
	entry := StatusEntry{
		State:         state,
		Version:       row.Version,
		MigrationName: row.MigrationName,
		Breakpoint:    row.Breakpoint,
	}
	if !row.StartTime.IsZero() {
		t := row.StartTime
		entry.StartTime = &t
	}
	if !row.EndTime.IsZero() {
		t := row.EndTime
		entry.EndTime = &t
	}
	return entry
}
