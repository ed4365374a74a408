package shift

import (
	"errors"
	"fmt"
)

var (
	// ErrIrreversible is wrapped by IrreversibleError
	ErrIrreversible = errors.New("irreversible migration")
	// ErrTargetNotFound is returned when a requested version is not in the ledger or registry
	ErrTargetNotFound = errors.New("target version not found")
	// ErrInvalidDate is returned for malformed date targets
	ErrInvalidDate = errors.New("invalid date, format is YYYY[MM[DD[HH[II[SS]]]]]")
	// ErrInvalidVersion is returned for versions that are not 14 ASCII digits
	ErrInvalidVersion = errors.New("invalid version, format is YYYYMMDDHHMMSS")
	// ErrDuplicateVersion is returned when two migrations share a version
	ErrDuplicateVersion = errors.New("duplicate migration version")
	// ErrUnknownEnvironment is returned when the configuration has no such environment
	ErrUnknownEnvironment = errors.New("unknown environment")
	// ErrNoShape is returned for a migration with neither Change nor Up/Down
	ErrNoShape = errors.New("migration defines neither Change nor Up/Down")
)

type (
	// ConfigurationError reports a missing or invalid setting. It is raised before any schema change.
	ConfigurationError struct {
		Setting string
		Err     error
	}

	// ValidationError reports a structurally invalid action
	ValidationError struct {
		Table   string
		Kind    ActionKind
		Message string
	}

	// IrreversibleError reports an action whose inverse cannot be computed
	IrreversibleError struct {
		Version string
		Table   string
		Kind    ActionKind
		Reason  string
	}

	// TargetError reports a target that could not be resolved
	TargetError struct {
		Target string
		Err    error
	}

	// MigrationError wraps a failure raised while running one migration
	MigrationError struct {
		Version   string
		Name      string
		Direction Direction
		Err       error
	}
)

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Setting, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s on table %q: %s", e.Kind, e.Table, e.Message)
}

func (e *IrreversibleError) Error() string {
	msg := fmt.Sprintf("cannot reverse %s on table %q: %s", e.Kind, e.Table, e.Reason)
	if e.Version != "" {
		msg = fmt.Sprintf("migration %s: %s", e.Version, msg)
	}
	return msg
}

func (e *IrreversibleError) Unwrap() error { return ErrIrreversible }

func (e *TargetError) Error() string {
	return fmt.Sprintf("target %q: %v", e.Target, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s (%s) %s failed: %v", e.Version, e.Name, e.Direction, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func invalid(a Action, format string, args ...any) error {
	return &ValidationError{
		Table:   a.Table(),
		Kind:    a.Kind(),
		Message: fmt.Sprintf(format, args...),
	}
}

func irreversible(a Action, reason string) error {
	return &IrreversibleError{
		Table:  a.Table(),
		Kind:   a.Kind(),
		Reason: reason,
	}
}
