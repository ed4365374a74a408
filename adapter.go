package shift

import (
	"context"
	"time"
)

type (
	// Ledger persists the version log
	Ledger interface {
		VersionLog(ctx context.Context) (VersionLog, error)
		InsertLedgerRow(ctx context.Context, version, name string, start time.Time) error
		SetLedgerEndTime(ctx context.Context, version string, end time.Time) error
		DeleteLedgerRow(ctx context.Context, version string) error
		SetBreakpoint(ctx context.Context, version string, on bool) error
		ClearBreakpoints(ctx context.Context) error
	}

	// Transactor scopes the schema and ledger changes of one migration. fn receives
	// the context that carries the transaction; returning an error rolls it back.
	Transactor interface {
		InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	}

	// Locker is implemented by adapters that can serialise concurrent migration runs
	Locker interface {
		Lock(ctx context.Context) (release func(), err error)
	}

	// Store is a ledger backend that can also inspect the schema and run transactions.
	// It leaves schema changes to a SchemaWriter.
	Store interface {
		Ledger
		Transactor
		Inspector
	}

	// Adapter is everything the Manager needs from a database
	Adapter interface {
		SchemaWriter
		Store
	}
)

type boundAdapter struct {
	SchemaWriter
	Store
}

// Bind combines a SchemaWriter with a Store into an Adapter. The result
// implements Locker when the store does.
func Bind(w SchemaWriter, s Store) Adapter {
	b := boundAdapter{SchemaWriter: w, Store: s}
	if l, ok := s.(Locker); ok {
		return lockingAdapter{boundAdapter: b, locker: l}
	}
	return b
}

type lockingAdapter struct {
	boundAdapter
	locker Locker
}

func (a lockingAdapter) Lock(ctx context.Context) (func(), error) {
	return a.locker.Lock(ctx)
}
