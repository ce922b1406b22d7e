package warehouse

import (
	"context"
	"errors"

	"adreport/internal/data"
)

// ErrInvalidIdentifier is returned for table or column names that are not
// plain SQL identifiers.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Filter selects performance rows by inclusive date range and, optionally,
// by source.
type Filter struct {
	From   data.ReportDate
	To     data.ReportDate
	Source string
}

// Warehouse is the storage the loader writes to and the analyzer reads from.
type Warehouse interface {
	// EnsureTable creates the performance table when it does not exist.
	EnsureTable(ctx context.Context, table string) error

	// Upsert inserts rows, replacing any existing row with the same values
	// in keyColumns. It returns the number of rows written.
	Upsert(ctx context.Context, table string, rows []data.Row, keyColumns []string) (int, error)

	Query(ctx context.Context, table string, f Filter) ([]data.Row, error)

	Close() error
}

// Atomic is implemented by warehouses whose Upsert is a single atomic
// statement per row. Callers serialize writes to warehouses that are not.
type Atomic interface {
	AtomicUpserts() bool
}

// Unavailable stands in for a warehouse that could not be reached at startup.
// Every operation fails with Err, so the run still extracts and reports.
type Unavailable struct {
	Err error
}

func (u Unavailable) EnsureTable(context.Context, string) error { return u.Err }

func (u Unavailable) Upsert(context.Context, string, []data.Row, []string) (int, error) {
	return 0, u.Err
}

func (u Unavailable) Query(context.Context, string, Filter) ([]data.Row, error) {
	return nil, u.Err
}

func (u Unavailable) Close() error { return nil }
