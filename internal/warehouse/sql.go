package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"adreport/internal/data"
)

// SQL is a Warehouse backed by database/sql.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the warehouse. driver is one of sqlite (pure Go), sqlite3
// (cgo), mysql or postgres.
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s warehouse: %w", d.name, err)
	}
	w := &SQL{db: db, dialect: d}
	if d.driver == "sqlite" || d.driver == "sqlite3" {
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases from splitting across the pool.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure %s warehouse: %w", d.name, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s warehouse: %w", d.name, err)
	}
	return w, nil
}

func (w *SQL) AtomicUpserts() bool { return true }

func (w *SQL) Close() error {
	return w.db.Close()
}

func (w *SQL) EnsureTable(ctx context.Context, table string) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if _, err := w.db.ExecContext(ctx, w.dialect.createTable(table)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// Upsert writes rows in one transaction. Every row must carry the same
// columns, including all key columns.
func (w *SQL) Upsert(ctx context.Context, table string, rows []data.Row, keyColumns []string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("upsert %s: no key columns", table)
	}

	columns := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		if err := checkIdent(c); err != nil {
			return 0, err
		}
		columns = append(columns, c)
	}
	sort.Strings(columns)

	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		if _, ok := rows[0][k]; !ok {
			return 0, fmt.Errorf("upsert %s: key column %s missing from rows", table, k)
		}
		isKey[k] = true
	}
	var update []string
	for _, c := range columns {
		if !isKey[c] {
			update = append(update, c)
		}
	}

	quoted := make([]string, len(columns))
	binds := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = w.dialect.quote(c)
		binds[i] = w.dialect.bind(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s",
		w.dialect.quote(table), strings.Join(quoted, ", "), strings.Join(binds, ", "),
		w.dialect.upsert(keyColumns, update))

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: begin: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: prepare: %w", table, err)
	}
	defer prepared.Close()

	args := make([]any, len(columns))
	for n, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("upsert %s: row %d has %d columns, want %d", table, n, len(row), len(columns))
		}
		for i, c := range columns {
			v, ok := row[c]
			if !ok {
				return 0, fmt.Errorf("upsert %s: row %d missing column %s", table, n, c)
			}
			args[i] = v
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("upsert %s: row %d: %w", table, n, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("upsert %s: commit: %w", table, err)
	}
	return len(rows), nil
}

// Query returns the rows of table inside the filter's date range, ordered by
// source, date and campaign.
func (w *SQL) Query(ctx context.Context, table string, f Filter) ([]data.Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if f.From.IsZero() || f.To.IsZero() {
		return nil, fmt.Errorf("query %s: date range is required", table)
	}

	cols := make([]string, len(performanceColumns))
	for i, c := range performanceColumns {
		cols[i] = w.dialect.quote(c.name)
	}
	d := w.dialect
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= %s AND %s <= %s",
		strings.Join(cols, ", "), d.quote(table),
		d.quote(data.ColReportDate), d.bind(1), d.quote(data.ColReportDate), d.bind(2))
	args := []any{f.From.String(), f.To.String()}
	if f.Source != "" {
		q += fmt.Sprintf(" AND %s = %s", d.quote(data.ColSource), d.bind(3))
		args = append(args, f.Source)
	}
	q += fmt.Sprintf(" ORDER BY %s, %s, %s", d.quote(data.ColSource), d.quote(data.ColReportDate), d.quote(data.ColCampaignName))

	rows, err := w.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []data.Row
	for rows.Next() {
		vals := make([]any, len(performanceColumns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query %s: scan: %w", table, err)
		}
		row := make(data.Row, len(vals))
		for i, c := range performanceColumns {
			row[c.name] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return out, nil
}
