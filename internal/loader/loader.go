package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"adreport/internal/data"
	"adreport/internal/stage"
	"adreport/internal/warehouse"
)

// Loader persists extracted records. Writes are upserts keyed on
// (source, report_date, campaign_name), so loading the same day twice leaves
// the warehouse unchanged.
type Loader struct {
	wh    warehouse.Warehouse
	table string
	locks keyedMutex

	mu      sync.Mutex
	ensured bool
}

func New(wh warehouse.Warehouse, table string) *Loader {
	return &Loader{wh: wh, table: table}
}

func (l *Loader) ensureTable(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ensured {
		return nil
	}
	if err := l.wh.EnsureTable(ctx, l.table); err != nil {
		return err
	}
	l.ensured = true
	return nil
}

// Load writes records extracted from source for date and returns the number
// of rows written.
func (l *Loader) Load(ctx context.Context, records []data.RawRecord, source string, date data.ReportDate) stage.Result[int] {
	op := "load " + source
	if len(records) == 0 {
		return stage.Success(0)
	}
	if source == "" {
		return stage.Failure[int](stage.KindStorage, stage.New(stage.KindStorage, stage.CauseStorage, op, fmt.Errorf("empty source name")))
	}

	for _, rec := range records {
		if rec.Date != date {
			return stage.Failure[int](stage.KindStorage, stage.New(stage.KindStorage, stage.CauseStorage, op,
				fmt.Errorf("campaign %q is dated %s, expected %s", rec.CampaignName, rec.Date, date)))
		}
	}

	rows, dups := collapse(records, source)

	if a, ok := l.wh.(warehouse.Atomic); !ok || !a.AtomicUpserts() {
		unlock := l.locks.Lock(source + "|" + date.String())
		defer unlock()
	}

	if err := l.ensureTable(ctx); err != nil {
		return stage.Failure[int](stage.KindStorage, stage.New(stage.KindStorage, stage.CauseOf(err, stage.CauseStorage), op, err))
	}
	n, err := l.wh.Upsert(ctx, l.table, rows, data.KeyColumns)
	if err != nil {
		return stage.Failure[int](stage.KindStorage, stage.New(stage.KindStorage, stage.CauseOf(err, stage.CauseStorage), op, err))
	}

	if len(dups) > 0 {
		return stage.Partial(n, fmt.Sprintf("%s: duplicate campaign rows collapsed: %s", source, strings.Join(dups, ", ")))
	}
	return stage.Success(n)
}

// collapse keeps the last record per campaign name and reports the names
// that occurred more than once.
func collapse(records []data.RawRecord, source string) ([]data.Row, []string) {
	index := make(map[string]int, len(records))
	var rows []data.Row
	seen := make(map[string]bool)
	var dups []string
	for _, rec := range records {
		if i, ok := index[rec.CampaignName]; ok {
			rows[i] = rec.Row(source)
			if !seen[rec.CampaignName] {
				seen[rec.CampaignName] = true
				dups = append(dups, rec.CampaignName)
			}
			continue
		}
		index[rec.CampaignName] = len(rows)
		rows = append(rows, rec.Row(source))
	}
	sort.Strings(dups)
	return rows, dups
}
