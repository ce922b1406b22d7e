package extract

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"adreport/internal/data"
	"adreport/internal/stage"
)

// Extraction is the payload of a successful or partial extract stage.
type Extraction struct {
	// Batches holds one batch per source that fetched successfully, in source
	// name order. A source with no campaigns yields an empty batch.
	Batches []data.Batch `json:"batches"`

	// Failures maps a failed source name to its error.
	Failures map[string]*stage.Error `json:"failures,omitempty"`
}

// Records returns all records across batches.
func (e Extraction) Records() []data.RawRecord {
	var out []data.RawRecord
	for _, b := range e.Batches {
		out = append(out, b.Records...)
	}
	return out
}

type Extractor struct {
	sources []Source
	// group collapses concurrent fetches of the same (source, date).
	group singleflight.Group
	// limit bounds concurrent source fetches; <= 0 means unbounded.
	limit int
}

func New(sources []Source, limit int) *Extractor {
	sorted := append([]Source(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Extractor{sources: sorted, limit: limit}
}

// Extract fetches date from every source concurrently. One source failing does
// not cancel the others: the result is Partial while at least one source
// succeeded, and Failure when all of them failed.
func (e *Extractor) Extract(ctx context.Context, date data.ReportDate) stage.Result[Extraction] {
	if date.IsZero() {
		return stage.Failure[Extraction](stage.KindSource, stage.Errorf(stage.KindSource, stage.CauseConfig, "extract: zero report date"))
	}
	if len(e.sources) == 0 {
		return stage.Failure[Extraction](stage.KindSource, stage.Errorf(stage.KindSource, stage.CauseConfig, "extract: no sources enabled"))
	}

	batches := make([]*data.Batch, len(e.sources))
	errs := make([]*stage.Error, len(e.sources))

	var g errgroup.Group
	if e.limit > 0 {
		g.SetLimit(e.limit)
	}
	for i, src := range e.sources {
		g.Go(func() error {
			batch, err := e.fetch(ctx, src, date)
			if err != nil {
				errs[i] = stage.AsError(stage.KindSource, err)
				return nil
			}
			batches[i] = &batch
			return nil
		})
	}
	_ = g.Wait()

	out := Extraction{}
	var failed []string
	for i, src := range e.sources {
		if errs[i] != nil {
			if out.Failures == nil {
				out.Failures = make(map[string]*stage.Error)
			}
			out.Failures[src.Name()] = errs[i]
			failed = append(failed, fmt.Sprintf("%s (%s)", src.Name(), errs[i].Cause))
			continue
		}
		out.Batches = append(out.Batches, *batches[i])
	}

	switch {
	case len(failed) == 0:
		return stage.Success(out)
	case len(out.Batches) == 0:
		// A Failure carries no payload, so every source is named in Op.
		first := errs[0]
		if len(failed) > 1 {
			first = stage.New(stage.KindSource, first.Cause, "all sources failed: "+strings.Join(failed, ", "), first)
		}
		return stage.Failure[Extraction](stage.KindSource, first)
	default:
		return stage.Partial(out, "sources failed: "+strings.Join(failed, ", "))
	}
}

func (e *Extractor) fetch(ctx context.Context, src Source, date data.ReportDate) (batch data.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = stage.New(stage.KindSource, stage.CauseInternal, src.Name()+" fetch", fmt.Errorf("panic: %v", r))
		}
	}()

	key := src.Name() + ":" + date.String()
	v, err, _ := e.group.Do(key, func() (any, error) {
		return src.Fetch(ctx, date)
	})
	if err != nil {
		return data.Batch{}, err
	}
	records, _ := v.([]data.RawRecord)
	return normalize(src.Name(), date, records)
}

// normalize stamps channel and date onto records and rejects values no
// downstream stage can use.
func normalize(source string, date data.ReportDate, records []data.RawRecord) (data.Batch, error) {
	out := make([]data.RawRecord, 0, len(records))
	for _, rec := range records {
		if rec.Channel == "" {
			rec.Channel = source
		}
		if rec.Date.IsZero() {
			rec.Date = date
		}
		if rec.Date != date {
			return data.Batch{}, stage.New(stage.KindSource, stage.CauseUpstream, source+" fetch",
				fmt.Errorf("campaign %q returned for %s, expected %s", rec.CampaignName, rec.Date, date))
		}
		for _, v := range []float64{rec.Spend, rec.CPC, rec.Conversions, rec.CostPerConversion} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return data.Batch{}, stage.New(stage.KindSource, stage.CauseDecode, source+" fetch",
					fmt.Errorf("campaign %q has a non-finite metric", rec.CampaignName))
			}
		}
		out = append(out, rec)
	}
	return data.Batch{Source: source, Records: out}, nil
}
