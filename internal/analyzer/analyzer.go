package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"adreport/internal/data"
	"adreport/internal/llm"
	"adreport/internal/stage"
	"adreport/internal/warehouse"
)

// Options tune anomaly detection. Zero fields take the defaults.
type Options struct {
	BaselineDays     int
	MinBaselineDays  int
	DeviationRatio   float64
	NarrativeTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		BaselineDays:     7,
		MinBaselineDays:  3,
		DeviationRatio:   0.5,
		NarrativeTimeout: 20 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BaselineDays <= 0 {
		o.BaselineDays = def.BaselineDays
	}
	if o.MinBaselineDays <= 0 {
		o.MinBaselineDays = def.MinBaselineDays
	}
	if o.DeviationRatio <= 0 {
		o.DeviationRatio = def.DeviationRatio
	}
	if o.NarrativeTimeout <= 0 {
		o.NarrativeTimeout = def.NarrativeTimeout
	}
	return o
}

// Input is what the analysis stage works on: either the records extracted in
// this run, or a request to read the day back from the warehouse.
type Input struct {
	Records  []data.RawRecord
	Fallback bool
}

func Fresh(records []data.RawRecord) Input { return Input{Records: records} }

func FromWarehouse() Input { return Input{Fallback: true} }

// Notices rendered at the top of the report when analysis ran degraded.
const (
	NoticeFallback            = "Live extraction failed; figures were read back from the warehouse."
	NoticeBaselineMissing     = "Trend comparison is unavailable: the baseline could not be loaded."
	NoticeNarrativeMissing    = "The written summary is unavailable for this report."
	NoticeAnalysisUnavailable = "Analysis was unavailable; this is a basic report."
)

type Analyzer struct {
	wh         warehouse.Warehouse
	table      string
	opts       Options
	detectors  []Detector
	summarizer llm.Summarizer
}

// New builds an Analyzer. A nil summarizer disables the narrative; nil
// detectors means every registered detector.
func New(wh warehouse.Warehouse, table string, opts Options, detectors []Detector, summarizer llm.Summarizer) *Analyzer {
	if detectors == nil {
		detectors = List()
	}
	return &Analyzer{
		wh:         wh,
		table:      table,
		opts:       opts.withDefaults(),
		detectors:  detectors,
		summarizer: summarizer,
	}
}

// Analyze evaluates the records for date, flags anomalies against the
// trailing baseline and asks the summarizer for a narrative. Losing the
// baseline or the narrative degrades the result to Partial; unusable input
// numbers are a Failure.
func (a *Analyzer) Analyze(ctx context.Context, in Input, date data.ReportDate) stage.Result[data.InsightSet] {
	set := data.InsightSet{
		ReportDate:  date,
		Provenance:  data.ProvenanceExtraction,
		Evaluations: []data.MetricEvaluation{},
		Anomalies:   []data.Anomaly{},
	}

	records := in.Records
	if in.Fallback {
		set.Provenance = data.ProvenanceWarehouse
		set.Notices = append(set.Notices, NoticeFallback)
		var err error
		records, err = a.readDay(ctx, date)
		if err != nil {
			return stage.Failure[data.InsightSet](stage.KindAnalysis,
				stage.New(stage.KindAnalysis, stage.CauseNumeric, "analyze fallback", err))
		}
	}

	for _, rec := range lastPerCampaign(records) {
		if rec.Date != date {
			return stage.Failure[data.InsightSet](stage.KindAnalysis,
				stage.Errorf(stage.KindAnalysis, stage.CauseNumeric, "campaign %q is dated %s, expected %s", rec.CampaignName, rec.Date, date))
		}
		e := evaluate(rec)
		if !finite(e) {
			return stage.Failure[data.InsightSet](stage.KindAnalysis,
				stage.Errorf(stage.KindAnalysis, stage.CauseNumeric, "campaign %q has non-finite metrics", rec.CampaignName))
		}
		set.Evaluations = append(set.Evaluations, e)
		set.Totals.Impressions += rec.Impressions
		set.Totals.Clicks += rec.Clicks
		set.Totals.Spend += rec.Spend
		set.Totals.Conversions += rec.Conversions
	}
	sort.SliceStable(set.Evaluations, func(i, j int) bool {
		ri, rj := set.Evaluations[i].Record, set.Evaluations[j].Record
		if ri.Channel != rj.Channel {
			return ri.Channel < rj.Channel
		}
		return ri.CampaignName < rj.CampaignName
	})

	var warnings []string

	if !set.Empty() {
		if err := a.attachBaselines(ctx, &set, date); err != nil {
			warnings = append(warnings, "baseline_unavailable: "+err.Error())
			set.Notices = append(set.Notices, NoticeBaselineMissing)
		} else {
			set.Anomalies = a.detect(set.Evaluations)
		}

		if a.summarizer != nil {
			narrative, err := a.narrate(ctx, set)
			if err != nil {
				warnings = append(warnings, string(stage.CauseNarrativeUnavailable)+": "+err.Error())
				set.Notices = append(set.Notices, NoticeNarrativeMissing)
			} else {
				set.Narrative = narrative
			}
		}
	}

	if len(warnings) > 0 {
		return stage.Partial(set, strings.Join(warnings, "; "))
	}
	return stage.Success(set)
}

func (a *Analyzer) readDay(ctx context.Context, date data.ReportDate) ([]data.RawRecord, error) {
	rows, err := a.wh.Query(ctx, a.table, warehouse.Filter{From: date, To: date})
	if err != nil {
		return nil, err
	}
	out := make([]data.RawRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := data.RecordFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// lastPerCampaign keeps the last record per (channel, campaign), matching
// what the loader stores for the day.
func lastPerCampaign(records []data.RawRecord) []data.RawRecord {
	index := make(map[campaignKey]int, len(records))
	out := make([]data.RawRecord, 0, len(records))
	for _, rec := range records {
		k := campaignKey{rec.Channel, rec.CampaignName}
		if i, ok := index[k]; ok {
			out[i] = rec
			continue
		}
		index[k] = len(out)
		out = append(out, rec)
	}
	return out
}

// evaluate fills the derived metrics a source may leave empty.
func evaluate(rec data.RawRecord) data.MetricEvaluation {
	if rec.CPC == 0 && rec.Clicks > 0 {
		rec.CPC = rec.Spend / float64(rec.Clicks)
	}
	if rec.CostPerConversion == 0 && rec.Conversions > 0 {
		rec.CostPerConversion = rec.Spend / rec.Conversions
	}
	e := data.MetricEvaluation{Record: rec}
	if rec.Impressions > 0 {
		e.CTR = float64(rec.Clicks) / float64(rec.Impressions)
	}
	return e
}

func finite(e data.MetricEvaluation) bool {
	r := e.Record
	for _, v := range []float64{r.Spend, r.CPC, r.Conversions, r.CostPerConversion, e.CTR} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.Impressions >= 0 && r.Clicks >= 0
}

type campaignKey struct {
	channel  string
	campaign string
}

type accumulator struct {
	days int
	sum  data.Baseline
}

func (a *Analyzer) attachBaselines(ctx context.Context, set *data.InsightSet, date data.ReportDate) error {
	rows, err := a.wh.Query(ctx, a.table, warehouse.Filter{
		From: date.AddDays(-a.opts.BaselineDays),
		To:   date.AddDays(-1),
	})
	if err != nil {
		return err
	}

	acc := make(map[campaignKey]*accumulator)
	for _, row := range rows {
		rec, err := data.RecordFromRow(row)
		if err != nil {
			return err
		}
		e := evaluate(rec)
		if !finite(e) {
			continue
		}
		k := campaignKey{rec.Channel, rec.CampaignName}
		if acc[k] == nil {
			acc[k] = &accumulator{}
		}
		acc[k].days++
		acc[k].sum.Spend += e.Record.Spend
		acc[k].sum.Clicks += float64(e.Record.Clicks)
		acc[k].sum.Conversions += e.Record.Conversions
		acc[k].sum.CPC += e.Record.CPC
	}

	for i := range set.Evaluations {
		e := &set.Evaluations[i]
		ac, ok := acc[campaignKey{e.Record.Channel, e.Record.CampaignName}]
		if !ok || ac.days < a.opts.MinBaselineDays {
			continue
		}
		n := float64(ac.days)
		e.BaselineDays = ac.days
		e.Baseline = &data.Baseline{
			Spend:       ac.sum.Spend / n,
			Clicks:      ac.sum.Clicks / n,
			Conversions: ac.sum.Conversions / n,
			CPC:         ac.sum.CPC / n,
		}
	}
	return nil
}

func (a *Analyzer) detect(evals []data.MetricEvaluation) []data.Anomaly {
	anomalies := []data.Anomaly{}
	for _, e := range evals {
		if e.Baseline == nil {
			continue
		}
		for _, d := range a.detectors {
			if an, ok := Detect(d, e, a.opts.DeviationRatio); ok {
				anomalies = append(anomalies, an)
			}
		}
	}
	sort.SliceStable(anomalies, func(i, j int) bool {
		ai, aj := anomalies[i], anomalies[j]
		if ai.Severity != aj.Severity {
			return ai.Severity == data.SeverityHigh
		}
		if mi, mj := math.Abs(ai.Deviation), math.Abs(aj.Deviation); mi != mj {
			return mi > mj
		}
		if ai.CampaignName != aj.CampaignName {
			return ai.CampaignName < aj.CampaignName
		}
		return ai.Metric < aj.Metric
	})
	return anomalies
}

func (a *Analyzer) narrate(ctx context.Context, set data.InsightSet) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("summarizer panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, a.opts.NarrativeTimeout)
	defer cancel()
	return a.summarizer.Summarize(ctx, set)
}
