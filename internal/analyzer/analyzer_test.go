package analyzer

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreport/internal/data"
	"adreport/internal/stage"
	"adreport/internal/warehouse"
)

var day = data.NewReportDate(2024, time.January, 15)

type memWarehouse struct {
	rows     []data.Row
	queryErr func(f warehouse.Filter) error
	queries  int
}

func (m *memWarehouse) EnsureTable(context.Context, string) error { return nil }

func (m *memWarehouse) Upsert(_ context.Context, _ string, rows []data.Row, _ []string) (int, error) {
	m.rows = append(m.rows, rows...)
	return len(rows), nil
}

func (m *memWarehouse) Query(_ context.Context, _ string, f warehouse.Filter) ([]data.Row, error) {
	m.queries++
	if m.queryErr != nil {
		if err := m.queryErr(f); err != nil {
			return nil, err
		}
	}
	var out []data.Row
	for _, r := range m.rows {
		d := r[data.ColReportDate].(string)
		if d >= f.From.String() && d <= f.To.String() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memWarehouse) Close() error { return nil }

// seedBaseline stores n trailing days of rec before day.
func (m *memWarehouse) seedBaseline(rec data.RawRecord, n int) {
	for i := 1; i <= n; i++ {
		r := rec
		r.Date = day.AddDays(-i)
		m.rows = append(m.rows, r.Row(r.Channel))
	}
}

type fakeSummarizer struct {
	text  string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, set data.InsightSet) (string, error) {
	f.calls++
	return f.text, f.err
}

func brand(spend float64, clicks int64) data.RawRecord {
	return data.RawRecord{Channel: "google_ads", CampaignName: "Brand", Impressions: 1000, Clicks: clicks, Spend: spend, Conversions: 2, Date: day}
}

func TestAnalyze_FreshWithoutBaseline(t *testing.T) {
	a := New(&memWarehouse{}, "t", Options{}, nil, nil)
	recs := []data.RawRecord{
		{Channel: "meta_ads", CampaignName: "Spring", Impressions: 200, Clicks: 10, Spend: 5, Date: day},
		{Channel: "google_ads", CampaignName: "Brand", Impressions: 1000, Clicks: 40, Spend: 20, Conversions: 4, Date: day},
	}

	res := a.Analyze(context.Background(), Fresh(recs), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome, res.Reason())

	set := res.Payload
	assert.Equal(t, data.ProvenanceExtraction, set.Provenance)
	require.Len(t, set.Evaluations, 2)
	assert.Equal(t, "google_ads", set.Evaluations[0].Record.Channel, "evaluations are sorted by channel")
	assert.InDelta(t, 0.5, set.Evaluations[0].Record.CPC, 1e-9)
	assert.InDelta(t, 5.0, set.Evaluations[0].Record.CostPerConversion, 1e-9)
	assert.InDelta(t, 0.04, set.Evaluations[0].CTR, 1e-9)
	assert.Zero(t, set.Evaluations[0].BaselineDays)
	assert.Empty(t, set.Anomalies)
	assert.Equal(t, data.Totals{Impressions: 1200, Clicks: 50, Spend: 25, Conversions: 4}, set.Totals)
}

func TestAnalyze_FlagsSpendSpike(t *testing.T) {
	wh := &memWarehouse{}
	wh.seedBaseline(brand(10, 40), 7)
	a := New(wh, "t", Options{}, nil, nil)

	res := a.Analyze(context.Background(), Fresh([]data.RawRecord{brand(30, 40)}), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome, res.Reason())

	e := res.Payload.Evaluations[0]
	require.NotNil(t, e.Baseline)
	assert.Equal(t, 7, e.BaselineDays)
	assert.InDelta(t, 10, e.Baseline.Spend, 1e-9)

	// spend tripled, cpc tripled; clicks and conversions are flat.
	require.Len(t, res.Payload.Anomalies, 2)
	for _, an := range res.Payload.Anomalies {
		assert.Equal(t, "spike", an.Kind)
		assert.Equal(t, data.SeverityHigh, an.Severity)
		assert.InDelta(t, 2.0, an.Deviation, 1e-9)
		assert.Contains(t, []string{"spend", "cpc"}, an.Metric)
	}
	assert.Contains(t, res.Payload.Anomalies[0].Explanation, "rose 200% against its 7-day average")
}

func TestAnalyze_SeverityAndDirection(t *testing.T) {
	spend, _ := Resolve([]string{"spend"})
	e := data.MetricEvaluation{
		Record:       brand(2.5, 40),
		BaselineDays: 5,
		Baseline:     &data.Baseline{Spend: 10},
	}
	an, ok := Detect(spend[0], e, 0.5)
	require.True(t, ok)
	assert.Equal(t, "drop", an.Kind)
	assert.Equal(t, data.SeverityMedium, an.Severity)
	assert.InDelta(t, -0.75, an.Deviation, 1e-9)

	e.Record.Spend = 14
	_, ok = Detect(spend[0], e, 0.5)
	assert.False(t, ok, "a 40% move stays under the ratio")

	e.Baseline.Spend = 0
	_, ok = Detect(spend[0], e, 0.5)
	assert.False(t, ok, "a zero baseline is never flagged")
}

func TestAnalyze_SkipsShortBaseline(t *testing.T) {
	wh := &memWarehouse{}
	wh.seedBaseline(brand(10, 40), 2)
	a := New(wh, "t", Options{MinBaselineDays: 3}, nil, nil)

	res := a.Analyze(context.Background(), Fresh([]data.RawRecord{brand(100, 400)}), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome)
	assert.Nil(t, res.Payload.Evaluations[0].Baseline)
	assert.Empty(t, res.Payload.Anomalies)
}

func TestAnalyze_BaselineQueryFailureIsPartial(t *testing.T) {
	wh := &memWarehouse{queryErr: func(warehouse.Filter) error { return errors.New("db locked") }}
	a := New(wh, "t", Options{}, nil, nil)

	res := a.Analyze(context.Background(), Fresh([]data.RawRecord{brand(10, 40)}), day)
	require.Equal(t, stage.OutcomePartial, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Warning, "baseline_unavailable"), res.Warning)
	assert.Contains(t, res.Payload.Notices, NoticeBaselineMissing)
	assert.Len(t, res.Payload.Evaluations, 1)
}

func TestAnalyze_NarrativeFailureIsPartial(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("quota exceeded")}
	a := New(&memWarehouse{}, "t", Options{}, nil, sum)

	res := a.Analyze(context.Background(), Fresh([]data.RawRecord{brand(10, 40)}), day)
	require.Equal(t, stage.OutcomePartial, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Warning, "narrative_unavailable"), res.Warning)
	assert.Empty(t, res.Payload.Narrative)
	assert.Len(t, res.Payload.Evaluations, 1, "numeric insights survive")
}

func TestAnalyze_NarrativeAttached(t *testing.T) {
	sum := &fakeSummarizer{text: "Spend was steady."}
	a := New(&memWarehouse{}, "t", Options{}, nil, sum)

	res := a.Analyze(context.Background(), Fresh([]data.RawRecord{brand(10, 40)}), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "Spend was steady.", res.Payload.Narrative)
}

func TestAnalyze_EmptyInputSkipsNarrative(t *testing.T) {
	sum := &fakeSummarizer{text: "x"}
	wh := &memWarehouse{}
	a := New(wh, "t", Options{}, nil, sum)

	res := a.Analyze(context.Background(), Fresh(nil), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome)
	assert.True(t, res.Payload.Empty())
	assert.Zero(t, sum.calls)
	assert.Zero(t, wh.queries)
}

func TestAnalyze_FallbackReadsWarehouse(t *testing.T) {
	wh := &memWarehouse{}
	stored := brand(10, 40)
	wh.rows = append(wh.rows, stored.Row("google_ads"))
	prev := brand(9, 40)
	prev.Date = day.AddDays(-1)
	wh.rows = append(wh.rows, prev.Row("google_ads"))

	res := New(wh, "t", Options{}, nil, nil).Analyze(context.Background(), FromWarehouse(), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome, res.Reason())
	assert.Equal(t, data.ProvenanceWarehouse, res.Payload.Provenance)
	assert.Contains(t, res.Payload.Notices, NoticeFallback)
	require.Len(t, res.Payload.Evaluations, 1)
	assert.Equal(t, day, res.Payload.Evaluations[0].Record.Date)
}

func TestAnalyze_FallbackWithNothingStoredIsEmpty(t *testing.T) {
	wh := &memWarehouse{}
	prev := brand(9, 40)
	prev.Date = day.AddDays(-1)
	wh.rows = append(wh.rows, prev.Row("google_ads"))

	res := New(wh, "t", Options{}, nil, nil).Analyze(context.Background(), FromWarehouse(), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome)
	assert.True(t, res.Payload.Empty())
}

func TestAnalyze_FallbackQueryFailureIsNumericError(t *testing.T) {
	wh := &memWarehouse{queryErr: func(warehouse.Filter) error { return errors.New("no such table") }}
	res := New(wh, "t", Options{}, nil, nil).Analyze(context.Background(), FromWarehouse(), day)
	require.Equal(t, stage.OutcomeFailure, res.Outcome)
	assert.Equal(t, stage.KindAnalysis, res.Err.Kind)
	assert.Equal(t, stage.CauseNumeric, res.Cause())
}

func TestAnalyze_NonFiniteIsNumericError(t *testing.T) {
	rec := brand(math.Inf(1), 40)
	res := New(&memWarehouse{}, "t", Options{}, nil, nil).Analyze(context.Background(), Fresh([]data.RawRecord{rec}), day)
	require.Equal(t, stage.OutcomeFailure, res.Outcome)
	assert.Equal(t, stage.CauseNumeric, res.Cause())
}

func TestResolve(t *testing.T) {
	all, err := Resolve(nil)
	require.NoError(t, err)
	var ids []string
	for _, d := range all {
		ids = append(ids, d.ID())
	}
	assert.Equal(t, []string{"clicks", "conversions", "cpc", "spend"}, ids)

	some, err := Resolve([]string{" SPEND ", "spend", "cpc"})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	_, err = Resolve([]string{"ctr"})
	assert.Error(t, err)
}

func TestAnalyze_DuplicateCampaignCountedOnce(t *testing.T) {
	a := New(&memWarehouse{}, "t", Options{}, nil, nil)
	recs := []data.RawRecord{
		brand(10, 5),
		{Channel: "meta_ads", CampaignName: "Brand", Impressions: 300, Clicks: 3, Spend: 1, Date: day},
		brand(40, 20),
	}

	res := a.Analyze(context.Background(), Fresh(recs), day)
	require.Equal(t, stage.OutcomeSuccess, res.Outcome, res.Reason())

	set := res.Payload
	require.Len(t, set.Evaluations, 2, "same campaign on another channel is a different row")
	assert.Equal(t, "google_ads", set.Evaluations[0].Record.Channel)
	assert.Equal(t, 40.0, set.Evaluations[0].Record.Spend, "the last duplicate wins")
	assert.Equal(t, data.Totals{Impressions: 1300, Clicks: 23, Spend: 41, Conversions: 2}, set.Totals)
}
