package extract

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adreport/internal/data"
	"adreport/internal/stage"
)

type fakeSource struct {
	name    string
	records []data.RawRecord
	err     error
	calls   atomic.Int32
	delay   time.Duration
	panics  bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, _ data.ReportDate) ([]data.RawRecord, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.records, f.err
}

var day = data.NewReportDate(2024, time.January, 15)

func TestExtract_AllSourcesSucceed(t *testing.T) {
	google := &fakeSource{name: "google_ads", records: []data.RawRecord{
		{CampaignName: "Brand", Clicks: 10, Spend: 5},
		{CampaignName: "Generic", Clicks: 20, Spend: 7},
	}}
	meta := &fakeSource{name: "meta_ads"}

	res := New([]Source{meta, google}, 0).Extract(context.Background(), day)
	if res.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason())
	}
	if len(res.Payload.Batches) != 2 {
		t.Fatalf("expected one batch per source, got %d", len(res.Payload.Batches))
	}
	if res.Payload.Batches[0].Source != "google_ads" || res.Payload.Batches[1].Source != "meta_ads" {
		t.Fatalf("batches not in source order: %+v", res.Payload.Batches)
	}
	if len(res.Payload.Batches[1].Records) != 0 {
		t.Fatalf("meta batch should be empty")
	}
	for _, rec := range res.Payload.Records() {
		if rec.Channel != "google_ads" || rec.Date != day {
			t.Fatalf("record not normalized: %+v", rec)
		}
	}
}

func TestExtract_PartialWhenOneSourceFails(t *testing.T) {
	google := &fakeSource{name: "google_ads", records: []data.RawRecord{{CampaignName: "Brand"}}}
	meta := &fakeSource{name: "meta_ads", err: stage.New(stage.KindSource, stage.CauseAuth, "meta_ads fetch", errors.New("expired"))}

	res := New([]Source{google, meta}, 1).Extract(context.Background(), day)
	if res.Outcome != stage.OutcomePartial {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !strings.Contains(res.Warning, "meta_ads (auth_error)") {
		t.Fatalf("warning = %q", res.Warning)
	}
	if got := res.Payload.Failures["meta_ads"].Cause; got != stage.CauseAuth {
		t.Fatalf("meta failure cause = %q", got)
	}
	if len(res.Payload.Batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(res.Payload.Batches))
	}
}

func TestExtract_FailureWhenAllSourcesFail(t *testing.T) {
	google := &fakeSource{name: "google_ads", err: stage.New(stage.KindSource, stage.CauseRateLimited, "google_ads fetch", nil)}
	meta := &fakeSource{name: "meta_ads", err: errors.New("connection reset")}

	res := New([]Source{google, meta}, 0).Extract(context.Background(), day)
	if res.Outcome != stage.OutcomeFailure {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Cause() != stage.CauseRateLimited {
		t.Fatalf("cause = %q", res.Cause())
	}
	if !strings.Contains(res.Reason(), "meta_ads (transport_error)") {
		t.Fatalf("reason = %q", res.Reason())
	}
}

func TestExtract_RecoversPanickingSource(t *testing.T) {
	res := New([]Source{&fakeSource{name: "google_ads", panics: true}}, 0).Extract(context.Background(), day)
	if res.Outcome != stage.OutcomeFailure || res.Cause() != stage.CauseInternal {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExtract_RejectsForeignDateAndNaN(t *testing.T) {
	tests := []struct {
		name string
		rec  data.RawRecord
		want stage.Cause
	}{
		{name: "date", rec: data.RawRecord{CampaignName: "x", Date: day.AddDays(-1)}, want: stage.CauseUpstream},
		{name: "nan", rec: data.RawRecord{CampaignName: "x", Spend: math.NaN()}, want: stage.CauseDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{name: "meta_ads", records: []data.RawRecord{tt.rec}}
			res := New([]Source{src}, 0).Extract(context.Background(), day)
			if res.Outcome != stage.OutcomeFailure || res.Cause() != tt.want {
				t.Fatalf("got %s/%s, want failure/%s", res.Outcome, res.Cause(), tt.want)
			}
		})
	}
}

func TestExtract_NoSourcesOrZeroDate(t *testing.T) {
	if res := New(nil, 0).Extract(context.Background(), day); res.Cause() != stage.CauseConfig {
		t.Fatalf("cause = %q", res.Cause())
	}
	src := &fakeSource{name: "meta_ads"}
	if res := New([]Source{src}, 0).Extract(context.Background(), data.ReportDate{}); res.Cause() != stage.CauseConfig {
		t.Fatalf("cause = %q", res.Cause())
	}
	if src.calls.Load() != 0 {
		t.Fatalf("source must not be called for a zero date")
	}
}

func TestExtract_ConcurrentRunsShareFetch(t *testing.T) {
	src := &fakeSource{name: "google_ads", delay: 100 * time.Millisecond, records: []data.RawRecord{{CampaignName: "Brand"}}}
	ex := New([]Source{src}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := ex.Extract(context.Background(), day); !res.OK() {
				t.Errorf("extract failed: %s", res.Reason())
			}
		}()
	}
	wg.Wait()

	if got := src.calls.Load(); got != 1 {
		t.Fatalf("got %d fetches, want 1", got)
	}
}

func TestExtract_CanceledContextIsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{name: "google_ads", delay: time.Second}
	res := New([]Source{src}, 0).Extract(ctx, day)
	if res.Cause() != stage.CauseTimeout {
		t.Fatalf("cause = %q", res.Cause())
	}
}
