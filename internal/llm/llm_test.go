package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"adreport/internal/data"
)

func sampleSet() data.InsightSet {
	d := data.NewReportDate(2024, time.January, 15)
	return data.InsightSet{
		ReportDate: d,
		Provenance: data.ProvenanceExtraction,
		Evaluations: []data.MetricEvaluation{
			{Record: data.RawRecord{Channel: "google_ads", CampaignName: "Brand", Impressions: 1000, Clicks: 50, Spend: 25, CPC: 0.5, Date: d}, CTR: 0.05},
		},
		Anomalies: []data.Anomaly{
			{Metric: "spend", Severity: data.SeverityHigh, Explanation: "Brand spend rose 150% above its 7-day average"},
		},
		Totals: data.Totals{Impressions: 1000, Clicks: 50, Spend: 25},
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(sampleSet())
	for _, want := range []string{
		"Report date: 2024-01-15",
		"Data source: extraction",
		"Totals: impressions=1000 clicks=50 spend=25.00",
		"- [google_ads] Brand:",
		"- (high) Brand spend rose 150%",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
	if p != BuildPrompt(sampleSet()) {
		t.Fatalf("prompt must be deterministic")
	}
}

func TestBuildPrompt_NoAnomalies(t *testing.T) {
	set := sampleSet()
	set.Anomalies = nil
	if !strings.Contains(BuildPrompt(set), "Anomalies: none") {
		t.Fatalf("expected explicit no-anomaly line")
	}
}

func TestNewGemini_RequiresAPIKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), "", ""); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestUnavailable_ReturnsItsError(t *testing.T) {
	cause := errors.New("GEMINI_API_KEY is not set")
	var s Summarizer = Unavailable{Err: cause}
	text, err := s.Summarize(context.Background(), sampleSet())
	if !errors.Is(err, cause) || text != "" {
		t.Fatalf("Summarize = %q, %v", text, err)
	}
}
