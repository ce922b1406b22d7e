package data

// Provenance records where the analysed records came from.
type Provenance string

const (
	ProvenanceExtraction Provenance = "extraction"
	ProvenanceWarehouse  Provenance = "warehouse"
)

type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// MetricEvaluation holds the derived metrics of one record together with its
// trailing baseline, when one exists.
type MetricEvaluation struct {
	Record RawRecord `json:"record"`

	// CTR is clicks per impression (0 when there were no impressions).
	CTR float64 `json:"ctr"`

	// BaselineDays is the number of trailing days that contributed to Baseline.
	// Zero means no baseline was available and anomaly detection was skipped.
	BaselineDays int       `json:"baseline_days"`
	Baseline     *Baseline `json:"baseline,omitempty"`
}

// Baseline is the trailing mean of a campaign's metrics.
type Baseline struct {
	Spend       float64 `json:"spend"`
	Clicks      float64 `json:"clicks"`
	Conversions float64 `json:"conversions"`
	CPC         float64 `json:"cpc"`
}

// Anomaly flags a metric that deviated from its trailing baseline.
type Anomaly struct {
	Kind         string   `json:"kind"`
	Metric       string   `json:"metric"`
	Channel      string   `json:"channel"`
	CampaignName string   `json:"campaign_name"`
	Severity     Severity `json:"severity"`
	Current      float64  `json:"current"`
	Baseline     float64  `json:"baseline"`
	Deviation    float64  `json:"deviation"`
	Explanation  string   `json:"explanation"`
}

// Totals aggregates all evaluated records.
type Totals struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Spend       float64 `json:"spend"`
	Conversions float64 `json:"conversions"`
}

// InsightSet is the structured output of the analysis stage. The zero value
// (no evaluations, no anomalies) is valid and still renders a report.
type InsightSet struct {
	ReportDate  ReportDate         `json:"report_date"`
	Provenance  Provenance         `json:"provenance,omitempty"`
	Evaluations []MetricEvaluation `json:"evaluations"`
	Anomalies   []Anomaly          `json:"anomalies"`
	Totals      Totals             `json:"totals"`
	Narrative   string             `json:"narrative,omitempty"`

	// Notices are degraded-mode messages shown at the top of the report.
	Notices []string `json:"notices,omitempty"`
}

func (s InsightSet) Empty() bool {
	return len(s.Evaluations) == 0
}
