package engine

import (
	"time"

	"adreport/internal/data"
	"adreport/internal/stage"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Stage names as they appear in run records and events.
const (
	StageExtract = "extract"
	StageLoad    = "load"
	StageAnalyze = "analyze"
	StageReport  = "report"
	StageNotify  = "notify"
)

// OutcomeSkipped marks a stage that did not run because an earlier stage failed.
const OutcomeSkipped stage.Outcome = "skipped"

// Exit code contract:
// 0 = success
// 1 = failed (no report was produced)
// 2 = partial (a stage failed, was skipped or degraded)
// 3 = fatal (invalid date or configuration; no stage ran)
const (
	ExitSuccess = 0
	ExitFailed  = 1
	ExitPartial = 2
	ExitFatal   = 3
)

// StageSummary records how one stage went.
type StageSummary struct {
	Stage      string        `json:"stage"`
	Outcome    stage.Outcome `json:"outcome"`
	Cause      stage.Cause   `json:"cause,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Rows       int           `json:"rows,omitempty"`
	Bytes      int           `json:"bytes,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

// RunRecord is the inspectable result of one run. It is assembled by the
// engine and not modified after Run returns.
type RunRecord struct {
	Status       Status             `json:"status"`
	RunID        string             `json:"run_id"`
	ReportDate   data.ReportDate    `json:"report_date"`
	StartedAt    time.Time          `json:"started_at"`
	DurationMS   int64              `json:"duration_ms"`
	Stages       []StageSummary     `json:"stages"`
	Report       *data.Report       `json:"report,omitempty"`
	Confirmation *data.Confirmation `json:"confirmation,omitempty"`
}

// Stage returns the summary for name.
func (r *RunRecord) Stage(name string) (StageSummary, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageSummary{}, false
}

// ExitCode maps the run status to the CLI exit code.
func (r *RunRecord) ExitCode() int {
	switch r.Status {
	case StatusSuccess:
		return ExitSuccess
	case StatusPartial:
		return ExitPartial
	default:
		return ExitFailed
	}
}

// statusOf applies the status rules: failed iff the report stage failed,
// partial if any stage was not a clean success.
func statusOf(stages []StageSummary) Status {
	status := StatusSuccess
	for _, s := range stages {
		if s.Stage == StageReport && s.Outcome == stage.OutcomeFailure {
			return StatusFailed
		}
		if s.Outcome != stage.OutcomeSuccess {
			status = StatusPartial
		}
	}
	return status
}
