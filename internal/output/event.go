package output

import (
	"io"

	"adreport/internal/data"
)

// Event types written by the orchestrator.
const (
	EventRunStarted    = "run.started"
	EventStageFinished = "stage.finished"
	EventRunFinished   = "run.finished"
)

// Event is a lifecycle record for NDJSON streaming output.
//
// In NDJSON mode, sinks emit every Event (one JSON object per line).
// JSON mode writes only the run record carried by run.finished.
type Event struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id"`
	ReportDate string `json:"report_date,omitempty"`

	// stage.finished
	Stage      string `json:"stage,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Cause      string `json:"cause,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// run.finished
	Status   string `json:"status,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Record   any    `json:"record,omitempty"`

	// Report is the rendered report, if any. It is not serialized; ReportSink
	// writes its HTML body.
	Report *data.Report `json:"-"`
}

// flushLine pushes a streamed NDJSON line through buffered writers so that
// a consumer tailing the stream sees each event as it happens.
func flushLine(w io.Writer) error {
	switch f := w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}
