package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

type ConsoleSink struct {
	writer io.Writer
	format string // "text", "json", "ndjson"
	mu     sync.Mutex
	record any // run.finished record for JSON output
}

func NewConsoleSink(w io.Writer, format string) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	if format == "" {
		format = "json"
	}
	return &ConsoleSink{writer: w, format: format}
}

func (s *ConsoleSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(v)
}

func (s *ConsoleSink) writeLocked(v any) error {
	e, ok := v.(Event)
	if !ok {
		return nil
	}

	switch s.format {
	case "json":
		if e.Type == EventRunFinished {
			s.record = e.Record
		}
		return nil
	case "ndjson":
		if err := json.NewEncoder(s.writer).Encode(e); err != nil {
			return err
		}
		return flushLine(s.writer)
	case "text":
		var err error
		switch e.Type {
		case EventStageFinished:
			_, err = fmt.Fprintf(s.writer, "%s %s", outcomeTag(e.Outcome), e.Stage)
			if err == nil && e.Reason != "" {
				_, err = fmt.Fprintf(s.writer, " - %s", e.Reason)
			}
			if err == nil {
				_, err = fmt.Fprintln(s.writer)
			}
		case EventRunFinished:
			_, err = fmt.Fprintf(s.writer, "run %s for %s: %s\n", e.RunID, e.ReportDate, e.Status)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		return flushLine(s.writer)
	default:
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
}

func (s *ConsoleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.format {
	case "json":
		if s.record == nil {
			return nil
		}
		return writeIndented(s.writer, s.record)
	case "text", "ndjson":
		return nil
	default:
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
}

func writeIndented(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return flushLine(w)
}

// outcomeTag colors the bracketed outcome. fatih/color drops the escape codes
// when stdout is not a terminal.
func outcomeTag(outcome string) string {
	tag := "[" + outcome + "]"
	switch outcome {
	case "success":
		return color.GreenString(tag)
	case "partial", "skipped":
		return color.YellowString(tag)
	case "failure":
		return color.RedString(tag)
	default:
		return tag
	}
}
