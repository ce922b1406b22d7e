package output

import (
	"fmt"
	"os"
	"sync"
)

// ReportSink writes the HTML body of the rendered report to a file when the
// run finishes. If no report was rendered the file is removed.
type ReportSink struct {
	path string
	file *os.File
	mu   sync.Mutex
	html string
	have bool
}

func NewReportSink(path string) (*ReportSink, error) {
	if path == "" {
		return nil, fmt.Errorf("report path required")
	}

	// Created upfront so an unwritable path fails before the run starts.
	f, err := createWithDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file: %w", err)
	}
	return &ReportSink{path: path, file: f}, nil
}

func (s *ReportSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := v.(Event)
	if !ok || e.Type != EventRunFinished || e.Report == nil {
		return nil
	}
	s.html = e.Report.HTML
	s.have = true
	return nil
}

func (s *ReportSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.have {
		_ = s.file.Close()
		return os.Remove(s.path)
	}
	if _, err := s.file.WriteString(s.html); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
