package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		verbose   bool
		format    string
		wantDebug bool
	}{
		{name: "default", format: "", wantDebug: false},
		{name: "json_verbose", verbose: true, format: "json", wantDebug: true},
		{name: "console", format: "console", wantDebug: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.verbose, tt.format)
			if err != nil {
				t.Fatalf("New() returned error: %v", err)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Fatalf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	if _, err := New(false, "logfmt"); err == nil {
		t.Fatalf("expected error, got nil")
	}
}
