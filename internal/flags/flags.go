package flags

// Package flags defines canonical CLI flag names shared across the CLI and engine.
// Keeping these as constants helps avoid drift between Cobra flag wiring and other
// code paths that need to reference flags (e.g. the rerun command printed in the
// HTML report footer).
// IMPORTANT: These are flag *names* without leading dashes.
// Example usage:
//
//	cmd.Flags().StringVar(&rawDate, flags.FlagDate, "", "...")
//	arg := "--" + flags.FlagDate
const (
	// Run selection
	FlagDate    = "date"
	FlagConfig  = "config"
	FlagSources = "sources"
	FlagSet     = "set"

	// Output
	FlagConsoleFormat = "console-format"
	FlagReport        = "report"
	FlagOut           = "out"
	FlagOutFormat     = "out-format"
	FlagEmit          = "emit"
	FlagNoConsole     = "no-console"

	// Runtime
	FlagTimeout   = "timeout"
	FlagVerbose   = "verbose"
	FlagLogFormat = "log-format"

	// Serve / token
	FlagListen  = "listen"
	FlagSubject = "subject"
	FlagTTL     = "ttl"
)
