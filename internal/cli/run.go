package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"adreport/internal/config"
	"adreport/internal/engine"
	"adreport/internal/flags"
	"adreport/internal/logging"

	"github.com/spf13/cobra"
)

const runHelpTemplate = `{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}Usage:
  {{.UseLine}}

{{if .HasAvailableLocalFlags}}Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableInheritedFlags}}Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}Environment:
  Credentials are read from the environment, never from the config file.

  GOOGLE_ADS_DEVELOPER_TOKEN  Google Ads developer token
  GOOGLE_ADS_ACCESS_TOKEN     Google Ads OAuth access token
  META_ACCESS_TOKEN           Meta Marketing API access token
  GEMINI_API_KEY              Gemini API key (analysis.narrative.enabled)
  SMTP_PASSWORD               SMTP password (notify.transport: smtp)
  GMAIL_ACCESS_TOKEN          Gmail API access token (notify.transport: gmail)
  ADREPORT_RECIPIENT          Overrides notify.recipient
  ADREPORT_WAREHOUSE_DSN      Overrides warehouse.dsn
  ADREPORT_TIMEZONE           Overrides timezone

  A missing ads token fails only that source; the other sources still run.
  A missing Gemini key or Gmail token costs only the narrative or the email.

{{if .HasAvailableSubCommands}}Available Commands:
{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}{{if .HasAvailableSubCommands}}Use "{{.CommandPath}} [command] --help" for more information about a command.
{{end}}`

// runOpts holds run flag values. They are applied on top of the loaded
// config, so a flag left unset keeps the file's value.
var runOpts struct {
	date    string
	sources []string
	set     []string
	output  config.Output
	timeout time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the report pipeline for one day",
	Long: `Run the report pipeline for one day: extract, load, analyze, report, notify.

The report date defaults to yesterday in the configured timezone. Running the
same date again replaces that day's warehouse rows rather than duplicating
them, and renders the same report.

Output:
	Console output is controlled by --console-format (default: json, which
	prints the run record with "status" as its first field).
	Structured outputs can be written via:
	- --out / --out-format: write the run record or an NDJSON event stream to a file
	- --emit: write an additional structured stream to stdout (json or ndjson)
	- --report: write the rendered HTML report to a file
	- --no-console: suppress the console sink

	NDJSON mode emits one JSON object per line. Objects are lifecycle Events with a
	"type" field (run.started, stage.finished, run.finished).

Exit codes:
	0 = success, every stage succeeded
	1 = failed, no report was produced
	2 = partial, a report was produced but some stage degraded or failed
	3 = fatal error (invalid date or configuration; no stage ran)

Examples:
  # Yesterday's report
  adreport run --config adreport.yaml

  # Backfill a day using only Meta
  adreport run --config adreport.yaml --date 2024-01-15 --sources meta_ads

  # Override a source option
  adreport run --config adreport.yaml --set google_ads.customer_id=123-456-7890

  # Stream machine-readable events to stdout
  adreport run --config adreport.yaml --no-console --emit ndjson
`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(func(cfg *config.Config) { applyRunFlags(cmd, cfg) })
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(engine.ExitFatal)
		}
		os.Exit(runReport(cmd.Context(), cfg, runOpts.date, cmd.OutOrStdout(), cmd.ErrOrStderr()))
	},
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	cfg.Enable = runOpts.sources
	cfg.Set = runOpts.set
	cfg.Output = runOpts.output
	if changed(cmd, flags.FlagTimeout) {
		cfg.Runtime.Timeout = runOpts.timeout
	}
}

// runReport executes one run and returns the process exit code.
func runReport(ctx context.Context, cfg *config.Config, rawDate string, stdout, stderr io.Writer) int {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logging.New(cfg.Runtime.Verbose, cfg.Runtime.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}
	defer func() { _ = logger.Sync() }()

	outMgr, err := engine.NewOutputManager(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}

	eng, closeWarehouse, err := buildEngine(ctx, cfg, logger, outMgr)
	if err != nil {
		_ = outMgr.Close()
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return engine.ExitFatal
	}
	defer func() { _ = closeWarehouse() }()

	ctx, cancel := context.WithTimeout(ctx, cfg.Runtime.Timeout)
	defer cancel()

	rec, runErr := eng.Run(ctx, rawDate)
	if err := outMgr.Close(); err != nil {
		fmt.Fprintf(stderr, "Error: writing output: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return engine.ExitFatal
	}
	return rec.ExitCode()
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.SetHelpTemplate(runHelpTemplate)

	// MAINTAINER NOTE: the report footer prints a rerun command built from
	// flags.FlagDate (internal/report). Keep it in sync if --date changes.

	// Run selection
	runCmd.Flags().StringVar(&runOpts.date, flags.FlagDate, "", "Report date as YYYY-MM-DD (default: yesterday in the configured timezone)")
	runCmd.Flags().StringSliceVar(&runOpts.sources, flags.FlagSources, nil, "Restrict the run to these sources (repeatable; comma-separated accepted)")
	runCmd.Flags().StringSliceVar(&runOpts.set, flags.FlagSet, nil, "Per-source options as source.option=value (repeatable; comma-separated accepted)")

	// Output
	runCmd.Flags().StringVar(&runOpts.output.ConsoleFormat, flags.FlagConsoleFormat, "json", "Console output format: text|json|ndjson (default: json)")
	runCmd.Flags().StringVar(&runOpts.output.Report, flags.FlagReport, "", "Write the rendered HTML report to this path")
	runCmd.Flags().StringVar(&runOpts.output.Out, flags.FlagOut, "", "Write structured output to this path")
	runCmd.Flags().StringVar(&runOpts.output.OutFormat, flags.FlagOutFormat, "", "Structured output format for --out: json|ndjson (default: inferred from file extension)")
	runCmd.Flags().StringSliceVar(&runOpts.output.Emit, flags.FlagEmit, nil, "Emit additional structured stream to stdout: json|ndjson (repeatable; comma-separated accepted)")
	runCmd.Flags().BoolVar(&runOpts.output.NoConsole, flags.FlagNoConsole, false, "Suppress console output (use with --emit/--out/--report)")

	// Runtime
	runCmd.Flags().DurationVar(&runOpts.timeout, flags.FlagTimeout, 0, "Bound the whole run (default: runtime.timeout, 5m)")
}
