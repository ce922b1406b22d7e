package cli

import (
	"fmt"
	"os"

	"adreport/internal/flags"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// Global flags shared by every command that loads a configuration.
var (
	configPath string
	verbose    bool
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "adreport",
	Short: "Build and deliver the daily marketing performance report",
	Long: `adreport pulls yesterday's campaign metrics from the ad platforms, stores them
in the warehouse, flags anomalies against the trailing baseline and emails the
resulting report.

A stage that fails does not stop the run: the report is still produced from
whatever data is available, and the run record says what went wrong.

Examples:
	# Show available commands and global flags
	adreport --help

	# Report on yesterday using a config file
	adreport run --config adreport.yaml

	# Re-run a specific day (idempotent)
	adreport run --config adreport.yaml --date 2024-01-15

	# Serve the HTTP trigger
	adreport serve --config adreport.yaml

	# Print build info
	adreport version

Output:
	The run record is written to stdout; logs go to stderr.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, flags.FlagConfig, os.Getenv("ADREPORT_CONFIG"), "Path to a YAML or TOML config file (default: $ADREPORT_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&verbose, flags.FlagVerbose, false, "Enable verbose logging (debug level and every ads API call)")
	rootCmd.PersistentFlags().StringVar(&logFormat, flags.FlagLogFormat, "", "Log format: json|console (default: from config, else json)")
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
