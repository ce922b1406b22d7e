package cli

import (
	"fmt"
	"io"
	"strings"

	"adreport/internal/analyzer"
	"adreport/internal/extract"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listQuiet bool

const listRule = "----------------------------------------"

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List ads data sources",
	Long: `Inspect the ads data sources built into this binary.

Sources are enabled in the config file (sources.<name>.enabled) or per run
with --sources.

Examples:
  adreport sources list
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available sources",
	Long: `List all sources registered in this build, sorted by name.

Output:
  ----------------------------------------
  SOURCE: {NAME}
  ----------------------------------------
  {DESCRIPTION}
  Credentials: {ENVIRONMENT VARIABLES}
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, r := range extract.List() {
			if listQuiet {
				fmt.Fprintln(cmd.OutOrStdout(), r.Name)
				continue
			}
			printSource(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

var detectorsCmd = &cobra.Command{
	Use:   "detectors",
	Short: "List anomaly detectors",
	Long: `Inspect the anomaly detectors built into this binary.

Detectors are selected with analysis.detectors in the config file; empty
selects all of them.

Examples:
  adreport detectors list
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var detectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available detectors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, d := range analyzer.List() {
			if listQuiet {
				fmt.Fprintln(cmd.OutOrStdout(), d.ID())
				continue
			}
			printDetector(cmd.OutOrStdout(), d)
		}
		return nil
	},
}

func printSource(w io.Writer, r extract.Registration) {
	bold := color.New(color.Bold)
	fmt.Fprintln(w, listRule)
	bold.Fprintf(w, "SOURCE: %s\n", r.Name)
	fmt.Fprintln(w, listRule)
	fmt.Fprintln(w, r.Description)
	if len(r.EnvKeys) > 0 {
		fmt.Fprintf(w, "Credentials: %s\n", strings.Join(r.EnvKeys, ", "))
	}
	fmt.Fprintln(w)
}

func printDetector(w io.Writer, d analyzer.Detector) {
	bold := color.New(color.Bold)
	fmt.Fprintln(w, listRule)
	bold.Fprintf(w, "DETECTOR: %s\n", d.ID())
	fmt.Fprintln(w, listRule)
	fmt.Fprintf(w, "Metric: %s\n", d.Metric())
	fmt.Fprintln(w, d.Description())
	fmt.Fprintln(w)
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	rootCmd.AddCommand(detectorsCmd)
	detectorsCmd.AddCommand(detectorsListCmd)
	sourcesListCmd.Flags().BoolVarP(&listQuiet, "quiet", "q", false, "Only print source names")
	detectorsListCmd.Flags().BoolVarP(&listQuiet, "quiet", "q", false, "Only print detector IDs")
}
