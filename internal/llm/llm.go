package llm

import (
	"context"
	"fmt"
	"strings"

	"adreport/internal/data"
)

// Summarizer turns the numeric analysis of one day into a short narrative.
type Summarizer interface {
	Summarize(ctx context.Context, set data.InsightSet) (string, error)
}

const systemInstruction = `You are a marketing analyst writing the summary paragraph of a daily ads performance email.
Write at most five sentences of plain text. Mention total spend, clicks and conversions, then the most important anomalies.
Do not invent numbers that are not in the data. Do not use markdown.`

// BuildPrompt renders the metrics of set as the user prompt. The output only
// depends on set, so identical analyses produce identical prompts.
func BuildPrompt(set data.InsightSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report date: %s\n", set.ReportDate)
	fmt.Fprintf(&b, "Data source: %s\n", set.Provenance)
	fmt.Fprintf(&b, "Totals: impressions=%d clicks=%d spend=%.2f conversions=%.2f\n",
		set.Totals.Impressions, set.Totals.Clicks, set.Totals.Spend, set.Totals.Conversions)

	b.WriteString("\nCampaigns:\n")
	for _, e := range set.Evaluations {
		r := e.Record
		fmt.Fprintf(&b, "- [%s] %s: impressions=%d clicks=%d ctr=%.4f spend=%.2f cpc=%.2f conversions=%.2f cost_per_conversion=%.2f\n",
			r.Channel, r.CampaignName, r.Impressions, r.Clicks, e.CTR, r.Spend, r.CPC, r.Conversions, r.CostPerConversion)
	}

	if len(set.Anomalies) == 0 {
		b.WriteString("\nAnomalies: none\n")
	} else {
		b.WriteString("\nAnomalies:\n")
		for _, a := range set.Anomalies {
			fmt.Fprintf(&b, "- (%s) %s\n", a.Severity, a.Explanation)
		}
	}
	return b.String()
}

// Unavailable is a Summarizer that always fails with Err. It stands in for a
// narrative backend that could not be configured, so analysis still runs and
// only the narrative is missing.
type Unavailable struct {
	Err error
}

func (u Unavailable) Summarize(context.Context, data.InsightSet) (string, error) {
	return "", u.Err
}
