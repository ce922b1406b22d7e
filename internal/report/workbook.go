package report

import (
	"bytes"
	"fmt"

	"adreport/internal/data"

	"github.com/tealeg/xlsx/v3"
)

var (
	campaignHeader = []string{"Channel", "Campaign", "Impressions", "Clicks", "CTR", "Spend", "CPC", "Conversions", "Cost per conversion", "Baseline days"}
	anomalyHeader  = []string{"Severity", "Channel", "Campaign", "Metric", "Current", "Baseline", "Deviation", "Explanation"}
)

// buildWorkbook exports the evaluations and anomalies of set as an .xlsx file.
func buildWorkbook(set data.InsightSet) ([]byte, error) {
	f := xlsx.NewFile()

	campaigns, err := f.AddSheet("Campaigns")
	if err != nil {
		return nil, fmt.Errorf("add campaigns sheet: %w", err)
	}
	addHeader(campaigns, campaignHeader)
	for _, e := range set.Evaluations {
		rec := e.Record
		row := campaigns.AddRow()
		row.AddCell().SetString(rec.Channel)
		row.AddCell().SetString(rec.CampaignName)
		row.AddCell().SetInt64(rec.Impressions)
		row.AddCell().SetInt64(rec.Clicks)
		row.AddCell().SetFloat(e.CTR)
		row.AddCell().SetFloat(rec.Spend)
		row.AddCell().SetFloat(rec.CPC)
		row.AddCell().SetFloat(rec.Conversions)
		row.AddCell().SetFloat(rec.CostPerConversion)
		row.AddCell().SetInt(e.BaselineDays)
	}

	anomalies, err := f.AddSheet("Anomalies")
	if err != nil {
		return nil, fmt.Errorf("add anomalies sheet: %w", err)
	}
	addHeader(anomalies, anomalyHeader)
	for _, a := range set.Anomalies {
		row := anomalies.AddRow()
		row.AddCell().SetString(string(a.Severity))
		row.AddCell().SetString(a.Channel)
		row.AddCell().SetString(a.CampaignName)
		row.AddCell().SetString(a.Metric)
		row.AddCell().SetFloat(a.Current)
		row.AddCell().SetFloat(a.Baseline)
		row.AddCell().SetFloat(a.Deviation)
		row.AddCell().SetString(a.Explanation)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func addHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, c := range cols {
		row.AddCell().SetString(c)
	}
}
