package data

import (
	"fmt"
	"strconv"
)

// Warehouse column names for performance rows.
const (
	ColSource            = "source"
	ColReportDate        = "report_date"
	ColChannel           = "channel"
	ColCampaignName      = "campaign_name"
	ColImpressions       = "impressions"
	ColClicks            = "clicks"
	ColSpend             = "spend"
	ColCPC               = "cpc"
	ColConversions       = "conversions"
	ColCostPerConversion = "cost_per_conversion"
)

// KeyColumns identify one performance row. Writes keyed on these columns are
// upserts, so reloading a day never duplicates rows.
var KeyColumns = []string{ColSource, ColReportDate, ColCampaignName}

// RawRecord is one row of campaign performance for a single day.
type RawRecord struct {
	Channel           string     `json:"channel"`
	CampaignName      string     `json:"campaign_name"`
	Impressions       int64      `json:"impressions"`
	Clicks            int64      `json:"clicks"`
	Spend             float64    `json:"spend"`
	CPC               float64    `json:"cpc"`
	Conversions       float64    `json:"conversions"`
	CostPerConversion float64    `json:"cost_per_conversion"`
	Date              ReportDate `json:"report_date"`
}

// Batch is the output of a single source for one report date.
type Batch struct {
	Source  string      `json:"source"`
	Records []RawRecord `json:"records"`
}

// Row is a generic warehouse row keyed by column name.
type Row map[string]any

// Row converts the record into a warehouse row stored under source.
func (r RawRecord) Row(source string) Row {
	return Row{
		ColSource:            source,
		ColReportDate:        r.Date.String(),
		ColChannel:           r.Channel,
		ColCampaignName:      r.CampaignName,
		ColImpressions:       r.Impressions,
		ColClicks:            r.Clicks,
		ColSpend:             r.Spend,
		ColCPC:               r.CPC,
		ColConversions:       r.Conversions,
		ColCostPerConversion: r.CostPerConversion,
	}
}

// RecordFromRow converts a warehouse row back into a RawRecord. Drivers
// disagree on scan types (int64, float64, []byte, string), so every column is
// coerced.
func RecordFromRow(row Row) (RawRecord, error) {
	var rec RawRecord
	var err error

	rec.Channel = asString(row[ColChannel])
	if rec.Channel == "" {
		rec.Channel = asString(row[ColSource])
	}
	rec.CampaignName = asString(row[ColCampaignName])
	if rec.Date, err = ParseReportDate(asString(row[ColReportDate])); err != nil {
		return RawRecord{}, err
	}
	if rec.Impressions, err = asInt(row[ColImpressions]); err != nil {
		return RawRecord{}, fmt.Errorf("column %s: %w", ColImpressions, err)
	}
	if rec.Clicks, err = asInt(row[ColClicks]); err != nil {
		return RawRecord{}, fmt.Errorf("column %s: %w", ColClicks, err)
	}
	floats := []struct {
		col string
		dst *float64
	}{
		{ColSpend, &rec.Spend},
		{ColCPC, &rec.CPC},
		{ColConversions, &rec.Conversions},
		{ColCostPerConversion, &rec.CostPerConversion},
	}
	for _, f := range floats {
		v, err := asFloat(row[f.col])
		if err != nil {
			return RawRecord{}, fmt.Errorf("column %s: %w", f.col, err)
		}
		*f.dst = v
	}
	return rec, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case []byte:
		return strconv.ParseInt(string(t), 10, 64)
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case []byte:
		return strconv.ParseFloat(string(t), 64)
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
