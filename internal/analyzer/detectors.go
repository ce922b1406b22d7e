package analyzer

import "adreport/internal/data"

type metricDetector struct {
	id          string
	metric      string
	description string
	current     func(data.RawRecord) float64
	baseline    func(data.Baseline) float64
}

func (d *metricDetector) ID() string          { return d.id }
func (d *metricDetector) Metric() string      { return d.metric }
func (d *metricDetector) Description() string { return d.description }

func (d *metricDetector) Values(e data.MetricEvaluation) (float64, float64) {
	return d.current(e.Record), d.baseline(*e.Baseline)
}

func init() {
	Register(&metricDetector{
		id:          "spend",
		metric:      "spend",
		description: "Daily spend deviates from the trailing average",
		current:     func(r data.RawRecord) float64 { return r.Spend },
		baseline:    func(b data.Baseline) float64 { return b.Spend },
	})
	Register(&metricDetector{
		id:          "clicks",
		metric:      "clicks",
		description: "Daily clicks deviate from the trailing average",
		current:     func(r data.RawRecord) float64 { return float64(r.Clicks) },
		baseline:    func(b data.Baseline) float64 { return b.Clicks },
	})
	Register(&metricDetector{
		id:          "conversions",
		metric:      "conversions",
		description: "Daily conversions deviate from the trailing average",
		current:     func(r data.RawRecord) float64 { return r.Conversions },
		baseline:    func(b data.Baseline) float64 { return b.Conversions },
	})
	Register(&metricDetector{
		id:          "cpc",
		metric:      "cpc",
		description: "Cost per click deviates from the trailing average",
		current:     func(r data.RawRecord) float64 { return r.CPC },
		baseline:    func(b data.Baseline) float64 { return b.CPC },
	})
}
