// Package report renders an InsightSet into a deliverable HTML and plain-text
// report.
package report

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"math"
	"sort"
	"strings"
	texttemplate "text/template"

	"adreport/internal/data"
	"adreport/internal/flags"
	"adreport/internal/stage"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	DefaultTitle    = "Daily Marketing Performance Report"
	DefaultCurrency = "USD"

	workbookContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	htmlTmpl = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/report.html.tmpl"))
	textTmpl = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/report.txt.tmpl"))
)

type Options struct {
	Title    string
	Currency string
	// Workbook attaches an .xlsx export of the campaign table.
	Workbook bool
}

// Reporter renders reports. It holds no per-run state and is safe for
// concurrent use.
type Reporter struct {
	title    string
	currency string
	workbook bool
	printer  *message.Printer

	buildWorkbook func(data.InsightSet) ([]byte, error)
}

// New validates opts and returns a Reporter. The currency must be an ISO 4217
// code.
func New(opts Options) (*Reporter, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = DefaultTitle
	}
	code := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if code == "" {
		code = DefaultCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("report currency %q: %w", opts.Currency, err)
	}
	return &Reporter{
		title:         title,
		currency:      unit.String(),
		workbook:      opts.Workbook,
		printer:       message.NewPrinter(language.English),
		buildWorkbook: buildWorkbook,
	}, nil
}

// Subject returns the email subject for date.
func (r *Reporter) Subject(date data.ReportDate) string {
	return fmt.Sprintf("%s - %s", r.title, date)
}

// Render produces the report for set. The output is a pure function of its
// inputs: rendering the same set twice yields byte-identical bodies.
func (r *Reporter) Render(set data.InsightSet, date data.ReportDate) stage.Result[data.Report] {
	if date.IsZero() {
		return stage.Failure[data.Report](stage.KindRender,
			stage.New(stage.KindRender, stage.CauseRender, "render", errors.New("report date is required")))
	}
	if !set.ReportDate.IsZero() && set.ReportDate != date {
		return stage.Failure[data.Report](stage.KindRender,
			stage.Errorf(stage.KindRender, stage.CauseRender, "insight set is for %s, not %s", set.ReportDate, date))
	}
	if err := checkFinite(set); err != nil {
		return stage.Failure[data.Report](stage.KindRender,
			stage.New(stage.KindRender, stage.CauseRender, "render", err))
	}

	v := r.view(set, date)
	var html, text bytes.Buffer
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return stage.Failure[data.Report](stage.KindRender,
			stage.New(stage.KindRender, stage.CauseRender, "render html", err))
	}
	if err := textTmpl.Execute(&text, v); err != nil {
		return stage.Failure[data.Report](stage.KindRender,
			stage.New(stage.KindRender, stage.CauseRender, "render text", err))
	}

	rep := data.Report{
		Subject: r.Subject(date),
		HTML:    html.String(),
		Text:    text.String(),
	}
	res := stage.Success(rep)

	if r.workbook && !set.Empty() {
		b, err := r.buildWorkbook(set)
		if err != nil {
			return res.Degrade("workbook_unavailable: " + err.Error())
		}
		res.Payload.Attachments = append(res.Payload.Attachments, data.Attachment{
			Filename:    "adreport-" + date.String() + ".xlsx",
			ContentType: workbookContentType,
			Data:        b,
		})
	}
	return res
}

type view struct {
	Title      string
	Date       string
	Provenance string
	Currency   string
	Notices    []string
	Empty      bool
	Narrative  string
	Totals     totalsView
	Anomalies  []anomalyView
	Channels   []channelView
	Rerun      string
}

type totalsView struct {
	Impressions string
	Clicks      string
	Spend       string
	Conversions string
	CPC         string
	CTR         string
}

type anomalyView struct {
	Severity string
	Channel  string
	Campaign string
	Metric   string
	Current  string
	Baseline string
	Change   string
}

type channelView struct {
	Name string
	Rows []rowView
}

type rowView struct {
	Campaign          string
	Impressions       string
	Clicks            string
	CTR               string
	Spend             string
	CPC               string
	Conversions       string
	CostPerConversion string
}

func (r *Reporter) view(set data.InsightSet, date data.ReportDate) view {
	p := r.printer
	provenance := string(set.Provenance)
	if provenance == "" {
		provenance = string(data.ProvenanceExtraction)
	}
	v := view{
		Title:      r.title,
		Date:       date.String(),
		Provenance: provenance,
		Currency:   r.currency,
		Notices:    set.Notices,
		Empty:      set.Empty(),
		Narrative:  strings.TrimSpace(set.Narrative),
		Rerun:      fmt.Sprintf("adreport run --%s %s", flags.FlagDate, date),
	}

	t := set.Totals
	v.Totals = totalsView{
		Impressions: p.Sprintf("%d", t.Impressions),
		Clicks:      p.Sprintf("%d", t.Clicks),
		Spend:       p.Sprintf("%.2f", t.Spend),
		Conversions: p.Sprintf("%.1f", t.Conversions),
		CPC:         p.Sprintf("%.2f", safeDiv(t.Spend, float64(t.Clicks))),
		CTR:         p.Sprintf("%.2f%%", 100*safeDiv(float64(t.Clicks), float64(t.Impressions))),
	}

	for _, a := range set.Anomalies {
		v.Anomalies = append(v.Anomalies, anomalyView{
			Severity: string(a.Severity),
			Channel:  a.Channel,
			Campaign: a.CampaignName,
			Metric:   a.Metric,
			Current:  p.Sprintf("%.2f", a.Current),
			Baseline: p.Sprintf("%.2f", a.Baseline),
			Change:   p.Sprintf("%+.0f%%", 100*a.Deviation),
		})
	}

	byChannel := make(map[string][]rowView)
	for _, e := range set.Evaluations {
		rec := e.Record
		byChannel[rec.Channel] = append(byChannel[rec.Channel], rowView{
			Campaign:          rec.CampaignName,
			Impressions:       p.Sprintf("%d", rec.Impressions),
			Clicks:            p.Sprintf("%d", rec.Clicks),
			CTR:               p.Sprintf("%.2f%%", 100*e.CTR),
			Spend:             p.Sprintf("%.2f", rec.Spend),
			CPC:               p.Sprintf("%.2f", rec.CPC),
			Conversions:       p.Sprintf("%.1f", rec.Conversions),
			CostPerConversion: p.Sprintf("%.2f", rec.CostPerConversion),
		})
	}
	names := make([]string, 0, len(byChannel))
	for name := range byChannel {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.Channels = append(v.Channels, channelView{Name: channelTitle(name), Rows: byChannel[name]})
	}
	return v
}

func channelTitle(name string) string {
	switch name {
	case "google_ads":
		return "Google Ads"
	case "meta_ads":
		return "Meta Ads"
	default:
		return name
	}
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func checkFinite(set data.InsightSet) error {
	bad := func(fs ...float64) bool {
		for _, f := range fs {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return true
			}
		}
		return false
	}
	if bad(set.Totals.Spend, set.Totals.Conversions) {
		return errors.New("totals contain a non-finite value")
	}
	for _, e := range set.Evaluations {
		rec := e.Record
		if bad(rec.Spend, rec.CPC, rec.Conversions, rec.CostPerConversion, e.CTR) {
			return fmt.Errorf("campaign %q has a non-finite metric", rec.CampaignName)
		}
		if e.Baseline != nil && bad(e.Baseline.Spend, e.Baseline.Clicks, e.Baseline.Conversions, e.Baseline.CPC) {
			return fmt.Errorf("campaign %q has a non-finite baseline", rec.CampaignName)
		}
	}
	for _, a := range set.Anomalies {
		if bad(a.Current, a.Baseline, a.Deviation) {
			return fmt.Errorf("anomaly %s/%s has a non-finite value", a.CampaignName, a.Metric)
		}
	}
	return nil
}
