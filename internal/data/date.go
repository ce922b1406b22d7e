package data

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the ISO 8601 calendar date layout accepted for report dates.
const DateLayout = "2006-01-02"

// ErrInvalidDate is returned when a report date cannot be parsed.
var ErrInvalidDate = errors.New("invalid report date")

// ReportDate identifies a reporting period of one calendar day.
//
// The zero value is not a valid report date; use ParseReportDate or
// ResolveReportDate.
type ReportDate struct {
	year  int
	month time.Month
	day   int
}

// NewReportDate builds a ReportDate from calendar fields, normalising
// out-of-range values the same way time.Date does.
func NewReportDate(year int, month time.Month, day int) ReportDate {
	return dateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

func dateOf(t time.Time) ReportDate {
	y, m, d := t.Date()
	return ReportDate{year: y, month: m, day: d}
}

// ParseReportDate parses an ISO YYYY-MM-DD string.
func ParseReportDate(raw string) (ReportDate, error) {
	s := strings.TrimSpace(raw)
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return ReportDate{}, fmt.Errorf("%w: %q (expected YYYY-MM-DD)", ErrInvalidDate, raw)
	}
	return dateOf(t), nil
}

// Yesterday returns the calendar day before now, evaluated in loc.
func Yesterday(now time.Time, loc *time.Location) ReportDate {
	if loc == nil {
		loc = time.UTC
	}
	return dateOf(now.In(loc)).AddDays(-1)
}

// ResolveReportDate returns the parsed date, or yesterday when raw is empty.
func ResolveReportDate(raw string, now time.Time, loc *time.Location) (ReportDate, error) {
	if strings.TrimSpace(raw) == "" {
		return Yesterday(now, loc), nil
	}
	return ParseReportDate(raw)
}

func (d ReportDate) IsZero() bool {
	return d.year == 0 && d.month == 0 && d.day == 0
}

func (d ReportDate) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.year, int(d.month), d.day)
}

func (d ReportDate) AddDays(n int) ReportDate {
	return NewReportDate(d.year, d.month, d.day+n)
}

func (d ReportDate) Before(o ReportDate) bool {
	return d.String() < o.String()
}

func (d ReportDate) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *ReportDate) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = ReportDate{}
		return nil
	}
	parsed, err := ParseReportDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
