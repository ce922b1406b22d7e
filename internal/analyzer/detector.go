package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"adreport/internal/data"
)

// Detector compares one metric of an evaluated record against its baseline.
type Detector interface {
	ID() string
	Metric() string
	Description() string

	// Values returns the current value and the trailing mean of the metric.
	// Detectors MUST NOT be called for evaluations without a baseline.
	Values(e data.MetricEvaluation) (current, baseline float64)
}

var (
	registry = make(map[string]Detector)
	mu       sync.RWMutex
)

func Register(d Detector) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[d.ID()]; exists {
		panic(fmt.Sprintf("detector %s already registered", d.ID()))
	}
	registry[d.ID()] = d
}

func List() []Detector {
	mu.RLock()
	defer mu.RUnlock()
	return listLocked()
}

func listLocked() []Detector {
	var out []Detector
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Resolve returns the detectors named in ids, or every registered detector
// when ids is empty.
func Resolve(ids []string) ([]Detector, error) {
	mu.RLock()
	defer mu.RUnlock()

	if len(ids) == 0 {
		return listLocked(), nil
	}

	var selected []Detector
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		d, ok := registry[id]
		if !ok {
			return nil, fmt.Errorf("detector not found: %s", id)
		}
		seen[id] = true
		selected = append(selected, d)
	}
	return selected, nil
}

// Detect flags e when the metric deviates from its baseline by more than
// ratio. A zero baseline has no meaningful relative deviation and is never
// flagged.
func Detect(d Detector, e data.MetricEvaluation, ratio float64) (data.Anomaly, bool) {
	if e.Baseline == nil {
		return data.Anomaly{}, false
	}
	current, mean := d.Values(e)
	if mean == 0 {
		return data.Anomaly{}, false
	}
	deviation := (current - mean) / mean
	magnitude := deviation
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude <= ratio {
		return data.Anomaly{}, false
	}

	severity := data.SeverityMedium
	if magnitude > 2*ratio {
		severity = data.SeverityHigh
	}
	kind, verb := "spike", "rose"
	if deviation < 0 {
		kind, verb = "drop", "fell"
	}

	return data.Anomaly{
		Kind:         kind,
		Metric:       d.Metric(),
		Channel:      e.Record.Channel,
		CampaignName: e.Record.CampaignName,
		Severity:     severity,
		Current:      current,
		Baseline:     mean,
		Deviation:    deviation,
		Explanation: fmt.Sprintf("%s %s %s %.0f%% against its %d-day average (%.2f vs %.2f)",
			e.Record.CampaignName, d.Metric(), verb, magnitude*100, e.BaselineDays, current, mean),
	}, true
}
