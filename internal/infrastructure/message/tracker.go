package message

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Tracker keeps the latest report of every rank and forwards each report to
// the next publisher, if any
type Tracker struct {
	mu        sync.RWMutex
	latest    map[int]*StepReport
	published int

	next Publisher
}

// NewTracker creates a tracker in front of next, which may be nil
func NewTracker(next Publisher) *Tracker {
	return &Tracker{latest: make(map[int]*StepReport), next: next}
}

// Publish records report and forwards it
func (t *Tracker) Publish(ctx context.Context, report *StepReport) error {
	snapshot := *report
	snapshot.Metrics = make(map[string][]float64, len(report.Metrics))
	for name, series := range report.Metrics {
		snapshot.Metrics[name] = append([]float64(nil), series...)
	}

	t.mu.Lock()
	t.latest[report.Rank] = &snapshot
	t.published++
	t.mu.Unlock()

	if t.next == nil {
		return nil
	}
	return t.next.Publish(ctx, report)
}

// Latest returns the most recent report of every rank, ordered by rank
func (t *Tracker) Latest() []*StepReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*StepReport, 0, len(t.latest))
	for _, r := range t.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Published returns the number of reports seen
func (t *Tracker) Published() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.published
}

// Close closes the next publisher
func (t *Tracker) Close() error {
	if t.next == nil {
		return nil
	}
	return t.next.Close()
}

// SanitizeMetrics makes a metrics map JSON-safe. JSON has no NaN or Inf, so
// such values become the strings "NaN", "+Inf" and "-Inf".
func SanitizeMetrics(metrics map[string][]float64) map[string][]interface{} {
	out := make(map[string][]interface{}, len(metrics))
	for name, series := range metrics {
		values := make([]interface{}, len(series))
		for i, v := range series {
			values[i] = sanitize(v)
		}
		out[name] = values
	}
	return out
}

func sanitize(v float64) interface{} {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	default:
		return v
	}
}

//Personal.AI order the ending
