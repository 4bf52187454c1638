// internal/platform/training/actor/metrics.go
package actor

import (
	"sort"
)

// Metric names reported by UpdatePolicy
const (
	MetricPGLoss            = "actor/pg_loss"
	MetricPGClipFrac        = "actor/pg_clipfrac"
	MetricPPOKL             = "actor/ppo_kl"
	MetricEntropyLoss       = "actor/entropy_loss"
	MetricPolicyLoss        = "actor/policy_loss"
	MetricKLLoss            = "actor/kl_loss"
	MetricKLCoef            = "actor/kl_coef"
	MetricSFTLoss           = "actor/sft_loss"
	MetricSFTCoef           = "actor/sft_coef"
	MetricGradNorm          = "actor/grad_norm"
	MetricGradNormNonFinite = "actor/grad_norm_nonfinite"
	MetricSFTGradNorm       = "actor/sft_grad_norm"
)

// Metrics maps a diagnostic name to its per-mini-batch values. It is created
// by one UpdatePolicy call and handed to the caller when the call returns.
type Metrics struct {
	values map[string][]float64
}

// NewMetrics creates an empty accumulator
func NewMetrics() *Metrics {
	return &Metrics{values: make(map[string][]float64)}
}

// Append records one value for name
func (m *Metrics) Append(name string, v float64) {
	m.values[name] = append(m.values[name], v)
}

// Get returns the values recorded for name
func (m *Metrics) Get(name string) []float64 {
	return m.values[name]
}

// Last returns the most recent value for name
func (m *Metrics) Last(name string) (float64, bool) {
	vs := m.values[name]
	if len(vs) == 0 {
		return 0, false
	}
	return vs[len(vs)-1], true
}

// Names returns the recorded names in sorted order
func (m *Metrics) Names() []string {
	names := make([]string, 0, len(m.values))
	for name := range m.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of every series
func (m *Metrics) Snapshot() map[string][]float64 {
	out := make(map[string][]float64, len(m.values))
	for name, vs := range m.values {
		out[name] = append([]float64(nil), vs...)
	}
	return out
}

// weighted sums micro-batch values scaled by their loss factors
type weighted map[string]float64

func (w weighted) add(name string, scale, v float64) {
	w[name] += scale * v
}

func (w weighted) set(name string, v float64) {
	w[name] = v
}

func (w weighted) flush(m *Metrics) {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.Append(name, w[name])
	}
}

//Personal.AI order the ending
