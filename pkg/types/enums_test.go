package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectiveMode(t *testing.T) {
	m, err := FromStringObjectiveMode("normal")
	require.NoError(t, err)
	assert.Equal(t, ObjectiveNormal, m)

	m, err = FromStringObjectiveMode("SFT_ONLY")
	require.NoError(t, err)
	assert.Equal(t, ObjectiveAuxiliaryOnly, m)

	_, err = FromStringObjectiveMode("reward_only")
	assert.Error(t, err)

	assert.False(t, ObjectiveMode(0).Valid())
	assert.False(t, ObjectiveMode(7).Valid())
	assert.Equal(t, "ObjectiveMode(7)", ObjectiveMode(7).String())
}

func TestStringEnums(t *testing.T) {
	tests := []struct {
		name  string
		parse func(string) error
		good  []string
		bad   []string
	}{
		{
			name:  "loss agg mode",
			parse: func(s string) error { _, err := FromStringLossAggMode(s); return err },
			good:  []string{"token-mean", "seq-mean-token-sum", "seq-mean-token-mean", "seq-mean-token-sum-norm", "max-tokens"},
			bad:   []string{"", "mean", "token_mean"},
		},
		{
			name:  "kl penalty",
			parse: func(s string) error { _, err := FromStringKLPenaltyType(s); return err },
			good:  []string{"kl", "k1", "abs", "mse", "k2", "low_var_kl", "k3"},
			bad:   []string{"full", "k4"},
		},
		{
			name:  "sft type",
			parse: func(s string) error { _, err := FromStringSFTType(s); return err },
			good:  []string{"bilevel", "multi_task"},
			bad:   []string{"multitask"},
		},
		{
			name:  "tracing provider",
			parse: func(s string) error { _, err := FromStringTracingProvider(s); return err },
			good:  []string{"none", "otlp", "zipkin"},
			bad:   []string{"jaeger"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range tt.good {
				assert.NoError(t, tt.parse(s), s)
			}
			for _, s := range tt.bad {
				assert.Error(t, tt.parse(s), s)
			}
		})
	}
}
