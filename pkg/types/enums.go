// Package types provides enumeration type definitions for the actor.
// All string enums implement String(), Valid(), and FromString() methods
// for type-safe conversions and validation across the module.
package types

import (
	"fmt"
	"strings"
)

// ============================================================================
// Objective Mode
// ============================================================================

// ObjectiveMode selects which objective UpdatePolicy optimizes. It is a closed
// set: the zero value is not a mode.
type ObjectiveMode int

const (
	// ObjectiveNormal is the composite RL objective
	ObjectiveNormal ObjectiveMode = iota + 1

	// ObjectiveAuxiliaryOnly trains only on the auxiliary supervised loss
	ObjectiveAuxiliaryOnly
)

// String returns the string representation
func (m ObjectiveMode) String() string {
	switch m {
	case ObjectiveNormal:
		return "normal"
	case ObjectiveAuxiliaryOnly:
		return "sft_only"
	default:
		return fmt.Sprintf("ObjectiveMode(%d)", int(m))
	}
}

// Valid checks if the objective mode is valid
func (m ObjectiveMode) Valid() bool {
	return m == ObjectiveNormal || m == ObjectiveAuxiliaryOnly
}

// FromStringObjectiveMode converts string to ObjectiveMode
func FromStringObjectiveMode(s string) (ObjectiveMode, error) {
	switch strings.ToLower(s) {
	case "normal":
		return ObjectiveNormal, nil
	case "sft_only", "auxiliary_only":
		return ObjectiveAuxiliaryOnly, nil
	default:
		return 0, fmt.Errorf("invalid objective mode: %s", s)
	}
}

// ============================================================================
// Loss Aggregation Mode
// ============================================================================

// LossAggMode is the rule for reducing per-token losses to a scalar
type LossAggMode string

const (
	// LossAggTokenMean averages over every valid token of the batch
	LossAggTokenMean LossAggMode = "token-mean"

	// LossAggSeqMeanTokenSum sums tokens per sequence, then averages sequences
	LossAggSeqMeanTokenSum LossAggMode = "seq-mean-token-sum"

	// LossAggSeqMeanTokenMean averages tokens per sequence, then averages sequences
	LossAggSeqMeanTokenMean LossAggMode = "seq-mean-token-mean"

	// LossAggSeqMeanTokenSumNorm sums all tokens and divides by the response horizon
	LossAggSeqMeanTokenSumNorm LossAggMode = "seq-mean-token-sum-norm"

	// LossAggMaxTokens normalizes each sequence by min(valid tokens, max_tokens)
	LossAggMaxTokens LossAggMode = "max-tokens"
)

// String returns the string representation
func (m LossAggMode) String() string {
	return string(m)
}

// Valid checks if the aggregation mode is valid
func (m LossAggMode) Valid() bool {
	switch m {
	case LossAggTokenMean, LossAggSeqMeanTokenSum, LossAggSeqMeanTokenMean,
		LossAggSeqMeanTokenSumNorm, LossAggMaxTokens:
		return true
	default:
		return false
	}
}

// FromStringLossAggMode converts string to LossAggMode
func FromStringLossAggMode(s string) (LossAggMode, error) {
	m := LossAggMode(strings.ToLower(s))
	if !m.Valid() {
		return "", fmt.Errorf("invalid loss aggregation mode: %s", s)
	}
	return m, nil
}

// ============================================================================
// KL Penalty Estimator
// ============================================================================

// KLPenaltyType selects the estimator of the divergence to the reference policy
type KLPenaltyType string

const (
	// KLPenaltyKL is the plain log-ratio (k1)
	KLPenaltyKL KLPenaltyType = "kl"

	// KLPenaltyK1 is an alias of KLPenaltyKL
	KLPenaltyK1 KLPenaltyType = "k1"

	// KLPenaltyAbs is the absolute log-ratio
	KLPenaltyAbs KLPenaltyType = "abs"

	// KLPenaltyMSE is half the squared log-ratio (k2)
	KLPenaltyMSE KLPenaltyType = "mse"

	// KLPenaltyK2 is an alias of KLPenaltyMSE
	KLPenaltyK2 KLPenaltyType = "k2"

	// KLPenaltyLowVarKL is the bias-corrected estimator (k3), clamped to [-10, 10]
	KLPenaltyLowVarKL KLPenaltyType = "low_var_kl"

	// KLPenaltyK3 is an alias of KLPenaltyLowVarKL
	KLPenaltyK3 KLPenaltyType = "k3"
)

// String returns the string representation
func (k KLPenaltyType) String() string {
	return string(k)
}

// Valid checks if the estimator is implemented
func (k KLPenaltyType) Valid() bool {
	switch k {
	case KLPenaltyKL, KLPenaltyK1, KLPenaltyAbs, KLPenaltyMSE, KLPenaltyK2,
		KLPenaltyLowVarKL, KLPenaltyK3:
		return true
	default:
		return false
	}
}

// FromStringKLPenaltyType converts string to KLPenaltyType
func FromStringKLPenaltyType(s string) (KLPenaltyType, error) {
	k := KLPenaltyType(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("invalid kl penalty type: %s", s)
	}
	return k, nil
}

// ============================================================================
// Auxiliary Loss Type
// ============================================================================

// SFTType selects how the auxiliary supervised loss is scheduled
type SFTType string

const (
	// SFTTypeBilevel trains the auxiliary loss in a separate auxiliary-only pass
	SFTTypeBilevel SFTType = "bilevel"

	// SFTTypeMultiTask adds the auxiliary loss to the RL objective
	SFTTypeMultiTask SFTType = "multi_task"
)

// String returns the string representation
func (s SFTType) String() string {
	return string(s)
}

// Valid checks if the auxiliary loss type is valid
func (s SFTType) Valid() bool {
	return s == SFTTypeBilevel || s == SFTTypeMultiTask
}

// FromStringSFTType converts string to SFTType
func FromStringSFTType(s string) (SFTType, error) {
	t := SFTType(strings.ToLower(s))
	if !t.Valid() {
		return "", fmt.Errorf("invalid sft type: %s", s)
	}
	return t, nil
}

// ============================================================================
// Tracing Provider
// ============================================================================

// TracingProvider selects the span exporter
type TracingProvider string

const (
	// TracingProviderNone disables exporting
	TracingProviderNone TracingProvider = "none"

	// TracingProviderOTLP exports over OTLP/gRPC
	TracingProviderOTLP TracingProvider = "otlp"

	// TracingProviderZipkin exports to a Zipkin collector
	TracingProviderZipkin TracingProvider = "zipkin"
)

// String returns the string representation
func (p TracingProvider) String() string {
	return string(p)
}

// Valid checks if the provider is valid
func (p TracingProvider) Valid() bool {
	switch p {
	case TracingProviderNone, TracingProviderOTLP, TracingProviderZipkin:
		return true
	default:
		return false
	}
}

// FromStringTracingProvider converts string to TracingProvider
func FromStringTracingProvider(s string) (TracingProvider, error) {
	p := TracingProvider(strings.ToLower(s))
	if !p.Valid() {
		return "", fmt.Errorf("invalid tracing provider: %s", s)
	}
	return p, nil
}

//Personal.AI order the ending
