// internal/platform/training/coreloss/agg.go

// Package coreloss implements the terms of the actor objective over [N, R]
// response tensors: the clipped policy surrogate, loss aggregation, KL
// estimators and the auxiliary supervised loss. Every term returns its value
// together with the gradient with respect to its per-token input.
package coreloss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/pkg/errors"
	"github.com/openeeap/rlactor/pkg/types"
)

// Epsilon guards every denominator that counts valid tokens
const Epsilon = 1e-8

// AggOptions selects how per-token values are reduced to a scalar
type AggOptions struct {
	Mode types.LossAggMode

	// MaxTokens caps the per-sequence normalizer in max-tokens mode
	MaxTokens int
}

// AggLoss reduces x under mask and returns the scalar with dScalar/dx.
// Entries where mask is zero never enter a sum, so a fully masked input
// yields exactly 0.
func AggLoss(x, mask *mat.Dense, opts AggOptions) (float64, *mat.Dense, error) {
	if err := sameShape(x, mask); err != nil {
		return 0, nil, err
	}
	n, r := x.Dims()
	grad := mat.NewDense(n, r, nil)

	switch opts.Mode {
	case types.LossAggTokenMean:
		count := 0.0
		for i := 0; i < n; i++ {
			count += rowCount(mask, i)
		}
		denom := count + Epsilon
		sum := 0.0
		eachValid(mask, func(i, j int, m float64) {
			sum += x.At(i, j) * m
			grad.Set(i, j, m/denom)
		})
		return sum / denom, grad, nil

	case types.LossAggSeqMeanTokenSum:
		return perSequence(x, mask, grad, func(int) float64 { return 1 }), grad, nil

	case types.LossAggSeqMeanTokenMean:
		return perSequence(x, mask, grad, func(i int) float64 {
			return 1 / (rowCount(mask, i) + Epsilon)
		}), grad, nil

	case types.LossAggSeqMeanTokenSumNorm:
		sum := 0.0
		eachValid(mask, func(i, j int, m float64) {
			sum += x.At(i, j) * m
			grad.Set(i, j, m/float64(r))
		})
		return sum / float64(r), grad, nil

	case types.LossAggMaxTokens:
		if opts.MaxTokens <= 0 {
			return 0, nil, errors.NewFromCodef(errors.ErrTrainInvalidConfig,
				fmt.Sprintf("max-tokens aggregation needs max_tokens > 0, got %d", opts.MaxTokens))
		}
		return perSequence(x, mask, grad, func(i int) float64 {
			return 1 / (math.Min(rowCount(mask, i), float64(opts.MaxTokens)) + Epsilon)
		}), grad, nil

	default:
		return 0, nil, errors.NewFromCodef(errors.ErrTrainUnsupportedMode, "loss aggregation mode", string(opts.Mode))
	}
}

// perSequence averages weight(i)*sum_j(x*m) over all N sequences
func perSequence(x, mask, grad *mat.Dense, weight func(i int) float64) float64 {
	n, _ := x.Dims()
	total := 0.0
	for i := 0; i < n; i++ {
		w := weight(i) / float64(n)
		for j, m := range mask.RawRowView(i) {
			if m == 0 {
				continue
			}
			total += w * x.At(i, j) * m
			grad.Set(i, j, w*m)
		}
	}
	return total
}

// MaskedMean is sum(x*m) / (sum(m) + Epsilon)
func MaskedMean(x, mask *mat.Dense) float64 {
	sum, count := 0.0, 0.0
	eachValid(mask, func(i, j int, m float64) {
		sum += x.At(i, j) * m
		count += m
	})
	return sum / (count + Epsilon)
}

func eachValid(mask *mat.Dense, fn func(i, j int, m float64)) {
	n, _ := mask.Dims()
	for i := 0; i < n; i++ {
		for j, m := range mask.RawRowView(i) {
			if m != 0 {
				fn(i, j, m)
			}
		}
	}
}

func rowCount(mask *mat.Dense, i int) float64 {
	c := 0.0
	for _, m := range mask.RawRowView(i) {
		c += m
	}
	return c
}

func sameShape(ms ...*mat.Dense) error {
	if len(ms) == 0 {
		return nil
	}
	if ms[0] == nil {
		return errors.NewFromCodef(errors.ErrTrainShapeMismatch, "missing tensor")
	}
	n, r := ms[0].Dims()
	for _, m := range ms[1:] {
		if m == nil {
			return errors.NewFromCodef(errors.ErrTrainShapeMismatch, "missing tensor")
		}
		if mn, mr := m.Dims(); mn != n || mr != r {
			return errors.NewFromCodef(errors.ErrTrainShapeMismatch,
				fmt.Sprintf("%dx%d against %dx%d", mn, mr, n, r))
		}
	}
	return nil
}

//Personal.AI order the ending
