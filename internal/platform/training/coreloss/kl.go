// internal/platform/training/coreloss/kl.go
package coreloss

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/pkg/errors"
	"github.com/openeeap/rlactor/pkg/types"
)

// lowVarKLBound clamps the k3 estimator
const lowVarKLBound = 10.0

// KLPenalty returns the per-token estimate of KL(current || reference) and
// its elementwise derivative with respect to logProb
func KLPenalty(logProb, refLogProb *mat.Dense, kind types.KLPenaltyType) (*mat.Dense, *mat.Dense, error) {
	if err := sameShape(logProb, refLogProb); err != nil {
		return nil, nil, err
	}

	var fn func(lp, ref float64) (float64, float64)
	switch kind {
	case types.KLPenaltyKL, types.KLPenaltyK1:
		fn = func(lp, ref float64) (float64, float64) { return lp - ref, 1 }
	case types.KLPenaltyAbs:
		fn = func(lp, ref float64) (float64, float64) {
			d := lp - ref
			switch {
			case d > 0:
				return d, 1
			case d < 0:
				return -d, -1
			default:
				return 0, 0
			}
		}
	case types.KLPenaltyMSE, types.KLPenaltyK2:
		fn = func(lp, ref float64) (float64, float64) {
			d := lp - ref
			return 0.5 * d * d, d
		}
	case types.KLPenaltyLowVarKL, types.KLPenaltyK3:
		fn = func(lp, ref float64) (float64, float64) {
			kl := ref - lp
			ratio := math.Exp(kl)
			kld := ratio - kl - 1
			if kld > lowVarKLBound {
				return lowVarKLBound, 0
			}
			if kld < -lowVarKLBound {
				return -lowVarKLBound, 0
			}
			return kld, 1 - ratio
		}
	default:
		return nil, nil, errors.NewFromCodef(errors.ErrTrainUnsupportedMode, "kl penalty", string(kind))
	}

	n, r := logProb.Dims()
	kl := mat.NewDense(n, r, nil)
	grad := mat.NewDense(n, r, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < r; j++ {
			v, g := fn(logProb.At(i, j), refLogProb.At(i, j))
			kl.Set(i, j, v)
			grad.Set(i, j, g)
		}
	}
	return kl, grad, nil
}

// KLLoss aggregates the KL estimate under mask and returns dLoss/dlogProb
func KLLoss(logProb, refLogProb, mask *mat.Dense, kind types.KLPenaltyType, agg AggOptions) (float64, *mat.Dense, error) {
	kl, dKL, err := KLPenalty(logProb, refLogProb, kind)
	if err != nil {
		return 0, nil, err
	}
	loss, dAgg, err := AggLoss(kl, mask, agg)
	if err != nil {
		return 0, nil, err
	}
	dKL.MulElem(dKL, dAgg)
	return loss, dKL, nil
}

//Personal.AI order the ending
