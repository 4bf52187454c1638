// internal/platform/training/coreloss/policy.go
package coreloss

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ClipRange bounds the importance ratio to [1-Low, 1+High]
type ClipRange struct {
	Low  float64
	High float64
}

// PolicyLossResult is the aggregated clipped surrogate. ClipFrac and
// ApproxKL are diagnostics and carry no gradient.
type PolicyLossResult struct {
	Loss     float64
	ClipFrac float64
	ApproxKL float64

	// DLogProb is dLoss/dlogProb
	DLogProb *mat.Dense
}

// PolicyLoss computes agg(max(-A*ratio, -A*clip(ratio))) with
// ratio = exp(logProb - oldLogProb)
func PolicyLoss(oldLogProb, logProb, advantages, mask *mat.Dense, clip ClipRange, agg AggOptions) (*PolicyLossResult, error) {
	if err := sameShape(oldLogProb, logProb, advantages, mask); err != nil {
		return nil, err
	}
	n, r := logProb.Dims()

	perToken := mat.NewDense(n, r, nil)
	clipped := mat.NewDense(n, r, nil)
	negKL := mat.NewDense(n, r, nil)
	dPerToken := mat.NewDense(n, r, nil)

	eachValid(mask, func(i, j int, _ float64) {
		logRatio := logProb.At(i, j) - oldLogProb.At(i, j)
		ratio := math.Exp(logRatio)
		adv := advantages.At(i, j)

		pg1 := -adv * ratio
		pg2 := -adv * math.Max(1-clip.Low, math.Min(ratio, 1+clip.High))
		negKL.Set(i, j, -logRatio)

		if pg2 > pg1 {
			// the clipped branch is constant in logProb
			perToken.Set(i, j, pg2)
			clipped.Set(i, j, 1)
			return
		}
		perToken.Set(i, j, pg1)
		dPerToken.Set(i, j, -adv*ratio)
	})

	loss, dAgg, err := AggLoss(perToken, mask, agg)
	if err != nil {
		return nil, err
	}
	dPerToken.MulElem(dPerToken, dAgg)

	return &PolicyLossResult{
		Loss:     loss,
		ClipFrac: MaskedMean(clipped, mask),
		ApproxKL: MaskedMean(negKL, mask),
		DLogProb: dPerToken,
	}, nil
}

//Personal.AI order the ending
