// internal/platform/training/coreloss/auxiliary.go
package coreloss

import (
	"gonum.org/v1/gonum/mat"
)

// auxEpsilon guards the auxiliary loss denominators
const auxEpsilon = 1e-6

// AuxiliaryLoss is the negative log-likelihood of the ground-truth tokens:
// each example contributes the mean log-probability of its ground-truth
// positions, and the means are averaged over examples that have at least one
// such position. Returns the loss and dLoss/dlogProb.
func AuxiliaryLoss(logProb, gtMask *mat.Dense) (float64, *mat.Dense, error) {
	if err := sameShape(logProb, gtMask); err != nil {
		return 0, nil, err
	}
	n, r := logProb.Dims()

	means := make([]float64, n)
	counts := make([]float64, n)
	examples := 0.0
	for i := 0; i < n; i++ {
		sum := 0.0
		for j, m := range gtMask.RawRowView(i) {
			if m != 0 {
				sum += logProb.At(i, j) * m
				counts[i] += m
			}
		}
		means[i] = sum / (counts[i] + auxEpsilon)
		if counts[i] > 0 {
			examples++
		}
	}

	total := 0.0
	for _, m := range means {
		total += m
	}
	denom := examples + auxEpsilon
	loss := -total / denom

	grad := mat.NewDense(n, r, nil)
	for i := 0; i < n; i++ {
		if counts[i] == 0 {
			continue
		}
		scale := -1 / ((counts[i] + auxEpsilon) * denom)
		for j, m := range gtMask.RawRowView(i) {
			if m != 0 {
				grad.Set(i, j, scale*m)
			}
		}
	}
	return loss, grad, nil
}

//Personal.AI order the ending
