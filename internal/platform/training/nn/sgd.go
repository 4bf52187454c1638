// internal/platform/training/nn/sgd.go
package nn

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// SGD is plain gradient descent with global-norm clipping
type SGD struct {
	params []*Parameter
	lr     float64

	steps int
	mu    sync.Mutex
}

// NewSGD creates an optimizer over params
func NewSGD(params []*Parameter, lr float64) *SGD {
	return &SGD{params: params, lr: lr}
}

// ZeroGrad clears every gradient
func (o *SGD) ZeroGrad() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.params {
		p.Grad.Zero()
	}
}

// Step applies value -= lr * grad
func (o *SGD) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.params {
		floats.AddScaled(p.Value.RawMatrix().Data, -o.lr, p.Grad.RawMatrix().Data)
	}
	o.steps++
	return nil
}

// Steps returns the number of applied updates
func (o *SGD) Steps() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.steps
}

// ClipGradNorm scales gradients so that their global L2 norm is at most
// maxNorm and returns the norm before clipping. A non-finite norm is
// returned as is and the gradients are left untouched.
func (o *SGD) ClipGradNorm(maxNorm float64) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sq := 0.0
	for _, p := range o.params {
		n := floats.Norm(p.Grad.RawMatrix().Data, 2)
		sq += n * n
	}
	norm := math.Sqrt(sq)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm, nil
	}

	if coef := maxNorm / (norm + 1e-6); coef < 1 {
		for _, p := range o.params {
			floats.Scale(coef, p.Grad.RawMatrix().Data)
		}
	}
	return norm, nil
}

//Personal.AI order the ending
