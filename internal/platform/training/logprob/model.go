// internal/platform/training/logprob/model.go
package logprob

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// ForwardInput is one call into the sequence model. Token and position ids
// are row-major [Rows, Cols]. A packed stream is a single row and carries no
// attention mask.
type ForwardInput struct {
	InputIDs    []int
	PositionIDs []int
	Rows        int
	Cols        int

	// AttentionMask is row-major [Rows, Cols], nil for a packed stream
	AttentionMask []float64
}

// ForwardOutput holds the [Rows*Cols, V] logits and the closure that
// accumulates parameter gradients from dLogits of the same shape
type ForwardOutput struct {
	Logits   *mat.Dense
	Backward func(ctx context.Context, dLogits *mat.Dense) error
}

// Forwarder is the part of the model the computer calls into
type Forwarder interface {
	Forward(ctx context.Context, in *ForwardInput) (*ForwardOutput, error)
}

//Personal.AI order the ending
