// internal/platform/training/actor/interfaces.go
package actor

import (
	"context"
	"time"

	"github.com/openeeap/rlactor/internal/platform/training/logprob"
)

// ForwardInput is one call into the sequence model
type ForwardInput = logprob.ForwardInput

// ForwardOutput carries logits and the backward closure of one forward
type ForwardOutput = logprob.ForwardOutput

// Model is the sequence model being trained
type Model interface {
	logprob.Forwarder

	// Train switches to training mode
	Train()

	// Eval switches to inference mode
	Eval()
}

// Optimizer applies accumulated gradients
type Optimizer interface {
	ZeroGrad()
	Step(ctx context.Context) error
}

// GradClipper clips the global gradient norm in place and returns the norm
// measured before clipping
type GradClipper interface {
	ClipGradNorm(maxNorm float64) (float64, error)
}

// GradSyncer reduces gradients across the ranks that share a model replica.
// Models sharded by sequence implement it so that every rank ends up with
// the gradient of the whole sequence.
type GradSyncer interface {
	SyncGrads(ctx context.Context) error
}

// Recorder receives per-call training telemetry
type Recorder interface {
	RecordMiniBatch(mode string, microBatches, tokens int)
	RecordSkippedStep(reason string)
	RecordStep(mode string, duration time.Duration, values map[string][]float64)
}

type noopRecorder struct{}

func (noopRecorder) RecordMiniBatch(string, int, int)                       {}
func (noopRecorder) RecordSkippedStep(string)                               {}
func (noopRecorder) RecordStep(string, time.Duration, map[string][]float64) {}

//Personal.AI order the ending
