// internal/platform/training/nn/bigram.go

// Package nn holds small reference models and optimizers that satisfy the
// actor's collaborator interfaces. They are used by the command-line driver
// and by tests that need real gradients.
package nn

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/internal/platform/training/logprob"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

// Parameter is a trainable matrix and its accumulated gradient
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Bigram scores the next token from the current token and its position:
// logits = W[token] + P[position]
type Bigram struct {
	vocab  int
	maxPos int

	w *Parameter
	p *Parameter

	// group is the sequence-parallel group whose ranks hold replicas
	group ulysses.Group

	training bool
	mu       sync.Mutex
}

// NewBigram creates a model with small random weights. Replicas created with
// the same seed start identical.
func NewBigram(vocab, maxPos int, seed int64, group ulysses.Group) *Bigram {
	rng := rand.New(rand.NewSource(seed))
	randn := func(rows, cols int) []float64 {
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = 0.1 * rng.NormFloat64()
		}
		return data
	}
	if group == nil {
		group = ulysses.SingleGroup{}
	}
	return &Bigram{
		vocab:  vocab,
		maxPos: maxPos,
		w: &Parameter{
			Name:  "token",
			Value: mat.NewDense(vocab, vocab, randn(vocab, vocab)),
			Grad:  mat.NewDense(vocab, vocab, nil),
		},
		p: &Parameter{
			Name:  "position",
			Value: mat.NewDense(maxPos, vocab, randn(maxPos, vocab)),
			Grad:  mat.NewDense(maxPos, vocab, nil),
		},
		group: group,
	}
}

// Parameters returns the trainable parameters
func (m *Bigram) Parameters() []*Parameter {
	return []*Parameter{m.w, m.p}
}

// Vocab returns the vocabulary size
func (m *Bigram) Vocab() int {
	return m.vocab
}

// Train switches to training mode
func (m *Bigram) Train() {
	m.mu.Lock()
	m.training = true
	m.mu.Unlock()
}

// Eval switches to evaluation mode
func (m *Bigram) Eval() {
	m.mu.Lock()
	m.training = false
	m.mu.Unlock()
}

// Training reports the current mode
func (m *Bigram) Training() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

// Forward computes [Rows*Cols, V] logits. The attention mask is ignored;
// every position only looks at its own token.
func (m *Bigram) Forward(ctx context.Context, in *logprob.ForwardInput) (*logprob.ForwardOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := in.Rows * in.Cols
	if len(in.InputIDs) != n || len(in.PositionIDs) != n {
		return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
			fmt.Sprintf("%d ids and %d positions for %dx%d input", len(in.InputIDs), len(in.PositionIDs), in.Rows, in.Cols))
	}

	ids := make([]int, n)
	pos := make([]int, n)
	for i := 0; i < n; i++ {
		if in.InputIDs[i] < 0 || in.InputIDs[i] >= m.vocab {
			return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
				fmt.Sprintf("token %d outside vocabulary of %d", in.InputIDs[i], m.vocab))
		}
		ids[i] = in.InputIDs[i]
		pos[i] = m.clampPos(in.PositionIDs[i])
	}

	m.mu.Lock()
	logits := mat.NewDense(n, m.vocab, nil)
	for i := 0; i < n; i++ {
		row := logits.RawRowView(i)
		copy(row, m.w.Value.RawRowView(ids[i]))
		for j, v := range m.p.Value.RawRowView(pos[i]) {
			row[j] += v
		}
	}
	m.mu.Unlock()

	backward := func(ctx context.Context, dLogits *mat.Dense) error {
		if r, c := dLogits.Dims(); r != n || c != m.vocab {
			return errors.NewFromCodef(errors.ErrTrainShapeMismatch,
				fmt.Sprintf("logit gradient is %dx%d, want %dx%d", r, c, n, m.vocab))
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for i := 0; i < n; i++ {
			d := dLogits.RawRowView(i)
			wg := m.w.Grad.RawRowView(ids[i])
			pg := m.p.Grad.RawRowView(pos[i])
			for j, v := range d {
				wg[j] += v
				pg[j] += v
			}
		}
		return nil
	}

	return &logprob.ForwardOutput{Logits: logits, Backward: backward}, nil
}

// SyncGrads sums gradients over the sequence-parallel group. Every rank only
// backpropagates the tokens of its own shard.
func (m *Bigram) SyncGrads(ctx context.Context) error {
	if m.group.Size() == 1 {
		return nil
	}

	m.mu.Lock()
	flat := make([]float64, 0, m.vocab*(m.vocab+m.maxPos))
	flat = append(flat, m.w.Grad.RawMatrix().Data...)
	flat = append(flat, m.p.Grad.RawMatrix().Data...)
	m.mu.Unlock()

	sum, err := ulysses.AllReduceSum(ctx, m.group, flat)
	if err != nil {
		return errors.Wrap(err, errors.ErrTrainCollective.Code, "gradient all-reduce failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	nw := len(m.w.Grad.RawMatrix().Data)
	copy(m.w.Grad.RawMatrix().Data, sum[:nw])
	copy(m.p.Grad.RawMatrix().Data, sum[nw:])
	return nil
}

func (m *Bigram) clampPos(p int) int {
	if p < 0 {
		return 0
	}
	if p >= m.maxPos {
		return m.maxPos - 1
	}
	return p
}

//Personal.AI order the ending
