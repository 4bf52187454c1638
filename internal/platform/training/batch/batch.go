// internal/platform/training/batch/batch.go
package batch

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/pkg/errors"
)

// Tensor keys understood by the actor
const (
	KeyInputIDs        = "input_ids"
	KeyAttentionMask   = "attention_mask"
	KeyPositionIDs     = "position_ids"
	KeyResponses       = "responses"
	KeyOldLogProbs     = "old_log_probs"
	KeyAdvantages      = "advantages"
	KeyRefLogProb      = "ref_log_prob"
	KeyResponseMask    = "response_mask"
	KeyGroundTruthMask = "ground_truth_mask"

	// ParallelSuffix marks the ground-truth view used by the auxiliary loss
	ParallelSuffix = "_pr"
)

// SequenceKeys are shaped [N, S]
var SequenceKeys = []string{KeyInputIDs, KeyAttentionMask, KeyPositionIDs}

// Batch is a set of named [N, *] tensors sharing the example dimension N.
// It is never mutated after construction; every operation returns a new Batch.
type Batch struct {
	tensors map[string]*mat.Dense
	size    int
}

// New builds a batch; every tensor must have the same number of rows
func New(tensors map[string]*mat.Dense) (*Batch, error) {
	if len(tensors) == 0 {
		return nil, errors.ValidationError("batch has no tensors")
	}

	b := &Batch{tensors: make(map[string]*mat.Dense, len(tensors)), size: -1}
	for _, key := range sortedKeys(tensors) {
		t := tensors[key]
		if t == nil {
			return nil, errors.NewFromCodef(errors.ErrBatchMissingKey, key)
		}
		rows, _ := t.Dims()
		if b.size < 0 {
			b.size = rows
		} else if rows != b.size {
			return nil, errors.NewFromCodef(errors.ErrBatchSizeMismatch, key, rows, b.size)
		}
		b.tensors[key] = t
	}
	return b, nil
}

// MustNew is New for fixtures whose shapes are known to agree
func MustNew(tensors map[string]*mat.Dense) *Batch {
	b, err := New(tensors)
	if err != nil {
		panic(err)
	}
	return b
}

// Size returns N
func (b *Batch) Size() int {
	return b.size
}

// Has reports whether key is present
func (b *Batch) Has(key string) bool {
	_, ok := b.tensors[key]
	return ok
}

// Get returns the tensor stored under key
func (b *Batch) Get(key string) (*mat.Dense, bool) {
	t, ok := b.tensors[key]
	return t, ok
}

// Require returns the tensor stored under key or a missing-key error
func (b *Batch) Require(key string) (*mat.Dense, error) {
	t, ok := b.tensors[key]
	if !ok {
		return nil, errors.NewFromCodef(errors.ErrBatchMissingKey, key)
	}
	return t, nil
}

// Keys returns the tensor names in sorted order
func (b *Batch) Keys() []string {
	return sortedKeys(b.tensors)
}

// SeqLen returns S, the width of input_ids
func (b *Batch) SeqLen() int {
	if t, ok := b.tensors[KeyInputIDs]; ok {
		_, s := t.Dims()
		return s
	}
	return 0
}

// ResponseLen returns R, the width of responses
func (b *Batch) ResponseLen() int {
	if t, ok := b.tensors[KeyResponses]; ok {
		_, r := t.Dims()
		return r
	}
	return 0
}

// Validate checks that the required keys exist and that sequence-shaped and
// response-shaped tensors agree: the sequence tensors are [N, S], every other
// tensor is [N, R] and R <= S. Parallel-view tensors are checked on their View.
func (b *Batch) Validate(required ...string) error {
	for _, key := range required {
		if !b.Has(key) {
			return errors.NewFromCodef(errors.ErrBatchMissingKey, key)
		}
	}

	s := b.SeqLen()
	for _, key := range SequenceKeys {
		if t, ok := b.tensors[key]; ok {
			if _, c := t.Dims(); c != s {
				return errors.NewFromCodef(errors.ErrTrainShapeMismatch,
					key+" has a different sequence length than "+KeyInputIDs)
			}
		}
	}

	r := b.ResponseLen()
	if !b.Has(KeyResponses) {
		return nil
	}
	if s > 0 && r > s {
		return errors.NewFromCodef(errors.ErrBatchResponseTooLong, r, s)
	}
	for key, t := range b.tensors {
		if isSequenceKey(key) || key == KeyResponses || strings.HasSuffix(key, ParallelSuffix) {
			continue
		}
		if _, c := t.Dims(); c != r {
			return errors.NewFromCodef(errors.ErrTrainShapeMismatch,
				key+" does not match the response length")
		}
	}
	return nil
}

// ValidLengths returns the number of valid positions of every example
func (b *Batch) ValidLengths() ([]int, error) {
	mask, err := b.Require(KeyAttentionMask)
	if err != nil {
		return nil, err
	}
	lens := make([]int, b.size)
	for i := range lens {
		for _, v := range mask.RawRowView(i) {
			if v != 0 {
				lens[i]++
			}
		}
	}
	return lens, nil
}

// ResponseMask returns the [N, R] mask of response tokens that contribute to
// the loss: the explicit response_mask when present, otherwise the last R
// columns of attention_mask.
func (b *Batch) ResponseMask() (*mat.Dense, error) {
	if t, ok := b.tensors[KeyResponseMask]; ok {
		return mat.DenseCopyOf(t), nil
	}
	mask, err := b.Require(KeyAttentionMask)
	if err != nil {
		return nil, err
	}
	s, r := b.SeqLen(), b.ResponseLen()
	if r == 0 || r > s {
		return nil, errors.NewFromCodef(errors.ErrBatchResponseTooLong, r, s)
	}
	return mat.DenseCopyOf(mask.Slice(0, b.size, s-r, s)), nil
}

// ============================================================================
// Splitting and selection
// ============================================================================

// Split cuts the batch into contiguous chunks of size rows; the last chunk
// holds the remainder
func (b *Batch) Split(size int) ([]*Batch, error) {
	if size <= 0 {
		return nil, errors.ValidationErrorf("split size must be positive, got %d", size)
	}
	chunks := make([]*Batch, 0, (b.size+size-1)/size)
	for start := 0; start < b.size; start += size {
		end := start + size
		if end > b.size {
			end = b.size
		}
		chunks = append(chunks, b.slice(start, end))
	}
	return chunks, nil
}

func (b *Batch) slice(start, end int) *Batch {
	out := &Batch{tensors: make(map[string]*mat.Dense, len(b.tensors)), size: end - start}
	for key, t := range b.tensors {
		_, c := t.Dims()
		out.tensors[key] = mat.DenseCopyOf(t.Slice(start, end, 0, c))
	}
	return out
}

// Rows gathers the given examples, in the given order, into a new batch
func (b *Batch) Rows(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.ValidationError("cannot gather an empty set of rows")
	}
	for _, idx := range indices {
		if idx < 0 || idx >= b.size {
			return nil, errors.ValidationErrorf("row %d out of range [0, %d)", idx, b.size)
		}
	}

	out := &Batch{tensors: make(map[string]*mat.Dense, len(b.tensors)), size: len(indices)}
	for key, t := range b.tensors {
		_, c := t.Dims()
		g := mat.NewDense(len(indices), c, nil)
		for i, idx := range indices {
			g.SetRow(i, t.RawRowView(idx))
		}
		out.tensors[key] = g
	}
	return out, nil
}

// Select keeps the listed keys that are present; absent keys are skipped so
// optional tensors can be listed unconditionally
func (b *Batch) Select(keys ...string) *Batch {
	out := &Batch{tensors: make(map[string]*mat.Dense, len(keys)), size: b.size}
	for _, key := range keys {
		if t, ok := b.tensors[key]; ok {
			out.tensors[key] = t
		}
	}
	return out
}

// View returns the tensors whose key ends with suffix under their base name,
// e.g. View("_pr") exposes input_ids_pr as input_ids
func (b *Batch) View(suffix string) (*Batch, error) {
	out := &Batch{tensors: make(map[string]*mat.Dense), size: b.size}
	for key, t := range b.tensors {
		if base, ok := strings.CutSuffix(key, suffix); ok && base != "" {
			out.tensors[base] = t
		}
	}
	if len(out.tensors) == 0 {
		return nil, errors.NewFromCodef(errors.ErrBatchMissingKey, "*"+suffix)
	}
	return out, nil
}

// With returns a copy of the batch with key set to t
func (b *Batch) With(key string, t *mat.Dense) (*Batch, error) {
	tensors := make(map[string]*mat.Dense, len(b.tensors)+1)
	for k, v := range b.tensors {
		tensors[k] = v
	}
	tensors[key] = t
	return New(tensors)
}

func isSequenceKey(key string) bool {
	for _, k := range SequenceKeys {
		if k == key {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]*mat.Dense) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

//Personal.AI order the ending
