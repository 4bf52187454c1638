package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/pkg/errors"
)

// fixture: three examples, S=4, R=2; example i has tokens 10*i+s
func fixture(t *testing.T) *Batch {
	t.Helper()
	ids := mat.NewDense(3, 4, []float64{
		0, 1, 2, 3,
		10, 11, 12, 13,
		20, 21, 22, 23,
	})
	mask := mat.NewDense(3, 4, []float64{
		1, 1, 1, 1,
		0, 1, 1, 1,
		0, 0, 1, 1,
	})
	pos := mat.NewDense(3, 4, []float64{
		0, 1, 2, 3,
		0, 0, 1, 2,
		0, 0, 0, 1,
	})
	b, err := New(map[string]*mat.Dense{
		KeyInputIDs:      ids,
		KeyAttentionMask: mask,
		KeyPositionIDs:   pos,
		KeyResponses:     mat.NewDense(3, 2, []float64{2, 3, 12, 13, 22, 23}),
		KeyAdvantages:    mat.NewDense(3, 2, []float64{1, 1, 2, 2, 3, 3}),
	})
	require.NoError(t, err)
	return b
}

func TestNewRejectsRowMismatch(t *testing.T) {
	_, err := New(map[string]*mat.Dense{
		KeyInputIDs:  mat.NewDense(2, 3, nil),
		KeyResponses: mat.NewDense(3, 1, nil),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBatchSizeMismatch.Code))
}

func TestValidate(t *testing.T) {
	b := fixture(t)
	assert.NoError(t, b.Validate(KeyInputIDs, KeyResponses))

	err := b.Validate(KeyOldLogProbs)
	assert.True(t, errors.Is(err, errors.ErrBatchMissingKey.Code))

	long, err := b.With(KeyResponses, mat.NewDense(3, 5, nil))
	require.NoError(t, err)
	assert.True(t, errors.Is(long.Validate(), errors.ErrBatchResponseTooLong.Code))

	skewed, err := b.With(KeyOldLogProbs, mat.NewDense(3, 3, nil))
	require.NoError(t, err)
	assert.True(t, errors.Is(skewed.Validate(), errors.ErrTrainShapeMismatch.Code))

	withView, err := b.With(KeyInputIDs+ParallelSuffix, mat.NewDense(3, 7, nil))
	require.NoError(t, err)
	assert.NoError(t, withView.Validate())
}

func TestSplitIsContiguous(t *testing.T) {
	b := fixture(t)

	chunks, err := b.Split(2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[0].Size())
	assert.Equal(t, 1, chunks[1].Size())

	ids, _ := chunks[1].Get(KeyInputIDs)
	assert.Equal(t, []float64{20, 21, 22, 23}, ids.RawRowView(0))

	_, err = b.Split(0)
	assert.Error(t, err)
}

func TestSplitDoesNotAlias(t *testing.T) {
	b := fixture(t)
	chunks, err := b.Split(3)
	require.NoError(t, err)

	ids, _ := chunks[0].Get(KeyInputIDs)
	ids.Set(0, 0, 99)

	orig, _ := b.Get(KeyInputIDs)
	assert.Equal(t, 0.0, orig.At(0, 0))
}

func TestRowsGathersInOrder(t *testing.T) {
	b := fixture(t)

	g, err := b.Rows([]int{2, 0})
	require.NoError(t, err)
	adv, _ := g.Get(KeyAdvantages)
	assert.Equal(t, []float64{3, 3, 1, 1}, adv.RawMatrix().Data)

	_, err = b.Rows([]int{3})
	assert.Error(t, err)
	_, err = b.Rows(nil)
	assert.Error(t, err)
}

func TestSelectAndView(t *testing.T) {
	b := fixture(t)
	b, err := b.With(KeyInputIDs+ParallelSuffix, mat.NewDense(3, 2, []float64{5, 6, 7, 8, 9, 10}))
	require.NoError(t, err)
	b, err = b.With(KeyGroundTruthMask+ParallelSuffix, mat.NewDense(3, 1, []float64{1, 0, 1}))
	require.NoError(t, err)

	sel := b.Select(KeyInputIDs, KeyRefLogProb)
	assert.Equal(t, []string{KeyInputIDs}, sel.Keys())

	view, err := b.View(ParallelSuffix)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyGroundTruthMask, KeyInputIDs}, view.Keys())
	ids, _ := view.Get(KeyInputIDs)
	assert.Equal(t, 5.0, ids.At(0, 0))

	_, err = fixture(t).View(ParallelSuffix)
	assert.Error(t, err)
}

func TestValidLengthsAndResponseMask(t *testing.T) {
	b := fixture(t)

	lens, err := b.ValidLengths()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 2}, lens)

	rm, err := b.ResponseMask()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, rm.RawMatrix().Data)

	override := mat.NewDense(3, 2, []float64{1, 0, 0, 0, 1, 1})
	b, err = b.With(KeyResponseMask, override)
	require.NoError(t, err)
	rm, err = b.ResponseMask()
	require.NoError(t, err)
	assert.True(t, mat.Equal(override, rm))
}
