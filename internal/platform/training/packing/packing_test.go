package packing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/pkg/errors"
)

func TestUnpadRecordsRowMajorOrigins(t *testing.T) {
	mask := mat.NewDense(2, 3, []float64{
		0, 1, 1,
		1, 1, 0,
	})

	layout, err := Unpad(mask)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, layout.Indices)
	assert.Equal(t, 2, layout.Batch)
	assert.Equal(t, 3, layout.SeqLen)
}

func TestUnpadRejectsEmptyRow(t *testing.T) {
	mask := mat.NewDense(2, 2, []float64{1, 1, 0, 0})
	_, err := Unpad(mask)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBatchEmptySequence.Code))
}

// Round trip over random masks and trailing widths: packed positions come
// back unchanged, every other position is zero.
func TestPackUnpackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		n, s, width := 1+rng.Intn(4), 1+rng.Intn(6), 1+rng.Intn(3)
		mask := mat.NewDense(n, s, nil)
		for i := 0; i < n; i++ {
			mask.Set(i, rng.Intn(s), 1)
			for j := 0; j < s; j++ {
				if rng.Float64() < 0.5 {
					mask.Set(i, j, 1)
				}
			}
		}
		x := make([]float64, n*s*width)
		for i := range x {
			x[i] = rng.NormFloat64()
		}

		layout, err := Unpad(mask)
		require.NoError(t, err)
		packed, err := Pack(layout, x, width)
		require.NoError(t, err)
		require.Len(t, packed, layout.Len()*width)

		restored, err := Unpack(layout, packed, width)
		require.NoError(t, err)

		for i := 0; i < n; i++ {
			for j := 0; j < s; j++ {
				base := (i*s + j) * width
				for k := 0; k < width; k++ {
					if mask.At(i, j) != 0 {
						assert.Equal(t, x[base+k], restored[base+k])
					} else {
						assert.Zero(t, restored[base+k])
					}
				}
			}
		}
	}
}

func TestPackDense(t *testing.T) {
	mask := mat.NewDense(2, 3, []float64{1, 1, 0, 0, 1, 1})
	ids := mat.NewDense(2, 3, []float64{5, 6, 7, 8, 9, 10})

	layout, err := Unpad(mask)
	require.NoError(t, err)

	flat, err := PackDense(layout, ids)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 9, 10}, flat)

	back, err := UnpackDense(layout, flat)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 0, 0, 9, 10}, back.RawMatrix().Data)

	_, err = PackDense(layout, mat.NewDense(3, 3, nil))
	assert.Error(t, err)
	_, err = UnpackDense(layout, []float64{1})
	assert.Error(t, err)
}

func TestPackIntegers(t *testing.T) {
	layout := &Layout{Indices: []int{0, 3}, Batch: 2, SeqLen: 2}
	packed, err := Pack(layout, []int{1, 2, 3, 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, packed)
}
