// internal/platform/training/packing/packing.go

// Package packing removes padding from [N, S] batches and restores it.
//
// A Layout records, for every valid position, its row-major origin n*S+s.
// Pack gathers those positions into a flat stream; Unpack scatters a stream
// back and zero-fills every position that was not packed, so
// Unpack(Pack(x)) equals x under the mask and 0 elsewhere for any trailing
// width.
package packing

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/openeeap/rlactor/pkg/errors"
)

// Layout is the packing of one [N, S] mask
type Layout struct {
	// Indices holds the origin n*S+s of every packed position, in row-major order
	Indices []int

	// Batch is N
	Batch int

	// SeqLen is S
	SeqLen int
}

// Len returns the number of packed positions
func (l *Layout) Len() int {
	return len(l.Indices)
}

// Unpad builds the layout of mask. Every row must have at least one valid
// position.
func Unpad(mask mat.Matrix) (*Layout, error) {
	n, s := mask.Dims()
	layout := &Layout{Indices: make([]int, 0, n*s), Batch: n, SeqLen: s}
	for i := 0; i < n; i++ {
		valid := 0
		for j := 0; j < s; j++ {
			if mask.At(i, j) != 0 {
				layout.Indices = append(layout.Indices, i*s+j)
				valid++
			}
		}
		if valid == 0 {
			return nil, errors.NewFromCodef(errors.ErrBatchEmptySequence, i)
		}
	}
	return layout, nil
}

// Pack gathers the width-wide block of every valid position of x, a
// row-major [N, S, width] buffer
func Pack[T any](layout *Layout, x []T, width int) ([]T, error) {
	if err := checkLen(len(x), layout.Batch*layout.SeqLen*width, "padded input"); err != nil {
		return nil, err
	}
	out := make([]T, 0, layout.Len()*width)
	for _, idx := range layout.Indices {
		out = append(out, x[idx*width:(idx+1)*width]...)
	}
	return out, nil
}

// Unpack scatters a packed [L, width] stream back to [N, S, width]
func Unpack[T any](layout *Layout, flat []T, width int) ([]T, error) {
	if err := checkLen(len(flat), layout.Len()*width, "packed stream"); err != nil {
		return nil, err
	}
	out := make([]T, layout.Batch*layout.SeqLen*width)
	for i, idx := range layout.Indices {
		copy(out[idx*width:(idx+1)*width], flat[i*width:(i+1)*width])
	}
	return out, nil
}

// PackDense packs an [N, S] matrix
func PackDense(layout *Layout, m *mat.Dense) ([]float64, error) {
	r, c := m.Dims()
	if r != layout.Batch || c != layout.SeqLen {
		return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
			fmt.Sprintf("matrix is %dx%d, layout is %dx%d", r, c, layout.Batch, layout.SeqLen))
	}
	return Pack(layout, mat.DenseCopyOf(m).RawMatrix().Data, 1)
}

// UnpackDense restores an [N, S] matrix from a packed stream
func UnpackDense(layout *Layout, flat []float64) (*mat.Dense, error) {
	out, err := Unpack(layout, flat, 1)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(layout.Batch, layout.SeqLen, out), nil
}

func checkLen(got, want int, what string) error {
	if got != want {
		return errors.NewFromCodef(errors.ErrTrainShapeMismatch,
			fmt.Sprintf("%s has %d elements, want %d", what, got, want))
	}
	return nil
}

//Personal.AI order the ending
