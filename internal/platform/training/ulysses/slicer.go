// internal/platform/training/ulysses/slicer.go

// Package ulysses shards a packed token stream across the ranks of a
// sequence-parallel group and gathers per-token results back.
//
// A stream of L rows of width w is right-padded with
// (P - L mod P) mod P zero rows and each rank keeps one contiguous 1/P
// chunk. GatherAndUnpad concatenates the chunks in rank order and drops the
// padding, so any row-wise transform commutes with the pair.
package ulysses

import (
	"context"
	"fmt"

	"github.com/openeeap/rlactor/pkg/errors"
)

// PadSize returns the number of filler rows that make length divisible by size
func PadSize(length, size int) int {
	return (size - length%size) % size
}

// PadAndSlice pads flat, a row-major [L, width] stream, and returns the chunk
// owned by rank together with the pad size
func PadAndSlice[T any](flat []T, width, rank, size int) ([]T, int) {
	length := len(flat) / width
	pad := PadSize(length, size)
	chunk := (length + pad) / size

	shard := make([]T, chunk*width)
	start := rank * chunk * width
	if start < len(flat) {
		copy(shard, flat[start:min(start+chunk*width, len(flat))])
	}
	return shard, pad
}

// GatherAndUnpad all-gathers every rank's [L/P, width] shard and removes the
// trailing padSize rows
func GatherAndUnpad(ctx context.Context, g Group, shard []float64, width, padSize int) ([]float64, error) {
	if g.Size() == 1 {
		return trimRows(append([]float64(nil), shard...), width, padSize)
	}

	parts, err := g.AllGather(ctx, shard)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTrainCollective.Code, "all_gather failed")
	}

	out := make([]float64, 0, len(shard)*len(parts))
	for rank, p := range parts {
		if len(p) != len(shard) {
			return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
				fmt.Sprintf("rank %d contributed %d elements, want %d", rank, len(p), len(shard)))
		}
		out = append(out, p...)
	}
	return trimRows(out, width, padSize)
}

func trimRows(flat []float64, width, padSize int) ([]float64, error) {
	keep := len(flat) - padSize*width
	if keep < 0 {
		return nil, errors.NewFromCodef(errors.ErrTrainShapeMismatch,
			fmt.Sprintf("cannot drop %d padding rows from %d elements", padSize, len(flat)))
	}
	return flat[:keep], nil
}

// RollNextToken rotates flat left by one, so position i holds the token at
// i+1. The last position receives the first token of the stream; it is
// never part of a response span and is dropped downstream.
func RollNextToken[T any](flat []T) []T {
	out := make([]T, len(flat))
	if len(flat) == 0 {
		return out
	}
	copy(out, flat[1:])
	out[len(out)-1] = flat[0]
	return out
}

//Personal.AI order the ending
