// internal/platform/training/ulysses/group.go
package ulysses

import (
	"context"
	"fmt"
	"sync"

	"github.com/openeeap/rlactor/pkg/errors"
)

// Group is a set of ranks that execute the same collective calls in the same
// order. AllGather blocks until every rank of the group has contributed and
// returns the contributions indexed by rank.
type Group interface {
	Rank() int
	Size() int
	AllGather(ctx context.Context, data []float64) ([][]float64, error)
}

// AllReduceMax returns the maximum of v over the group
func AllReduceMax(ctx context.Context, g Group, v float64) (float64, error) {
	parts, err := g.AllGather(ctx, []float64{v})
	if err != nil {
		return 0, err
	}
	maxV := v
	for _, p := range parts {
		if len(p) != 1 {
			return 0, errors.NewFromCodef(errors.ErrTrainCollective, "all_reduce_max")
		}
		if p[0] > maxV {
			maxV = p[0]
		}
	}
	return maxV, nil
}

// AllReduceSum returns the element-wise sum of data over the group
func AllReduceSum(ctx context.Context, g Group, data []float64) ([]float64, error) {
	parts, err := g.AllGather(ctx, data)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(data))
	for _, p := range parts {
		if len(p) != len(data) {
			return nil, errors.NewFromCodef(errors.ErrTrainCollective, "all_reduce_sum")
		}
		for i, v := range p {
			out[i] += v
		}
	}
	return out, nil
}

// ============================================================================
// Single rank
// ============================================================================

// SingleGroup is the width-1 group
type SingleGroup struct{}

func (SingleGroup) Rank() int { return 0 }
func (SingleGroup) Size() int { return 1 }

// AllGather returns a copy of data
func (SingleGroup) AllGather(ctx context.Context, data []float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]float64{append([]float64(nil), data...)}, nil
}

// ============================================================================
// In-process ranks
// ============================================================================

// LocalGroup is one rank of a group whose ranks are goroutines of the same
// process. Ranks meet in rounds: a round completes when every rank has
// called AllGather once.
type LocalGroup struct {
	rank int
	hub  *hub
}

type hub struct {
	size int

	mu      sync.Mutex
	current *round
}

type round struct {
	slots   [][]float64
	arrived []bool
	count   int
	done    chan struct{}
}

// NewLocalGroups creates size connected ranks
func NewLocalGroups(size int) []*LocalGroup {
	h := &hub{size: size}
	groups := make([]*LocalGroup, size)
	for i := range groups {
		groups[i] = &LocalGroup{rank: i, hub: h}
	}
	return groups
}

func (g *LocalGroup) Rank() int { return g.rank }
func (g *LocalGroup) Size() int { return g.hub.size }

// AllGather blocks until all ranks arrive or ctx is done
func (g *LocalGroup) AllGather(ctx context.Context, data []float64) ([][]float64, error) {
	r, err := g.hub.join(g.rank, data)
	if err != nil {
		return nil, err
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.CodeCancelled, "all_gather cancelled")
	}

	out := make([][]float64, len(r.slots))
	for i, s := range r.slots {
		out[i] = append([]float64(nil), s...)
	}
	return out, nil
}

func (h *hub) join(rank int, data []float64) (*round, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.current
	if r == nil {
		r = &round{
			slots:   make([][]float64, h.size),
			arrived: make([]bool, h.size),
			done:    make(chan struct{}),
		}
		h.current = r
	}
	if r.arrived[rank] {
		return nil, errors.NewFromCodef(errors.ErrTrainCollective,
			fmt.Sprintf("all_gather: rank %d joined the same round twice", rank))
	}

	r.slots[rank] = append([]float64(nil), data...)
	r.arrived[rank] = true
	r.count++
	if r.count == h.size {
		h.current = nil
		close(r.done)
	}
	return r, nil
}

//Personal.AI order the ending
