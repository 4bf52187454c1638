// internal/platform/training/groups.go
package training

import (
	"fmt"

	"google.golang.org/grpc"

	"github.com/openeeap/rlactor/internal/platform/training/collective"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

// GroupProvider hands out the collectives of the ranks this process hosts
type GroupProvider interface {
	Topology() Topology

	// Ranks lists the global ranks run by this process
	Ranks() []int

	// Groups returns the sequence-parallel and data-parallel groups of rank
	Groups(rank int) (sp, dp ulysses.Group, err error)
}

// LocalGroups hosts every rank of the topology in one process
type LocalGroups struct {
	topo Topology
	sp   [][]*ulysses.LocalGroup
	dp   [][]*ulysses.LocalGroup
}

// NewLocalGroups wires in-process groups for all ranks of topo
func NewLocalGroups(topo Topology) *LocalGroups {
	l := &LocalGroups{topo: topo}
	for replica := 0; replica < topo.DP(); replica++ {
		l.sp = append(l.sp, ulysses.NewLocalGroups(topo.SP))
	}
	for shard := 0; shard < topo.SP; shard++ {
		l.dp = append(l.dp, ulysses.NewLocalGroups(topo.DP()))
	}
	return l
}

func (l *LocalGroups) Topology() Topology { return l.topo }

func (l *LocalGroups) Ranks() []int {
	ranks := make([]int, l.topo.World)
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}

func (l *LocalGroups) Groups(rank int) (ulysses.Group, ulysses.Group, error) {
	if rank < 0 || rank >= l.topo.World {
		return nil, nil, errors.ValidationErrorf("rank %d outside world of %d", rank, l.topo.World)
	}
	replica, shard := l.topo.Coords(rank)
	return l.sp[replica][shard], l.dp[shard][replica], nil
}

// RemoteGroups hosts a single rank whose peers meet on a rendezvous server
type RemoteGroups struct {
	topo  Topology
	rank  int
	group string
	conn  grpc.ClientConnInterface
	opts  []collective.ClientOption
}

// NewRemoteGroups creates the provider of one rank. group namespaces the
// rounds of this run on the shared server.
func NewRemoteGroups(conn grpc.ClientConnInterface, group string, topo Topology, rank int, opts ...collective.ClientOption) (*RemoteGroups, error) {
	if conn == nil {
		return nil, errors.ValidationError("collective connection is required")
	}
	if rank < 0 || rank >= topo.World {
		return nil, errors.ValidationErrorf("rank %d outside world of %d", rank, topo.World)
	}
	return &RemoteGroups{topo: topo, rank: rank, group: group, conn: conn, opts: opts}, nil
}

func (r *RemoteGroups) Topology() Topology { return r.topo }

func (r *RemoteGroups) Ranks() []int { return []int{r.rank} }

func (r *RemoteGroups) Groups(rank int) (ulysses.Group, ulysses.Group, error) {
	if rank != r.rank {
		return nil, nil, errors.ValidationErrorf("rank %d is not hosted here", rank)
	}
	replica, shard := r.topo.Coords(rank)
	sp, err := collective.NewClient(r.conn, fmt.Sprintf("%s/sp/%d", r.group, replica), shard, r.topo.SP, r.opts...)
	if err != nil {
		return nil, nil, err
	}
	dp, err := collective.NewClient(r.conn, fmt.Sprintf("%s/dp/%d", r.group, shard), replica, r.topo.DP(), r.opts...)
	if err != nil {
		return nil, nil, err
	}
	return sp, dp, nil
}

//Personal.AI order the ending
