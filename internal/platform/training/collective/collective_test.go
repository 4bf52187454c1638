package collective_test

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/openeeap/rlactor/internal/platform/training/collective"
	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

type countingRecorder struct {
	rounds chan string
}

func (r *countingRecorder) RecordCollective(op string, _ time.Duration) {
	r.rounds <- op
}

func startRendezvous(t *testing.T, opts ...collective.RendezvousOption) (*grpc.ClientConn, *collective.Rendezvous) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rv := collective.NewRendezvous(opts...)
	collective.Register(srv, rv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := collective.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, rv
}

func newClients(t *testing.T, conn *grpc.ClientConn, group string, size int) []*collective.Client {
	t.Helper()
	clients := make([]*collective.Client, size)
	for r := range clients {
		c, err := collective.NewClient(conn, group, r, size)
		require.NoError(t, err)
		clients[r] = c
	}
	return clients
}

func TestAllGatherRankOrder(t *testing.T) {
	conn, rv := startRendezvous(t)
	clients := newClients(t, conn, "sp", 3)
	ctx := context.Background()

	inputs := [][]float64{{1, 2}, {math.NaN(), math.Inf(1)}, {}}
	results := make([][][]float64, len(clients))
	var eg errgroup.Group
	for r, c := range clients {
		r, c := r, c
		eg.Go(func() error {
			out, err := c.AllGather(ctx, inputs[r])
			results[r] = out
			return err
		})
	}
	require.NoError(t, eg.Wait())

	for r := range clients {
		require.Len(t, results[r], 3)
		assert.Equal(t, []float64{1, 2}, results[r][0])
		assert.True(t, math.IsNaN(results[r][1][0]))
		assert.True(t, math.IsInf(results[r][1][1], 1))
		assert.Empty(t, results[r][2])
	}
	assert.Equal(t, 0, rv.Pending())
}

func TestClientsSatisfyGroupReductions(t *testing.T) {
	rec := &countingRecorder{rounds: make(chan string, 16)}
	conn, _ := startRendezvous(t, collective.WithServerRecorder(rec))
	clients := newClients(t, conn, "dp", 2)
	ctx := context.Background()

	maxes := make([]float64, 2)
	sums := make([][]float64, 2)
	var eg errgroup.Group
	for r, c := range clients {
		r, c := r, c
		eg.Go(func() error {
			var g ulysses.Group = c
			var err error
			if maxes[r], err = ulysses.AllReduceMax(ctx, g, float64(3*r+1)); err != nil {
				return err
			}
			sums[r], err = ulysses.AllReduceSum(ctx, g, []float64{float64(r), 10})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, []float64{4, 4}, maxes)
	assert.Equal(t, []float64{1, 20}, sums[0])
	assert.Equal(t, sums[0], sums[1])
	assert.Len(t, rec.rounds, 2)
}

func TestGroupsDoNotMix(t *testing.T) {
	conn, _ := startRendezvous(t)
	a := newClients(t, conn, "a", 2)
	b := newClients(t, conn, "b", 2)
	ctx := context.Background()

	type job struct {
		c    *collective.Client
		data float64
	}
	jobs := []job{{a[0], 1}, {a[1], 2}, {b[0], 3}, {b[1], 4}}
	results := make([][][]float64, len(jobs))
	var eg errgroup.Group
	for i, j := range jobs {
		i, j := i, j
		eg.Go(func() error {
			out, err := j.c.AllGather(ctx, []float64{j.data})
			results[i] = out
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, [][]float64{{1}, {2}}, results[0])
	assert.Equal(t, [][]float64{{3}, {4}}, results[3])
}

func TestRoundTimeout(t *testing.T) {
	conn, rv := startRendezvous(t, collective.WithRoundTimeout(50*time.Millisecond))
	clients := newClients(t, conn, "sp", 2)

	_, err := clients[0].AllGather(context.Background(), []float64{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTrainCollective.Code))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Equal(t, 0, rv.Pending())
}

func TestSizeDisagreement(t *testing.T) {
	conn, _ := startRendezvous(t, collective.WithRoundTimeout(time.Second))
	two, err := collective.NewClient(conn, "sp", 0, 2)
	require.NoError(t, err)
	three, err := collective.NewClient(conn, "sp", 1, 3)
	require.NoError(t, err)

	var eg errgroup.Group
	errs := make([]error, 2)
	eg.Go(func() error { _, errs[0] = two.AllGather(context.Background(), nil); return nil })
	eg.Go(func() error { _, errs[1] = three.AllGather(context.Background(), nil); return nil })
	require.NoError(t, eg.Wait())

	// whichever rank arrives second is rejected, the first times out
	got := []codes.Code{status.Code(errs[0]), status.Code(errs[1])}
	assert.Contains(t, got, codes.FailedPrecondition)
	assert.Contains(t, got, codes.DeadlineExceeded)
}

func TestNewClientValidatesRank(t *testing.T) {
	conn, _ := startRendezvous(t)
	_, err := collective.NewClient(conn, "sp", 2, 2)
	assert.Error(t, err)
	_, err = collective.NewClient(nil, "sp", 0, 1)
	assert.Error(t, err)
}

//Personal.AI order the ending
