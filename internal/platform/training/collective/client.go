// internal/platform/training/collective/client.go
package collective

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/openeeap/rlactor/internal/platform/training/ulysses"
	"github.com/openeeap/rlactor/pkg/errors"
)

// Client is one rank of a group that meets through a Rendezvous service.
// It implements ulysses.Group; ranks must issue collectives in the same
// order, which is what keeps their round counters aligned.
type Client struct {
	conn  grpc.ClientConnInterface
	group string
	rank  int
	size  int

	round    atomic.Uint64
	recorder Recorder
}

var _ ulysses.Group = (*Client)(nil)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientRecorder sets the metrics sink
func WithClientRecorder(rec Recorder) ClientOption {
	return func(c *Client) { c.recorder = rec }
}

// NewClient creates rank of a group of size over conn
func NewClient(conn grpc.ClientConnInterface, group string, rank, size int, opts ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, errors.ValidationError("collective connection is required")
	}
	if size < 1 || rank < 0 || rank >= size {
		return nil, errors.ValidationErrorf("rank %d outside a group of %d", rank, size)
	}
	c := &Client{
		conn:     conn,
		group:    group,
		rank:     rank,
		size:     size,
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial opens a plaintext connection to a rendezvous server
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTrainCollective.Code, fmt.Sprintf("dial %s", target))
	}
	return conn, nil
}

func (c *Client) Rank() int { return c.rank }
func (c *Client) Size() int { return c.size }

// AllGather sends data and blocks until every rank's contribution for the
// same round is back, in rank order
func (c *Client) AllGather(ctx context.Context, data []float64) ([][]float64, error) {
	round := c.round.Add(1) - 1
	req := &gatherRequest{Group: c.group, Round: round, Rank: c.rank, Size: c.size, Data: data}

	start := time.Now()
	reply := new(structpb.ListValue)
	// ranks may come up before the rendezvous server does
	if err := c.conn.Invoke(ctx, allGatherMethod, req.encode(), reply, grpc.WaitForReady(true)); err != nil {
		return nil, errors.Wrap(err, errors.ErrTrainCollective.Code,
			fmt.Sprintf("all_gather round %d of group %q", round, c.group))
	}
	c.recorder.RecordCollective(OpAllGather, time.Since(start))

	slots, err := decodeReply(reply)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTrainCollective.Code, "malformed all_gather reply")
	}
	if len(slots) != c.size {
		return nil, errors.NewFromCodef(errors.ErrTrainCollective,
			fmt.Sprintf("all_gather (%d slots for a group of %d)", len(slots), c.size))
	}
	return slots, nil
}

//Personal.AI order the ending
