// internal/platform/training/collective/server.go
package collective

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/openeeap/rlactor/internal/observability/logging"
)

// DefaultRoundTimeout bounds how long a rank waits for the rest of its group
const DefaultRoundTimeout = 5 * time.Minute

// Recorder receives collective timings, e.g. a metrics.MetricsCollector
type Recorder interface {
	RecordCollective(op string, wait time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordCollective(string, time.Duration) {}

// Rendezvous implements Service. A round is identified by the group name and
// the round counter every rank advances in lockstep.
type Rendezvous struct {
	mu     sync.Mutex
	rounds map[roundKey]*pending

	roundTimeout time.Duration
	logger       logging.Logger
	recorder     Recorder
}

type roundKey struct {
	group string
	round uint64
}

type pending struct {
	size    int
	slots   [][]float64
	arrived []bool
	count   int
	opened  time.Time
	done    chan struct{}
}

// RendezvousOption configures a Rendezvous
type RendezvousOption func(*Rendezvous)

// WithRoundTimeout sets the maximum wait for a round to fill
func WithRoundTimeout(d time.Duration) RendezvousOption {
	return func(r *Rendezvous) {
		if d > 0 {
			r.roundTimeout = d
		}
	}
}

// WithServerLogger sets the logger
func WithServerLogger(l logging.Logger) RendezvousOption {
	return func(r *Rendezvous) { r.logger = l }
}

// WithServerRecorder sets the metrics sink
func WithServerRecorder(rec Recorder) RendezvousOption {
	return func(r *Rendezvous) { r.recorder = rec }
}

// NewRendezvous creates an empty rendezvous service
func NewRendezvous(opts ...RendezvousOption) *Rendezvous {
	r := &Rendezvous{
		rounds:       make(map[roundKey]*pending),
		roundTimeout: DefaultRoundTimeout,
		logger:       logging.NewNoopLogger(),
		recorder:     noopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AllGather implements Service
func (r *Rendezvous) AllGather(ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	slots, err := r.gather(ctx, req)
	if err != nil {
		return nil, err
	}
	return encodeReply(slots), nil
}

func (r *Rendezvous) gather(ctx context.Context, req *gatherRequest) ([][]float64, error) {
	key := roundKey{group: req.Group, round: req.Round}
	p, err := r.join(key, req)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.roundTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.slots, nil
	case <-ctx.Done():
		r.abandon(key, p)
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-timer.C:
		r.abandon(key, p)
		r.logger.Warn("Collective round timed out",
			logging.String("group", req.Group),
			logging.Int64("round", int64(req.Round)),
			logging.Int("rank", req.Rank))
		return nil, status.Errorf(codes.DeadlineExceeded,
			"round %d of group %q incomplete after %s", req.Round, req.Group, r.roundTimeout)
	}
}

func (r *Rendezvous) join(key roundKey, req *gatherRequest) (*pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.rounds[key]
	if !ok {
		p = &pending{
			size:    req.Size,
			slots:   make([][]float64, req.Size),
			arrived: make([]bool, req.Size),
			opened:  time.Now(),
			done:    make(chan struct{}),
		}
		r.rounds[key] = p
	}
	if p.size != req.Size {
		return nil, status.Errorf(codes.FailedPrecondition,
			"rank %d reports a group of %d, round opened with %d", req.Rank, req.Size, p.size)
	}
	if p.arrived[req.Rank] {
		return nil, status.Errorf(codes.AlreadyExists,
			"rank %d joined round %d of group %q twice", req.Rank, req.Round, req.Group)
	}

	p.slots[req.Rank] = req.Data
	p.arrived[req.Rank] = true
	p.count++
	if p.count == p.size {
		delete(r.rounds, key)
		close(p.done)
		r.recorder.RecordCollective(OpAllGather, time.Since(p.opened))
		r.logger.Debug("Collective round complete",
			logging.String("group", key.group),
			logging.Int64("round", int64(key.round)),
			logging.Int("size", p.size))
	}
	return p, nil
}

// abandon forgets an unfinished round once one of its ranks stops waiting
func (r *Rendezvous) abandon(key roundKey, p *pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rounds[key]; ok && cur == p {
		delete(r.rounds, key)
	}
}

// Pending returns the number of rounds still waiting for ranks
func (r *Rendezvous) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds)
}

//Personal.AI order the ending
