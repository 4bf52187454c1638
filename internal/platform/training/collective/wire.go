// internal/platform/training/collective/wire.go

// Package collective carries the all-gather of a sequence-parallel group
// across processes. Every rank calls a rendezvous service over gRPC, and the
// service holds a round open until each rank of the group has arrived.
package collective

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "rlactor.collective.v1.Collective"

	// OpAllGather labels all-gather rounds in metrics
	OpAllGather = "all_gather"

	allGatherMethod = "/" + ServiceName + "/AllGather"
)

const (
	fieldGroup = "group"
	fieldRound = "round"
	fieldRank  = "rank"
	fieldSize  = "size"
	fieldData  = "data"
)

// Service is implemented by the rendezvous side. Messages are protobuf
// well-known types, so doubles travel in binary and NaN survives.
type Service interface {
	AllGather(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error)
}

// ServiceDesc describes the collective service to grpc
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AllGather", Handler: allGatherHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rlactor/collective/v1/collective.proto",
}

// Register attaches srv to a grpc server
func Register(r grpc.ServiceRegistrar, srv Service) {
	r.RegisterService(&ServiceDesc, srv)
}

func allGatherHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).AllGather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: allGatherMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Service).AllGather(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Messages
// ============================================================================

// gatherRequest is one rank's contribution to one round
type gatherRequest struct {
	Group string
	Round uint64
	Rank  int
	Size  int
	Data  []float64
}

func (r *gatherRequest) encode() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldGroup: structpb.NewStringValue(r.Group),
		fieldRound: structpb.NewNumberValue(float64(r.Round)),
		fieldRank:  structpb.NewNumberValue(float64(r.Rank)),
		fieldSize:  structpb.NewNumberValue(float64(r.Size)),
		fieldData:  structpb.NewListValue(numbers(r.Data)),
	}}
}

func decodeRequest(s *structpb.Struct) (*gatherRequest, error) {
	f := s.GetFields()
	round, err := integer(f, fieldRound)
	if err != nil {
		return nil, err
	}
	rank, err := integer(f, fieldRank)
	if err != nil {
		return nil, err
	}
	size, err := integer(f, fieldSize)
	if err != nil {
		return nil, err
	}
	data, err := floats(f[fieldData].GetListValue())
	if err != nil {
		return nil, err
	}
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d outside a group of %d", rank, size)
	}
	return &gatherRequest{
		Group: f[fieldGroup].GetStringValue(),
		Round: uint64(round),
		Rank:  int(rank),
		Size:  int(size),
		Data:  data,
	}, nil
}

func encodeReply(slots [][]float64) *structpb.ListValue {
	out := &structpb.ListValue{Values: make([]*structpb.Value, len(slots))}
	for i, s := range slots {
		out.Values[i] = structpb.NewListValue(numbers(s))
	}
	return out
}

func decodeReply(l *structpb.ListValue) ([][]float64, error) {
	out := make([][]float64, len(l.GetValues()))
	for i, v := range l.GetValues() {
		row, err := floats(v.GetListValue())
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		out[i] = row
	}
	return out, nil
}

func numbers(xs []float64) *structpb.ListValue {
	vals := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		vals[i] = structpb.NewNumberValue(x)
	}
	return &structpb.ListValue{Values: vals}
}

func floats(l *structpb.ListValue) ([]float64, error) {
	out := make([]float64, len(l.GetValues()))
	for i, v := range l.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

func integer(f map[string]*structpb.Value, key string) (int64, error) {
	v, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("field %q is not an integer", key)
	}
	return int64(n), nil
}

//Personal.AI order the ending
