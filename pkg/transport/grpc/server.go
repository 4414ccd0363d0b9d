package grpc

import (
    "context"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/status"

    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
)

const deliverMethod = "/gns.v1.Replica/Deliver"

// frame carries one encoded packet. The bytes are decoded on arrival so a
// malformed packet never reaches the handler.
type frame struct {
    Data []byte `json:"data"`
}

type empty struct{}

type replicaServer interface {
    Deliver(ctx context.Context, in *frame) (*empty, error)
}

type replicaImpl struct{ t *Transport }

func (r *replicaImpl) Deliver(_ context.Context, in *frame) (*empty, error) {
    p, err := packet.Decode(in.Data)
    if err != nil {
        obsmetrics.PacketsDropped.WithLabelValues("malformed").Inc()
        return nil, status.Error(codes.InvalidArgument, err.Error())
    }
    r.t.enqueue(p)
    return &empty{}, nil
}

// Service descriptor and handler (hand-written, no codegen required)
var _Replica_serviceDesc = grpc.ServiceDesc{
    ServiceName: "gns.v1.Replica",
    HandlerType: (*replicaServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "Deliver", Handler: _Replica_Deliver_Handler},
    },
}

func _Replica_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(frame)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(replicaServer).Deliver(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(replicaServer).Deliver(ctx, req.(*frame))
    }
    return interceptor(ctx, in, info, handler)
}
