package kv_grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
)

const (
	serviceName    = "kvnode.KV"
	executeMethod  = "/kvnode.KV/Execute"
	executeHandler = "Execute"
)

// KVServer 是 kvnode.KV 服务端需要实现的接口
type KVServer interface {
	Execute(ctx context.Context, req *command.Request) (*command.Response, error)
}

func RegisterKVServer(s grpc.ServiceRegistrar, srv KVServer) {
	s.RegisterService(&kvServiceDesc, srv)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: executeHandler,
			Handler:    executeHandlerFunc,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvnode/kv.json",
}

func executeHandlerFunc(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(command.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KVServer).Execute(ctx, req.(*command.Request))
	}
	return interceptor(ctx, in, info, handler)
}
