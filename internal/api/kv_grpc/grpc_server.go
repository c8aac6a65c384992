package kv_grpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	"github.com/evelyn32h/omnipaxos-database/internal/services"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

// KVServer 的实现，内部持有 KVService。
// 业务错误通过响应信封返回，gRPC 状态只反映传输层错误。
type KVGRPCServer struct {
	svc services.KVService
}

func NewKVGRPCServer(svc services.KVService) *KVGRPCServer {
	return &KVGRPCServer{svc: svc}
}

func (s *KVGRPCServer) Execute(ctx context.Context, req *command.Request) (*command.Response, error) {
	resp := s.svc.Execute(ctx, *req)
	return &resp, nil
}

// NewGRPCServerWrapper 创建使用 JSON 编解码的 grpc.Server
func NewGRPCServerWrapper(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	return grpc.NewServer(opts...)
}

// StartGRPCServer 在 addr 上启动 kvnode.KV 服务，ctx 结束时优雅停止
func StartGRPCServer(ctx context.Context, addr string, svc services.KVService) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	grpcServer := NewGRPCServerWrapper()
	RegisterKVServer(grpcServer, NewKVGRPCServer(svc))

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	logger := util.Named("grpc")
	logger.Infof("gRPC server listening on %s", addr)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpc server stopped: %w", err)
	}
	return nil
}
