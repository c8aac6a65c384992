package kv_grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/evelyn32h/omnipaxos-database/configs"
	"github.com/evelyn32h/omnipaxos-database/internal/command"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/services"
)

func newBufClient(t *testing.T) *Client {
	t.Helper()

	cfg := &configs.AppConfig{
		Self: configs.NodeConfig{
			ID:            "solo",
			ClientAddress: "127.0.0.1:8080",
			Storage:       configs.StorageConfig{Engine: "memory"},
		},
	}
	cfg.SetDefaults()
	svc, err := services.NewStandaloneKVService(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServerWrapper()
	RegisterKVServer(srv, NewKVGRPCServer(svc))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPC_Execute(t *testing.T) {
	ctx := context.Background()
	client := newBufClient(t)

	resp, err := client.Put(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Message)
	require.Equal(t, uint64(1), resp.Index)

	resp, err = client.Get(ctx, "k", command.TierLinearizable)
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Message)
	require.Equal(t, []byte("v1"), resp.Bytes())

	resp, err = client.Delete(ctx, "k")
	require.NoError(t, err)
	require.True(t, resp.OK())

	resp, err = client.Get(ctx, "k", command.TierLocal)
	require.NoError(t, err)
	require.Equal(t, kverrors.KindNotFound, resp.Error)
}

func TestGRPC_BinaryValue(t *testing.T) {
	ctx := context.Background()
	client := newBufClient(t)
	value := []byte{0xff, 0xfe, 0x00, 0x80}

	resp, err := client.Put(ctx, "bin", value)
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Message)

	resp, err = client.Get(ctx, "bin", command.TierLocal)
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Message)
	require.Equal(t, value, resp.Bytes())
}

func TestGRPC_InvalidCommandIsEnvelopeError(t *testing.T) {
	client := newBufClient(t)

	resp, err := client.Execute(context.Background(), command.Request{Operation: "read"})
	require.NoError(t, err)
	require.False(t, resp.OK())
	require.Equal(t, kverrors.KindInvalidCommand, resp.Error)
}
