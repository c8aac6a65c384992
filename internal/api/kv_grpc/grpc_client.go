package kv_grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
)

// kvnode.KV 的客户端
type Client struct {
	conn *grpc.ClientConn
}

// NewClient 连接 addr 上的节点，额外的 DialOption 追加在默认选项之后
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	options := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	options = append(options, opts...)

	conn, err := grpc.NewClient(addr, options...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Execute(ctx context.Context, req command.Request) (command.Response, error) {
	out := new(command.Response)
	if err := c.conn.Invoke(ctx, executeMethod, &req, out); err != nil {
		return command.Response{}, err
	}
	return *out, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte) (command.Response, error) {
	return c.Execute(ctx, command.Request{Operation: "write", Key: key, Value: value})
}

func (c *Client) Get(ctx context.Context, key string, tier command.Tier) (command.Response, error) {
	return c.Execute(ctx, command.Request{Operation: "read", Key: key, Tier: tier.String()})
}

func (c *Client) Delete(ctx context.Context, key string) (command.Response, error) {
	return c.Execute(ctx, command.Request{Operation: "delete", Key: key})
}
