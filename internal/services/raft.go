package services

import (
	"context"
	"fmt"

	"github.com/evelyn32h/omnipaxos-database/configs"
	"github.com/evelyn32h/omnipaxos-database/internal/raft/hraft"
	"github.com/evelyn32h/omnipaxos-database/internal/storage"
	"github.com/evelyn32h/omnipaxos-database/internal/store"
)

// 基于 Raft 的分布式 KVService 实现。
// 只有 Leader 接受写入与 Leader/线性一致读，其余节点返回带 Leader 地址的 NotLeader。
func NewRaftKVService(ctx context.Context, cfg *configs.AppConfig) (KVService, error) {
	engine, err := storage.NewStorage(ctx, cfg.Self.Storage)
	if err != nil {
		return nil, err
	}
	exec, err := store.NewExecutor(ctx, engine)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	node, err := hraft.Open(cfg, exec)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("start raft node: %w", err)
	}
	return newKVService(configs.ModeRaft, node, exec, cfg.Consistency, node.Stop, engine.Close), nil
}
