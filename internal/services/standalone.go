package services

import (
	"context"

	"github.com/evelyn32h/omnipaxos-database/configs"
	"github.com/evelyn32h/omnipaxos-database/internal/raft"
	"github.com/evelyn32h/omnipaxos-database/internal/storage"
	"github.com/evelyn32h/omnipaxos-database/internal/store"
)

// 单机模式下的 KVService 实现：本地单节点日志即多数派，
// 写入与读取的路径与 Raft 模式完全相同。
func NewStandaloneKVService(ctx context.Context, cfg *configs.AppConfig) (KVService, error) {
	engine, err := storage.NewStorage(ctx, cfg.Self.Storage)
	if err != nil {
		return nil, err
	}
	exec, err := store.NewExecutor(ctx, engine)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	node := raft.NewNode(raft.NodeOptions{
		ID:         cfg.Self.ID,
		Address:    cfg.Self.ClientAddress,
		StartIndex: exec.LastApplied(),
	}, &store.KVStateMachine{Exec: exec})
	node.Start()

	stop := func() error {
		node.Stop()
		return nil
	}
	return newKVService(configs.ModeStandalone, node, exec, cfg.Consistency, stop, engine.Close), nil
}
