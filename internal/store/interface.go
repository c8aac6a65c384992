package store

import (
	"context"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	"github.com/evelyn32h/omnipaxos-database/internal/storage"
)

// 写路径：共识层按日志顺序把已提交的写命令交给执行器
type Applier interface {
	ApplyWrite(ctx context.Context, index uint64, cmd command.Command) error
	AdvanceTo(ctx context.Context, index uint64) error
	// 跳过 index 处无法应用的日志，等待该索引的写请求收到 cause
	Skip(ctx context.Context, index uint64, cause error) error
	LastApplied() uint64
	Snapshot(ctx context.Context) (storage.Snapshot, error)
	Restore(ctx context.Context, snap storage.Snapshot) error
}

// 读路径：只读访问已提交的状态
type Reader interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Query(ctx context.Context, statement string) ([]byte, error)
	LastApplied() uint64
	// 返回一个在 lastApplied 下一次推进时被关闭的 channel
	Applied() <-chan struct{}
}
