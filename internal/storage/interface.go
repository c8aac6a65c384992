package storage

import "context"

// Record 是 KV 表中的一行
type Record struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Snapshot 是某个 AppliedIndex 时刻的完整状态，用于共识层快照与恢复
type Snapshot struct {
	AppliedIndex uint64   `json:"applied_index"`
	Records      []Record `json:"records"`
}

// 对底层单机事务存储引擎的抽象：
//   - 写入只通过 Tx 完成，数据与 AppliedIndex 在同一事务中提交；
//   - 读取直接访问已提交的数据，不会看到未提交或部分写入的值。
type Engine interface {
	Begin(ctx context.Context) (Tx, error)                       // 开启写事务
	Get(ctx context.Context, key string) ([]byte, error)         // 读取已提交的值，不存在时返回 ErrNotFound
	Query(ctx context.Context, statement string) ([]byte, error) // 执行只读原始语句，返回首行首列
	AppliedIndex(ctx context.Context) (uint64, error)            // 读取持久化的 lastApplied
	Snapshot(ctx context.Context) (Snapshot, error)              // 导出一致性快照
	Restore(ctx context.Context, snap Snapshot) error            // 用快照整体替换当前状态
	SupportsStatements() bool                                    // 是否支持原始语句
	Close() error                                                // 关闭存储，释放资源
}

// 单个写事务，调用方必须以 Commit 或 Rollback 结束
type Tx interface {
	Put(key string, value []byte) error
	Delete(key string) error
	Exec(statement string) error // 语句本身导致的失败返回 ErrStatementRejected
	SetAppliedIndex(index uint64) error
	Commit() error
	Rollback() error
}
