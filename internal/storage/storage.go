package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/evelyn32h/omnipaxos-database/configs"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
)

const (
	EngineMemory = "memory"
	EngineSQLite = "sqlite"
)

// NewStorage 根据配置返回存储引擎实例，由调用方持有并负责 Close
func NewStorage(ctx context.Context, cfg configs.StorageConfig) (Engine, error) {
	switch strings.ToLower(cfg.Engine) {
	case "", EngineSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case EngineMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

// 内存实现，主要用于测试与单机开发；不支持原始语句
type memoryStorage struct {
	mu sync.RWMutex

	data    map[string][]byte
	applied uint64
	closed  bool
}

func NewMemoryStorage() Engine {
	return &memoryStorage{data: make(map[string][]byte)}
}

func (m *memoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryStorage) SupportsStatements() bool {
	return false
}

func (m *memoryStorage) Begin(ctx context.Context) (Tx, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, kverrors.ErrShutdown
	}
	return &memoryTx{m: m}, nil
}

func (m *memoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	val, ok := m.data[key]
	if !ok {
		return nil, kverrors.ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *memoryStorage) Query(ctx context.Context, statement string) ([]byte, error) {
	return nil, kverrors.ErrUnsupportedStatement
}

func (m *memoryStorage) AppliedIndex(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied, nil
}

func (m *memoryStorage) Snapshot(ctx context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{AppliedIndex: m.applied, Records: make([]Record, 0, len(m.data))}
	for k, v := range m.data {
		val := make([]byte, len(v))
		copy(val, v)
		snap.Records = append(snap.Records, Record{Key: k, Value: val})
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].Key < snap.Records[j].Key })
	return snap, nil
}

func (m *memoryStorage) Restore(ctx context.Context, snap Snapshot) error {
	data := make(map[string][]byte, len(snap.Records))
	for _, r := range snap.Records {
		data[r.Key] = r.Value
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.applied = snap.AppliedIndex
	return nil
}

type memoryOp struct {
	del   bool
	key   string
	value []byte
}

// 事务内的修改先缓存，Commit 时在写锁下一次性生效
type memoryTx struct {
	m       *memoryStorage
	ops     []memoryOp
	applied *uint64
	done    bool
}

func (tx *memoryTx) Put(key string, value []byte) error {
	val := make([]byte, len(value))
	copy(val, value)
	tx.ops = append(tx.ops, memoryOp{key: key, value: val})
	return nil
}

func (tx *memoryTx) Delete(key string) error {
	tx.ops = append(tx.ops, memoryOp{del: true, key: key})
	return nil
}

func (tx *memoryTx) Exec(statement string) error {
	return fmt.Errorf("%w: %w", kverrors.ErrStatementRejected, kverrors.ErrUnsupportedStatement)
}

func (tx *memoryTx) SetAppliedIndex(index uint64) error {
	tx.applied = &index
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true

	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	if tx.m.closed {
		return kverrors.ErrShutdown
	}

	for _, op := range tx.ops {
		if op.del {
			delete(tx.m.data, op.key)
			continue
		}
		tx.m.data[op.key] = op.value
	}
	if tx.applied != nil {
		tx.m.applied = *tx.applied
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	tx.done = true
	tx.ops = nil
	return nil
}
