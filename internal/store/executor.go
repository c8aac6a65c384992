package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/storage"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

// 被跳过的日志保留结果的窗口，超出后等待者只能看到已应用
const rejectedRetention = 4096

// 某条日志应用失败的记录，供等待该索引的写请求取回
type applyFailure struct {
	index uint64
	err   error
}

// Executor 把已提交的写命令应用到存储引擎：
//   - 每个日志索引恰好应用一次，重复投递直接忽略；
//   - 数据变更与 ApplyIndex 在同一事务中提交；
//   - lastApplied 单调递增，推进时唤醒所有等待者。
type Executor struct {
	engine storage.Engine
	logger util.Logger

	writeMu     sync.Mutex // 串行化所有写事务
	lastApplied atomic.Uint64

	notifyMu sync.Mutex
	notify   chan struct{}
	failure  *applyFailure
	rejected map[uint64]error // 已推进但未生效的索引 -> 原因
}

// NewExecutor 从引擎中恢复持久化的 ApplyIndex
func NewExecutor(ctx context.Context, engine storage.Engine) (*Executor, error) {
	applied, err := engine.AppliedIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kverrors.ErrCannotLoadState, err)
	}

	e := &Executor{
		engine:   engine,
		logger:   util.Named("executor"),
		notify:   make(chan struct{}),
		rejected: make(map[uint64]error),
	}
	e.lastApplied.Store(applied)
	e.logger.Infof("recovered apply index=%d", applied)
	return e, nil
}

// ApplyWrite 在 index 处应用一条写命令。index 必须恰好是 lastApplied+1，
// 小于等于 lastApplied 视为重复投递，直接成功返回。
func (e *Executor) ApplyWrite(ctx context.Context, index uint64, cmd command.Command) error {
	if !cmd.IsWrite() {
		return fmt.Errorf("%w: %s is not a write", kverrors.ErrInvalidCommand, cmd.Kind)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	last := e.lastApplied.Load()
	if index <= last {
		e.logger.Debugf("skip duplicate index=%d (applied=%d)", index, last)
		return nil
	}
	if index != last+1 {
		return fmt.Errorf("%w: got index=%d, applied=%d", kverrors.ErrIndexGap, index, last)
	}

	if err := e.commit(ctx, index, func(tx storage.Tx) error {
		switch cmd.Kind {
		case command.KindWrite:
			return tx.Put(cmd.Key, cmd.Value)
		case command.KindDelete:
			return tx.Delete(cmd.Key)
		default:
			return tx.Exec(cmd.Statement)
		}
	}); err != nil {
		if errors.Is(err, kverrors.ErrStatementRejected) {
			// 所有副本上结果相同：跳过该条目，只推进索引
			return e.skipLocked(ctx, index, err)
		}
		e.recordFailure(index, err)
		return fmt.Errorf("%w: apply index=%d: %w", kverrors.ErrStorage, index, err)
	}

	e.advance(index)
	return nil
}

// Skip 在 index 处跳过一条无法应用的日志：只推进 ApplyIndex，
// 等待该索引的写请求收到 cause。index 必须恰好是 lastApplied+1。
func (e *Executor) Skip(ctx context.Context, index uint64, cause error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	last := e.lastApplied.Load()
	if index <= last {
		return nil
	}
	if index != last+1 {
		return fmt.Errorf("%w: got index=%d, applied=%d", kverrors.ErrIndexGap, index, last)
	}
	return e.skipLocked(ctx, index, cause)
}

func (e *Executor) skipLocked(ctx context.Context, index uint64, cause error) error {
	if err := e.commit(ctx, index, nil); err != nil {
		e.recordFailure(index, err)
		return fmt.Errorf("%w: skip index=%d: %w", kverrors.ErrStorage, index, err)
	}

	e.logger.Warnf("skip index=%d: %v", index, cause)
	e.notifyMu.Lock()
	e.rejected[index] = cause
	for i := range e.rejected {
		if i+rejectedRetention < index {
			delete(e.rejected, i)
		}
	}
	e.notifyMu.Unlock()

	e.advance(index)
	return nil
}

// AdvanceTo 把 ApplyIndex 推进到 index 而不修改数据，
// 用于共识层内部不携带写命令的日志（空操作、成员变更）
func (e *Executor) AdvanceTo(ctx context.Context, index uint64) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if index <= e.lastApplied.Load() {
		return nil
	}
	if err := e.commit(ctx, index, nil); err != nil {
		return fmt.Errorf("%w: advance to index=%d: %w", kverrors.ErrStorage, index, err)
	}

	e.advance(index)
	return nil
}

// 在单个事务中执行 mutate 并写入 ApplyIndex
func (e *Executor) commit(ctx context.Context, index uint64, mutate func(tx storage.Tx) error) error {
	tx, err := e.engine.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if mutate != nil {
		if err := mutate(tx); err != nil {
			return err
		}
	}
	if err := tx.SetAppliedIndex(index); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Executor) advance(index uint64) {
	e.lastApplied.Store(index)

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if e.failure != nil && e.failure.index <= index {
		e.failure = nil
	}
	close(e.notify)
	e.notify = make(chan struct{})
}

func (e *Executor) recordFailure(index uint64, err error) {
	e.logger.Errorf("apply index=%d failed: %v", index, err)

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.failure = &applyFailure{index: index, err: err}
	close(e.notify)
	e.notify = make(chan struct{})
}

// Read 读取本地已提交的值
func (e *Executor) Read(ctx context.Context, key string) ([]byte, error) {
	val, err := e.engine.Get(ctx, key)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return val, nil
}

// Query 执行只读语句
func (e *Executor) Query(ctx context.Context, statement string) ([]byte, error) {
	val, err := e.engine.Query(ctx, statement)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return val, nil
}

// 保留调用方可识别的错误，其余归为存储错误
func wrapStorage(err error) error {
	switch {
	case errors.Is(err, kverrors.ErrNotFound),
		errors.Is(err, kverrors.ErrUnsupportedStatement),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", kverrors.ErrStorage, err)
	}
}

func (e *Executor) LastApplied() uint64 {
	return e.lastApplied.Load()
}

func (e *Executor) Applied() <-chan struct{} {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	return e.notify
}

// WaitApplied 阻塞直到 index 被应用。若该索引应用失败则返回对应的存储错误，
// ctx 到期返回 ErrWriteTimeout。
func (e *Executor) WaitApplied(ctx context.Context, index uint64) error {
	for {
		e.notifyMu.Lock()
		ch := e.notify
		failure := e.failure
		e.notifyMu.Unlock()

		if e.lastApplied.Load() >= index {
			// rejected 先于 lastApplied 写入，这里一定能看到
			if cause := e.rejectedAt(index); cause != nil {
				return fmt.Errorf("%w: apply index=%d: %w", kverrors.ErrStorage, index, cause)
			}
			return nil
		}
		if failure != nil && failure.index == index {
			return fmt.Errorf("%w: apply index=%d: %w", kverrors.ErrStorage, index, failure.err)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: index=%d not applied (applied=%d)", kverrors.ErrWriteTimeout, index, e.lastApplied.Load())
			}
			return fmt.Errorf("%w: %w", kverrors.ErrCanceled, ctx.Err())
		}
	}
}

func (e *Executor) rejectedAt(index uint64) error {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	return e.rejected[index]
}

// SupportsStatements 报告存储引擎能否执行原始语句
func (e *Executor) SupportsStatements() bool {
	return e.engine.SupportsStatements()
}

// Snapshot 导出当前状态（数据与 ApplyIndex 一致）
func (e *Executor) Snapshot(ctx context.Context) (storage.Snapshot, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	snap, err := e.engine.Snapshot(ctx)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("%w: snapshot: %w", kverrors.ErrStorage, err)
	}
	return snap, nil
}

// Restore 用快照替换本地状态；快照不比本地新时忽略
func (e *Executor) Restore(ctx context.Context, snap storage.Snapshot) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if last := e.lastApplied.Load(); snap.AppliedIndex <= last {
		e.logger.Infof("ignore snapshot at index=%d (applied=%d)", snap.AppliedIndex, last)
		return nil
	}
	if err := e.engine.Restore(ctx, snap); err != nil {
		return fmt.Errorf("%w: restore: %w", kverrors.ErrStorage, err)
	}

	e.logger.Infof("restored snapshot at index=%d with %d records", snap.AppliedIndex, len(snap.Records))
	e.advance(snap.AppliedIndex)
	return nil
}
