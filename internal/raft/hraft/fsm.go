package hraft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/storage"
	"github.com/evelyn32h/omnipaxos-database/internal/store"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

const (
	minApplyBackoff = 10 * time.Millisecond
	maxApplyBackoff = time.Second
)

// fsm 把 hashicorp/raft 投递的日志交给 Executor。
// 空操作、成员变更等内部日志不会进入 FSM，用 AdvanceTo 补齐索引。
type fsm struct {
	exec   store.Applier
	logger util.Logger
	stopCh <-chan struct{}
}

var _ raft.FSM = (*fsm)(nil)

func (f *fsm) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return nil
	}

	if l.Index > 1 {
		if err := f.retry(l.Index-1, func(ctx context.Context) error {
			return f.exec.AdvanceTo(ctx, l.Index-1)
		}); err != nil {
			return err
		}
	}

	cmd, err := command.DecodeEntry(l.Data)
	if err != nil {
		err = fmt.Errorf("%w: undecodable entry: %w", kverrors.ErrInvalidCommand, err)
		if skipErr := f.retry(l.Index, func(ctx context.Context) error {
			return f.exec.Skip(ctx, l.Index, err)
		}); skipErr != nil {
			return skipErr
		}
		return err
	}

	if err := f.retry(l.Index, func(ctx context.Context) error {
		return f.exec.ApplyWrite(ctx, l.Index, cmd)
	}); err != nil {
		return err
	}
	return nil
}

// 已提交的日志不能跳过：失败时退避重试，直到成功或节点关闭
func (f *fsm) retry(index uint64, fn func(ctx context.Context) error) error {
	backoff := minApplyBackoff
	for {
		err := fn(context.Background())
		if err == nil {
			return nil
		}
		f.logger.Warnf("apply index=%d failed, retry in %s: %v", index, backoff, err)

		select {
		case <-f.stopCh:
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxApplyBackoff {
			backoff = maxApplyBackoff
		}
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	snap, err := f.exec.Snapshot(context.Background())
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{snap: snap}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return f.exec.Restore(context.Background(), snap)
}

type fsmSnapshot struct {
	snap storage.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
