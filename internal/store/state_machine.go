package store

import (
	"context"
	"fmt"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
)

// 状态机接口：日志 commit 后调用，解码条目并交给 Executor
type KVStateMachine struct {
	Exec Applier
}

// Apply 应用日志到状态机
func (sm *KVStateMachine) Apply(index uint64, entry []byte) error {
	cmd, err := command.DecodeEntry(entry)
	if err != nil {
		// 无法解码的条目重试也不会成功，只能按序跳过
		return sm.Exec.Skip(context.Background(), index, fmt.Errorf("%w: undecodable entry: %w", kverrors.ErrInvalidCommand, err))
	}
	return sm.Exec.ApplyWrite(context.Background(), index, cmd)
}
