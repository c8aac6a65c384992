package raft

import (
	"context"
	"sync"

	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

type NodeOptions struct {
	ID      string
	Address string // 对外地址，用于 Leader 提示
	// 日志从 StartIndex+1 开始编号，通常为状态机已持久化的 lastApplied，
	// 保证重启后新日志的索引不会落在已应用的区间内
	StartIndex uint64
}

// 单节点日志：本节点即多数派，追加即提交。
// 用于 standalone 模式，并作为 Consensus 契约的参考实现。
type Node struct {
	mu sync.Mutex

	id      string
	address string
	role    Role
	term    uint64

	log         []LogEntry // 尚未应用的日志，log[0].Index == offset+1
	offset      uint64
	commitIndex uint64
	lastApplied uint64

	sm     StateMachine
	logger util.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	applyWake chan struct{}
	roleCh    chan struct{}
}

func NewNode(opts NodeOptions, sm StateMachine) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:          opts.ID,
		address:     opts.Address,
		role:        Follower, // 初始为 Follower
		offset:      opts.StartIndex,
		commitIndex: opts.StartIndex,
		lastApplied: opts.StartIndex,
		sm:          sm,
		logger:      util.Named("raft"),
		ctx:         ctx,
		cancel:      cancel,
		applyWake:   make(chan struct{}, 1),
		roleCh:      make(chan struct{}),
	}
}

// Start 启动 apply 循环，并立即赢得单节点选举
func (n *Node) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runApplyLoop()
	}()
	n.Campaign()
}

// Stop 停止 apply 循环，之后所有请求返回 ErrShutdown
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.setRoleLocked(Shutdown)
}

// Campaign 开始新任期并成为 Leader
func (n *Node) Campaign() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == Shutdown || n.role == Leader {
		return
	}
	n.term++
	n.setRoleLocked(Leader)
	n.logger.Infof("node %s became leader at term %d", n.id, n.term)
}

// StepDown 主动退回 Follower，正在等待的线性一致读会因此失败
func (n *Node) StepDown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return
	}
	n.setRoleLocked(Follower)
	n.logger.Infof("node %s stepped down at term %d", n.id, n.term)
}

func (n *Node) setRoleLocked(role Role) {
	if n.role == role {
		return
	}
	n.role = role
	close(n.roleCh)
	n.roleCh = make(chan struct{})
}

// 上层写请求的统一入口（只在 Leader 上成功）
func (n *Node) Submit(ctx context.Context, entry []byte) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	n.mu.Lock()
	switch n.role {
	case Leader:
	case Shutdown:
		n.mu.Unlock()
		return 0, kverrors.ErrShutdown
	default:
		n.mu.Unlock()
		return 0, kverrors.NewNotLeader("", "")
	}

	index := n.offset + uint64(len(n.log)) + 1
	data := make([]byte, len(entry))
	copy(data, entry)
	n.log = append(n.log, LogEntry{Index: index, Term: n.term, Data: data})
	// 单节点即多数派
	n.commitIndex = index
	n.mu.Unlock()

	n.wake()
	return index, nil
}

func (n *Node) CurrentRole() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) RequestReadIndex(ctx context.Context) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.role {
	case Leader:
		return n.commitIndex, nil
	case Shutdown:
		return 0, kverrors.ErrShutdown
	default:
		return 0, kverrors.NewNotLeader("", "")
	}
}

func (n *Node) RoleChanged() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.roleCh
}

// 返回当前 Leader（单节点模式下只可能是自己）
func (n *Node) Leader() (string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return "", ""
	}
	return n.id, n.address
}

// 返回节点当前状态 snapshot
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Status{
		ID:          n.id,
		Role:        n.role,
		Term:        n.term,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
	}
	if n.role == Leader {
		st.LeaderID = n.id
	}
	return st
}

func (n *Node) wake() {
	select {
	case n.applyWake <- struct{}{}:
	default:
	}
}
