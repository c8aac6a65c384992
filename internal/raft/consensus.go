package raft

import "context"

type Role int

const (
	Follower Role = iota
	Leader
	Candidate
	Shutdown
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	case Candidate:
		return "Candidate"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Consensus 是执行层对共识协作方的全部依赖：
// 有序持久的日志、角色查询，以及按需获取 ReadIndex。
type Consensus interface {
	// 提交一条日志，返回其被多数派提交后的索引；非 Leader 返回 ErrNotLeader
	Submit(ctx context.Context, entry []byte) (uint64, error)
	// 当前角色
	CurrentRole() Role
	// 返回调用时刻多数派已确认的日志位置；无法确认时返回 ErrReadIndexUnavailable
	RequestReadIndex(ctx context.Context) (uint64, error)
	// 返回一个在下一次角色变化时被关闭的 channel
	RoleChanged() <-chan struct{}
	// 最近一次已知的 Leader
	Leader() (id, address string)
}

// 已提交日志的消费方，按日志顺序逐条调用
type StateMachine interface {
	Apply(index uint64, entry []byte) error
}

// 节点当前状态 snapshot
type Status struct {
	ID          string
	Role        Role
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	LeaderID    string
}
