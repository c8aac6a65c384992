package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/raft"
	"github.com/evelyn32h/omnipaxos-database/internal/store"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

// 协调器对共识层的依赖
type Collaborator interface {
	CurrentRole() raft.Role
	RequestReadIndex(ctx context.Context) (uint64, error)
	RoleChanged() <-chan struct{}
	Leader() (id, address string)
}

type Options struct {
	// 线性一致读的总期限
	ReadTimeout time.Duration
	// 等待追赶期间的角色轮询间隔（作为 RoleChanged 通知之外的兜底）
	RoleCheckInterval time.Duration
	// ReadIndex 暂不可用时的重试间隔
	ReadIndexRetry time.Duration
}

func (o *Options) setDefaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.RoleCheckInterval <= 0 {
		o.RoleCheckInterval = 20 * time.Millisecond
	}
	if o.ReadIndexRetry <= 0 {
		o.ReadIndexRetry = 10 * time.Millisecond
	}
}

// Coordinator 按一致性等级决定一次读何时可以在本地执行
type Coordinator struct {
	consensus Collaborator
	reader    store.Reader
	opts      Options
	logger    util.Logger
}

func NewCoordinator(consensus Collaborator, reader store.Reader, opts Options) *Coordinator {
	opts.setDefaults()
	return &Coordinator{
		consensus: consensus,
		reader:    reader,
		opts:      opts,
		logger:    util.Named("consistency"),
	}
}

// Read 按 cmd.Tier 协调并执行一次读（key 读或只读语句）
func (c *Coordinator) Read(ctx context.Context, cmd command.Command) ([]byte, error) {
	if cmd.IsWrite() {
		return nil, fmt.Errorf("%w: %s routed to read path", kverrors.ErrInvalidCommand, cmd.Kind)
	}

	if err := c.Await(ctx, cmd.Tier); err != nil {
		return nil, err
	}

	if cmd.Kind == command.KindStatement {
		return c.reader.Query(ctx, cmd.Statement)
	}
	return c.reader.Read(ctx, cmd.Key)
}

// Await 阻塞直到按 tier 的语义可以在本地读，或返回失败原因
func (c *Coordinator) Await(ctx context.Context, tier command.Tier) error {
	if tier == command.TierLinearizable {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ReadTimeout)
		defer cancel()
	}

	st := &readState{phase: PhaseRequested}
	for !st.phase.terminal() {
		c.step(ctx, tier, st)
	}
	if st.phase == PhaseFailed {
		c.logger.Debugf("%s read failed: %v", tier, st.err)
		return st.err
	}
	return nil
}

// 推进一步状态机
func (c *Coordinator) step(ctx context.Context, tier command.Tier, st *readState) {
	switch st.phase {
	case PhaseRequested:
		if tier == command.TierLocal {
			// 本地读：不协调，可能读到旧值
			st.moveTo(PhaseReady)
			return
		}
		st.moveTo(PhaseAwaitingRole)

	case PhaseAwaitingRole:
		if err := c.checkLeader(); err != nil {
			st.fail(err)
			return
		}
		if tier == command.TierLeader {
			st.moveTo(PhaseReady)
			return
		}
		st.moveTo(PhaseAwaitingReadIndex)

	case PhaseAwaitingReadIndex:
		c.awaitReadIndex(ctx, st)

	case PhaseAwaitingApply:
		c.awaitApply(ctx, st)
	}
}

func (c *Coordinator) checkLeader() error {
	if c.consensus.CurrentRole() == raft.Leader {
		return nil
	}
	return kverrors.NewNotLeader(c.consensus.Leader())
}

func (c *Coordinator) awaitReadIndex(ctx context.Context, st *readState) {
	idx, err := c.consensus.RequestReadIndex(ctx)
	switch {
	case err == nil:
		st.readIndex = idx
		st.moveTo(PhaseAwaitingApply)
	case errors.Is(err, kverrors.ErrNotLeader):
		if id, addr := kverrors.LeaderHint(err); id == "" && addr == "" {
			err = kverrors.NewNotLeader(c.consensus.Leader())
		}
		st.fail(err)
	case errors.Is(err, kverrors.ErrReadIndexUnavailable):
		// 暂时无法确认多数派，期限内重试
		select {
		case <-ctx.Done():
			st.fail(c.contextErr(ctx, "read index unavailable"))
		case <-time.After(c.opts.ReadIndexRetry):
		}
	case ctx.Err() != nil:
		st.fail(c.contextErr(ctx, "requesting read index"))
	default:
		st.fail(err)
	}
}

func (c *Coordinator) awaitApply(ctx context.Context, st *readState) {
	// 先取 channel 再检查，避免错过检查与等待之间的通知
	applied := c.reader.Applied()
	roleChanged := c.consensus.RoleChanged()

	// 等待期间被降级：ReadIndex 已不可信
	if err := c.checkLeader(); err != nil {
		st.fail(err)
		return
	}
	if c.reader.LastApplied() >= st.readIndex {
		st.moveTo(PhaseReady)
		return
	}

	timer := time.NewTimer(c.opts.RoleCheckInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		st.fail(c.contextErr(ctx, fmt.Sprintf("applied=%d behind read index=%d", c.reader.LastApplied(), st.readIndex)))
	case <-applied:
	case <-roleChanged:
	case <-timer.C:
	}
}

// 期限到达映射为 ReadTimeout，调用方取消映射为 Canceled
func (c *Coordinator) contextErr(ctx context.Context, detail string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", kverrors.ErrReadTimeout, detail)
	}
	return fmt.Errorf("%w: %s", kverrors.ErrCanceled, detail)
}
