package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evelyn32h/omnipaxos-database/configs"
	"github.com/evelyn32h/omnipaxos-database/internal/command"
	"github.com/evelyn32h/omnipaxos-database/internal/consistency"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/raft"
	"github.com/evelyn32h/omnipaxos-database/internal/store"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

// 定义对外提供的 KV 存储服务接口,
// 不关心底层是单机日志还是 Raft 集群
type KVService interface {
	// Execute 处理一条入站请求并返回响应信封
	Execute(ctx context.Context, req command.Request) command.Response
	Put(ctx context.Context, key, value string) (uint64, error)
	Get(ctx context.Context, key string, tier command.Tier) ([]byte, error)
	Delete(ctx context.Context, key string) (uint64, error)
	// Join 把新节点加入集群，仅 raft 模式且在 Leader 上可用
	Join(ctx context.Context, id, address string) error
	Status() Status
	Close() error
}

// 节点状态，供 /status 展示
type Status struct {
	NodeID        string `json:"node_id"`
	Mode          string `json:"mode"`
	Role          string `json:"role"`
	Term          uint64 `json:"term"`
	CommitIndex   uint64 `json:"commit_index"`
	LastApplied   uint64 `json:"last_applied"`
	LeaderID      string `json:"leader_id,omitempty"`
	LeaderAddress string `json:"leader_address,omitempty"`
}

// 服务依赖的共识节点
type consensusNode interface {
	raft.Consensus
	Status() raft.Status
}

// 支持动态成员变更的共识节点
type joiner interface {
	Join(ctx context.Context, id, address string) error
}

// 两种模式共用的实现：写走共识日志并等待本地应用，读走一致性协调器
type kvService struct {
	mode         configs.Mode
	node         consensusNode
	exec         *store.Executor
	coord        *consistency.Coordinator
	writeTimeout time.Duration
	logger       util.Logger
	closers      []func() error
}

func newKVService(mode configs.Mode, node consensusNode, exec *store.Executor, cc configs.ConsistencyConfig, closers ...func() error) *kvService {
	writeTimeout := cc.WriteTimeout()
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &kvService{
		mode: mode,
		node: node,
		exec: exec,
		coord: consistency.NewCoordinator(node, exec, consistency.Options{
			ReadTimeout:       cc.ReadTimeout(),
			RoleCheckInterval: cc.RoleCheckInterval(),
			ReadIndexRetry:    cc.ReadIndexRetry(),
		}),
		writeTimeout: writeTimeout,
		logger:       util.Named("service"),
		closers:      closers,
	}
}

func (s *kvService) Execute(ctx context.Context, req command.Request) command.Response {
	cmd, err := command.Classify(req)
	if err != nil {
		return command.Failure(err)
	}
	return s.execute(ctx, cmd)
}

func (s *kvService) execute(ctx context.Context, cmd command.Command) command.Response {
	if cmd.Kind == command.KindStatement && !s.exec.SupportsStatements() {
		return command.Failure(fmt.Errorf("%w: %w", kverrors.ErrInvalidCommand, kverrors.ErrUnsupportedStatement))
	}
	if cmd.IsWrite() {
		index, err := s.write(ctx, cmd)
		if err != nil {
			s.logger.Debugf("%s failed: %v", cmd, err)
			return command.Failure(err)
		}
		return command.Ack(index)
	}

	val, err := s.coord.Read(ctx, cmd)
	if err != nil {
		return command.Failure(err)
	}
	return command.Success(val)
}

// 写入：提交到共识日志，等待本地 ApplyIndex 越过该条目后才确认
func (s *kvService) write(ctx context.Context, cmd command.Command) (uint64, error) {
	entry, err := command.EncodeEntry(cmd)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", kverrors.ErrInvalidCommand, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	index, err := s.node.Submit(ctx, entry)
	if err != nil {
		return 0, writeErr(err)
	}
	if err := s.exec.WaitApplied(ctx, index); err != nil {
		return index, err
	}
	return index, nil
}

func writeErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", kverrors.ErrWriteTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", kverrors.ErrCanceled, err)
	default:
		return err
	}
}

func (s *kvService) Put(ctx context.Context, key, value string) (uint64, error) {
	return s.writeRequest(ctx, command.Request{Operation: "write", Key: key, Value: []byte(value)})
}

func (s *kvService) Delete(ctx context.Context, key string) (uint64, error) {
	return s.writeRequest(ctx, command.Request{Operation: "delete", Key: key})
}

func (s *kvService) writeRequest(ctx context.Context, req command.Request) (uint64, error) {
	cmd, err := command.Classify(req)
	if err != nil {
		return 0, err
	}
	return s.write(ctx, cmd)
}

func (s *kvService) Get(ctx context.Context, key string, tier command.Tier) ([]byte, error) {
	cmd, err := command.Classify(command.Request{Operation: "read", Key: key, Tier: tier.String()})
	if err != nil {
		return nil, err
	}
	return s.coord.Read(ctx, cmd)
}

func (s *kvService) Join(ctx context.Context, id, address string) error {
	j, ok := s.node.(joiner)
	if !ok {
		return fmt.Errorf("%w: join is not supported in %s mode", kverrors.ErrInvalidCommand, s.mode)
	}
	if id == "" || address == "" {
		return fmt.Errorf("%w: join requires id and address", kverrors.ErrInvalidCommand)
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return writeErr(j.Join(ctx, id, address))
}

func (s *kvService) Status() Status {
	st := s.node.Status()
	leaderID, leaderAddr := s.node.Leader()
	return Status{
		NodeID:        st.ID,
		Mode:          string(s.mode),
		Role:          st.Role.String(),
		Term:          st.Term,
		CommitIndex:   st.CommitIndex,
		LastApplied:   s.exec.LastApplied(),
		LeaderID:      leaderID,
		LeaderAddress: leaderAddr,
	}
}

// Close 依次释放共识节点与存储
func (s *kvService) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
