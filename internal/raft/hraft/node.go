package hraft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/evelyn32h/omnipaxos-database/configs"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	localraft "github.com/evelyn32h/omnipaxos-database/internal/raft"
	"github.com/evelyn32h/omnipaxos-database/internal/raft/raft_store"
	"github.com/evelyn32h/omnipaxos-database/internal/store"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

const (
	defaultApplyTimeout   = 5 * time.Second
	defaultBarrierTimeout = 2 * time.Second
	tcpMaxPool            = 3
	tcpTimeout            = 10 * time.Second
)

// 构造 Node 所需的 hashicorp/raft 组件
type Deps struct {
	Logs      raft.LogStore
	Stable    raft.StableStore
	Snapshots raft.SnapshotStore
	Transport raft.Transport
}

type Options struct {
	// 首次启动时以 Servers 引导集群
	Bootstrap bool
	Servers   []raft.Server
	// Raft ID -> 对外客户端地址，用于 NotLeader 的重定向提示
	ClientAddresses map[string]string
	ApplyTimeout    time.Duration
	BarrierTimeout  time.Duration
}

// Node 以 hashicorp/raft 实现 Consensus
type Node struct {
	id     string
	r      *raft.Raft
	exec   store.Applier
	opts   Options
	logger util.Logger

	notifyCh chan bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	roleMu sync.Mutex
	roleCh chan struct{}

	closers []func() error
}

var _ localraft.Consensus = (*Node)(nil)

// NewNode 启动 raft 实例。conf 会被复制，调用方无需设置 NotifyCh。
func NewNode(conf *raft.Config, exec store.Applier, deps Deps, opts Options) (*Node, error) {
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = defaultApplyTimeout
	}
	if opts.BarrierTimeout <= 0 {
		opts.BarrierTimeout = defaultBarrierTimeout
	}

	n := &Node{
		id:       string(conf.LocalID),
		exec:     exec,
		opts:     opts,
		logger:   util.Named("hraft"),
		notifyCh: make(chan bool, 16),
		stopCh:   make(chan struct{}),
		roleCh:   make(chan struct{}),
	}

	c := *conf
	c.NotifyCh = n.notifyCh

	f := &fsm{exec: exec, logger: n.logger, stopCh: n.stopCh}
	r, err := raft.NewRaft(&c, f, deps.Logs, deps.Stable, deps.Snapshots, deps.Transport)
	if err != nil {
		return nil, fmt.Errorf("start raft: %w", err)
	}
	n.r = r

	if opts.Bootstrap {
		existing, err := raft.HasExistingState(deps.Logs, deps.Stable, deps.Snapshots)
		if err != nil {
			_ = r.Shutdown().Error()
			return nil, fmt.Errorf("%w: %w", kverrors.ErrCannotLoadState, err)
		}
		if !existing {
			err := r.BootstrapCluster(raft.Configuration{Servers: opts.Servers}).Error()
			if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				_ = r.Shutdown().Error()
				return nil, fmt.Errorf("bootstrap cluster: %w", err)
			}
			n.logger.Infof("bootstrapped cluster with %d servers", len(opts.Servers))
		}
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watchRole()
	}()
	return n, nil
}

// Open 按配置组装持久化存储与 TCP 传输并启动节点
func Open(cfg *configs.AppConfig, exec store.Applier) (*Node, error) {
	rc := cfg.Raft
	if rc == nil {
		return nil, fmt.Errorf("%w: missing raft section", kverrors.ErrCannotLoadConfig)
	}
	logOutput := util.NewLogWriter(util.Named("hraft"))

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.Self.ID)
	conf.HeartbeatTimeout = time.Duration(rc.HeartbeatTimeoutMs) * time.Millisecond
	conf.ElectionTimeout = time.Duration(rc.ElectionTimeoutMs) * time.Millisecond
	if conf.LeaderLeaseTimeout > conf.HeartbeatTimeout {
		conf.LeaderLeaseTimeout = conf.HeartbeatTimeout
	}
	conf.SnapshotThreshold = rc.SnapshotThreshold
	conf.LogOutput = logOutput

	var (
		deps    Deps
		closers []func() error
	)
	switch rc.LogStore {
	case "memory":
		mem := raft.NewInmemStore()
		deps.Logs, deps.Stable = mem, mem
	default:
		st, err := raft_store.Open(filepath.Join(rc.DataDir, "raft.db"))
		if err != nil {
			return nil, err
		}
		deps.Logs, deps.Stable = st, st
		closers = append(closers, st.Close)
	}

	snaps, err := raft.NewFileSnapshotStore(rc.DataDir, rc.SnapshotRetain, logOutput)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	deps.Snapshots = snaps

	addr, err := net.ResolveTCPAddr("tcp", rc.BindAddress)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("resolve raft address: %w", err)
	}
	trans, err := raft.NewTCPTransport(rc.BindAddress, addr, tcpMaxPool, tcpTimeout, logOutput)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("open raft transport: %w", err)
	}
	closers = append([]func() error{trans.Close}, closers...)
	deps.Transport = trans

	opts := Options{
		Bootstrap:       rc.Bootstrap,
		ClientAddresses: make(map[string]string, len(rc.Nodes)),
		ApplyTimeout:    cfg.Consistency.WriteTimeout(),
		BarrierTimeout:  cfg.Consistency.ReadTimeout(),
	}
	for _, p := range rc.Nodes {
		opts.Servers = append(opts.Servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.ID),
			Address:  raft.ServerAddress(p.Address),
		})
		opts.ClientAddresses[p.ID] = p.ClientAddress
	}

	n, err := NewNode(conf, exec, deps, opts)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	n.closers = closers
	return n, nil
}

func closeAll(closers []func() error) {
	for _, c := range closers {
		_ = c()
	}
}

// Stop 关闭 raft 实例并释放存储与传输
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		err = n.r.Shutdown().Error()
		n.wg.Wait()
		closeAll(n.closers)
		n.broadcastRole()
	})
	return err
}

func (n *Node) Submit(ctx context.Context, entry []byte) (uint64, error) {
	if n.r.State() != raft.Leader {
		return 0, n.notLeader()
	}

	f := n.r.Apply(entry, n.timeout(ctx, n.opts.ApplyTimeout))
	if err := waitFuture(ctx, f); err != nil {
		return 0, n.mapErr(err, kverrors.ErrWriteTimeout)
	}
	if resp, ok := f.Response().(error); ok && resp != nil {
		return f.Index(), fmt.Errorf("%w: %w", kverrors.ErrStorage, resp)
	}
	return f.Index(), nil
}

func (n *Node) CurrentRole() localraft.Role {
	switch n.r.State() {
	case raft.Leader:
		return localraft.Leader
	case raft.Candidate:
		return localraft.Candidate
	case raft.Shutdown:
		return localraft.Shutdown
	default:
		return localraft.Follower
	}
}

// RequestReadIndex 通过 Barrier 确认领导权：Barrier 在当前任期提交，
// 且返回前之前的所有日志都已交给 FSM，此时的 lastApplied 即读索引
func (n *Node) RequestReadIndex(ctx context.Context) (uint64, error) {
	if n.r.State() != raft.Leader {
		return 0, n.notLeader()
	}

	f := n.r.Barrier(n.timeout(ctx, n.opts.BarrierTimeout))
	if err := waitFuture(ctx, f); err != nil {
		return 0, n.mapErr(err, kverrors.ErrReadIndexUnavailable)
	}
	return n.exec.LastApplied(), nil
}

func (n *Node) RoleChanged() <-chan struct{} {
	n.roleMu.Lock()
	defer n.roleMu.Unlock()
	return n.roleCh
}

func (n *Node) Leader() (string, string) {
	addr, id := n.r.LeaderWithID()
	if id == "" {
		return "", ""
	}
	if client, ok := n.opts.ClientAddresses[string(id)]; ok && client != "" {
		return string(id), client
	}
	return string(id), string(addr)
}

func (n *Node) Status() localraft.Status {
	stats := n.r.Stats()
	leaderID, _ := n.Leader()

	return localraft.Status{
		ID:          n.id,
		Role:        n.CurrentRole(),
		Term:        n.statUint(stats, "term"),
		CommitIndex: n.statUint(stats, "commit_index"),
		LastApplied: n.exec.LastApplied(),
		LeaderID:    leaderID,
	}
}

// Stats 中的数值字段，解析失败时记日志并按 0 处理
func (n *Node) statUint(stats map[string]string, key string) uint64 {
	v, err := strconv.ParseUint(stats[key], 10, 64)
	if err != nil {
		n.logger.Warnf("parse raft stat %s=%q: %v", key, stats[key], err)
		return 0
	}
	return v
}

// Join 把新节点加入集群（只能在 Leader 上执行）
func (n *Node) Join(ctx context.Context, id, address string) error {
	if n.r.State() != raft.Leader {
		return n.notLeader()
	}
	f := n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, n.timeout(ctx, n.opts.ApplyTimeout))
	if err := waitFuture(ctx, f); err != nil {
		return n.mapErr(err, kverrors.ErrWriteTimeout)
	}
	n.logger.Infof("node %s at %s joined", id, address)
	return nil
}

func (n *Node) watchRole() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	last := n.r.State()
	for {
		select {
		case <-n.stopCh:
			return
		case leader := <-n.notifyCh:
			n.logger.Infof("leadership changed: leader=%v", leader)
			last = n.r.State()
			n.broadcastRole()
		case <-ticker.C:
			// Follower/Candidate 之间的切换不经过 NotifyCh
			if st := n.r.State(); st != last {
				last = st
				n.broadcastRole()
			}
		}
	}
}

func (n *Node) broadcastRole() {
	n.roleMu.Lock()
	defer n.roleMu.Unlock()
	close(n.roleCh)
	n.roleCh = make(chan struct{})
}

func (n *Node) notLeader() error {
	return kverrors.NewNotLeader(n.Leader())
}

// hashicorp/raft 的错误映射为对外错误，入队超时映射为 onTimeout
func (n *Node) mapErr(err, onTimeout error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return n.notLeader()
	case errors.Is(err, raft.ErrRaftShutdown):
		return kverrors.ErrShutdown
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: %w", onTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", kverrors.ErrRejected, err)
	}
}

// 取 ctx 剩余时间与默认值中较小者
func (n *Node) timeout(ctx context.Context, def time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if remaining < def {
			return remaining
		}
	}
	return def
}

// 等待 future 完成，期间响应 ctx 取消
func waitFuture(ctx context.Context, f raft.Future) error {
	done := make(chan error, 1)
	go func() {
		done <- f.Error()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
