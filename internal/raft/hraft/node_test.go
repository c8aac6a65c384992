package hraft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/evelyn32h/omnipaxos-database/internal/command"
	"github.com/evelyn32h/omnipaxos-database/internal/consistency"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	localraft "github.com/evelyn32h/omnipaxos-database/internal/raft"
	"github.com/evelyn32h/omnipaxos-database/internal/storage"
	"github.com/evelyn32h/omnipaxos-database/internal/store"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

type testNode struct {
	node  *Node
	exec  *store.Executor
	trans *raft.InmemTransport
}

func testConfig(id string) *raft.Config {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(id)
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond
	conf.CommitTimeout = 5 * time.Millisecond
	conf.LogOutput = io.Discard
	return conf
}

// 用内存存储启动单个节点
func newTestNode(t *testing.T, id string, trans *raft.InmemTransport, opts Options) *testNode {
	t.Helper()
	exec, err := store.NewExecutor(context.Background(), storage.NewMemoryStorage())
	require.NoError(t, err)

	mem := raft.NewInmemStore()
	node, err := NewNode(testConfig(id), exec, Deps{
		Logs:      mem,
		Stable:    mem,
		Snapshots: raft.NewInmemSnapshotStore(),
		Transport: trans,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Stop() })
	return &testNode{node: node, exec: exec, trans: trans}
}

// 启动 n 个通过内存传输互联的节点，由第一个节点引导集群
func startCluster(t *testing.T, n int) []*testNode {
	t.Helper()

	transports := make([]*raft.InmemTransport, n)
	servers := make([]raft.Server, n)
	clients := make(map[string]string, n)
	for i := range transports {
		id := fmt.Sprintf("n%d", i+1)
		addr, trans := raft.NewInmemTransport("")
		transports[i] = trans
		servers[i] = raft.Server{Suffrage: raft.Voter, ID: raft.ServerID(id), Address: addr}
		clients[id] = fmt.Sprintf("127.0.0.1:808%d", i)
	}
	for i := range transports {
		for j := range transports {
			if i != j {
				transports[i].Connect(servers[j].Address, transports[j])
			}
		}
	}

	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newTestNode(t, string(servers[i].ID), transports[i], Options{
			Bootstrap:       i == 0,
			Servers:         servers,
			ClientAddresses: clients,
		})
	}
	return nodes
}

func waitLeader(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	var leader *testNode
	require.Eventually(t, func() bool {
		for _, tn := range nodes {
			if tn.node.CurrentRole() == localraft.Leader {
				leader = tn
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func submitPut(t *testing.T, n *Node, key, value string) uint64 {
	t.Helper()
	entry, err := command.EncodeEntry(command.Command{Kind: command.KindWrite, Key: key, Value: []byte(value)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	index, err := n.Submit(ctx, entry)
	require.NoError(t, err)
	return index
}

func TestNode_SingleNodeSubmit(t *testing.T) {
	nodes := startCluster(t, 1)
	leader := waitLeader(t, nodes)

	idx1 := submitPut(t, leader.node, "k", "v1")
	idx2 := submitPut(t, leader.node, "k", "v2")
	require.Greater(t, idx2, idx1)

	// Apply future 返回时 FSM 已应用，且跳过的内部日志已补齐
	require.Equal(t, idx2, leader.exec.LastApplied())
	val, err := leader.exec.Read(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)

	readIndex, err := leader.node.RequestReadIndex(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, readIndex, idx2)

	id, addr := leader.node.Leader()
	require.Equal(t, "n1", id)
	require.Equal(t, "127.0.0.1:8080", addr)

	st := leader.node.Status()
	require.Equal(t, localraft.Leader, st.Role)
	require.Equal(t, "n1", st.LeaderID)
	require.Equal(t, idx2, st.LastApplied)
}

func TestNode_LinearizableReadThroughCoordinator(t *testing.T) {
	nodes := startCluster(t, 1)
	leader := waitLeader(t, nodes)

	submitPut(t, leader.node, "k", "v1")

	c := consistency.NewCoordinator(leader.node, leader.exec, consistency.Options{ReadTimeout: 2 * time.Second})
	val, err := c.Read(context.Background(), command.Command{Kind: command.KindRead, Key: "k", Tier: command.TierLinearizable})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

func TestNode_FollowerRedirects(t *testing.T) {
	nodes := startCluster(t, 3)
	leader := waitLeader(t, nodes)
	index := submitPut(t, leader.node, "k", "v1")

	var follower *testNode
	for _, tn := range nodes {
		if tn != leader {
			follower = tn
			break
		}
	}

	// 已知 Leader 后，非 Leader 的写与线性一致读都返回带地址的 NotLeader
	require.Eventually(t, func() bool {
		id, _ := follower.node.Leader()
		return id != ""
	}, 5*time.Second, 10*time.Millisecond)

	leaderID, leaderAddr := leader.node.Leader()
	_, err := follower.node.Submit(context.Background(), []byte{0x00})
	require.ErrorIs(t, err, kverrors.ErrNotLeader)
	id, addr := kverrors.LeaderHint(err)
	require.Equal(t, leaderID, id)
	require.Equal(t, leaderAddr, addr)

	c := consistency.NewCoordinator(follower.node, follower.exec, consistency.Options{})
	_, err = c.Read(context.Background(), command.Command{Kind: command.KindRead, Key: "k", Tier: command.TierLinearizable})
	require.ErrorIs(t, err, kverrors.ErrNotLeader)

	// 本地读最终会看到复制过来的写入
	require.Eventually(t, func() bool {
		return follower.exec.LastApplied() >= index
	}, 5*time.Second, 10*time.Millisecond)
	val, err := c.Read(context.Background(), command.Command{Kind: command.KindRead, Key: "k", Tier: command.TierLocal})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

func TestNode_Join(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 1)
	leader := waitLeader(t, nodes)
	index := submitPut(t, leader.node, "k", "v1")

	addr, trans := raft.NewInmemTransport("")
	leader.trans.Connect(addr, trans)
	trans.Connect(leader.trans.LocalAddr(), leader.trans)
	joined := newTestNode(t, "n2", trans, Options{})

	require.NoError(t, leader.node.Join(ctx, "n2", string(addr)))

	// 新节点通过复制追上已有数据
	require.Eventually(t, func() bool {
		return joined.exec.LastApplied() >= index
	}, 5*time.Second, 10*time.Millisecond)
	val, err := joined.exec.Read(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)

	err = joined.node.Join(ctx, "n3", "127.0.0.1:7003")
	require.ErrorIs(t, err, kverrors.ErrNotLeader)
}

// 读路径看到的 lastApplied 停在 0，线性一致读会一直等待应用
type stalledReader struct {
	store.Reader
	applied chan struct{}
}

func (r stalledReader) LastApplied() uint64      { return 0 }
func (r stalledReader) Applied() <-chan struct{} { return r.applied }

func TestNode_LinearizableReadFailsOnLeadershipTransfer(t *testing.T) {
	nodes := startCluster(t, 3)
	leader := waitLeader(t, nodes)
	submitPut(t, leader.node, "k", "v1")

	reader := stalledReader{Reader: leader.exec, applied: make(chan struct{})}
	c := consistency.NewCoordinator(leader.node, reader, consistency.Options{ReadTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), command.Command{Kind: command.KindRead, Key: "k", Tier: command.TierLinearizable})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("read returned before leadership moved: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	start := time.Now()
	require.NoError(t, leader.node.r.LeadershipTransfer().Error())

	select {
	case err := <-done:
		require.ErrorIs(t, err, kverrors.ErrNotLeader)
		require.Equal(t, kverrors.KindNotLeader, kverrors.KindOf(err))
	case <-time.After(3 * time.Second):
		t.Fatal("waiting read was not failed after demotion")
	}
	require.Less(t, time.Since(start), 5*time.Second)
	require.NotEqual(t, localraft.Leader, leader.node.CurrentRole())
}

func TestNode_MapErr(t *testing.T) {
	nodes := startCluster(t, 1)
	n := waitLeader(t, nodes).node

	tt := []struct {
		name      string
		err       error
		onTimeout error
		want      error
		kind      kverrors.Kind
	}{
		{name: "barrier enqueue timeout", err: raft.ErrEnqueueTimeout, onTimeout: kverrors.ErrReadIndexUnavailable,
			want: kverrors.ErrReadIndexUnavailable, kind: kverrors.KindReadTimeout},
		{name: "apply enqueue timeout", err: raft.ErrEnqueueTimeout, onTimeout: kverrors.ErrWriteTimeout,
			want: kverrors.ErrWriteTimeout, kind: kverrors.KindWriteTimeout},
		{name: "leadership lost", err: raft.ErrLeadershipLost, want: kverrors.ErrNotLeader, kind: kverrors.KindNotLeader},
		{name: "not leader", err: raft.ErrNotLeader, want: kverrors.ErrNotLeader, kind: kverrors.KindNotLeader},
		{name: "shutdown", err: raft.ErrRaftShutdown, want: kverrors.ErrShutdown, kind: kverrors.KindStorage},
		{name: "deadline", err: context.DeadlineExceeded, want: context.DeadlineExceeded, kind: kverrors.KindReadTimeout},
		{name: "other", err: raft.ErrAbortedByRestore, want: kverrors.ErrRejected, kind: kverrors.KindStorage},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			err := n.mapErr(tc.err, tc.onTimeout)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, tc.kind, kverrors.KindOf(err))
		})
	}
}

type bufferSink struct {
	bytes.Buffer
	canceled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Close() error  { return nil }
func (s *bufferSink) Cancel() error { s.canceled = true; return nil }

func TestFSM_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	src, err := store.NewExecutor(ctx, storage.NewMemoryStorage())
	require.NoError(t, err)
	f := &fsm{exec: src, logger: util.Named("hraft"), stopCh: make(chan struct{})}

	entry, err := command.EncodeEntry(command.Command{Kind: command.KindWrite, Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	// index 1、2 为内部日志，不会进入 FSM
	require.Nil(t, f.Apply(&raft.Log{Index: 3, Type: raft.LogCommand, Data: entry}))
	require.Nil(t, f.Apply(&raft.Log{Index: 4, Type: raft.LogNoop}))
	require.Equal(t, uint64(3), src.LastApplied())

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.canceled)

	dst, err := store.NewExecutor(ctx, storage.NewMemoryStorage())
	require.NoError(t, err)
	g := &fsm{exec: dst, logger: util.Named("hraft"), stopCh: make(chan struct{})}
	require.NoError(t, g.Restore(io.NopCloser(&sink.Buffer)))

	require.Equal(t, uint64(3), dst.LastApplied())
	val, err := dst.Read(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)
}

func TestFSM_UndecodableEntryAdvances(t *testing.T) {
	exec, err := store.NewExecutor(context.Background(), storage.NewMemoryStorage())
	require.NoError(t, err)
	f := &fsm{exec: exec, logger: util.Named("hraft"), stopCh: make(chan struct{})}

	resp := f.Apply(&raft.Log{Index: 1, Type: raft.LogCommand, Data: []byte{0x07}})
	require.Error(t, resp.(error))
	require.Equal(t, uint64(1), exec.LastApplied())
}
