package configs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// 运行模式：单机（本地单节点日志），或基于 Raft 的多副本复制
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeRaft       Mode = "raft"
)

// 单个节点“自身”的配置（通用）
type NodeConfig struct {
	ID            string        `toml:"id" yaml:"id"`                         // 本节点 ID
	ClientAddress string        `toml:"client_address" yaml:"client_address"` // 对外 HTTP 服务地址
	GRPCAddress   string        `toml:"grpc_address" yaml:"grpc_address"`     // 对外 gRPC 服务地址，可为空
	Storage       StorageConfig `toml:"storage" yaml:"storage"`
}

type StorageConfig struct {
	Engine string `toml:"engine" yaml:"engine"` // sqlite | memory
	Path   string `toml:"path" yaml:"path"`
}

// 读写协调相关的期限配置
type ConsistencyConfig struct {
	// 线性一致读的总期限（含 ReadIndex 往返和本地追赶）
	ReadTimeoutMs int `toml:"read_timeout_ms" yaml:"read_timeout_ms"`
	// 写入提交并应用的期限
	WriteTimeoutMs int `toml:"write_timeout_ms" yaml:"write_timeout_ms"`
	// 等待追赶期间检查角色的间隔
	RoleCheckIntervalMs int `toml:"role_check_interval_ms" yaml:"role_check_interval_ms"`
	// ReadIndex 暂不可用时的重试间隔
	ReadIndexRetryMs int `toml:"read_index_retry_ms" yaml:"read_index_retry_ms"`
}

func (c ConsistencyConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c ConsistencyConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

func (c ConsistencyConfig) RoleCheckInterval() time.Duration {
	return time.Duration(c.RoleCheckIntervalMs) * time.Millisecond
}

func (c ConsistencyConfig) ReadIndexRetry() time.Duration {
	return time.Duration(c.ReadIndexRetryMs) * time.Millisecond
}

// Raft 模式的集群配置
type RaftClusterConfig struct {
	// 本节点 Raft 通信地址
	BindAddress string `toml:"bind_address" yaml:"bind_address"`
	// 日志、快照目录
	DataDir string `toml:"data_dir" yaml:"data_dir"`
	// Raft 日志存储：sqlite | memory
	LogStore string `toml:"log_store" yaml:"log_store"`
	// 首次启动时是否以 Nodes 引导集群
	Bootstrap bool `toml:"bootstrap" yaml:"bootstrap"`
	// 集群中所有 Raft 节点
	Nodes []RaftPeer `toml:"nodes" yaml:"nodes"`
	// 选举超时时间（毫秒）
	ElectionTimeoutMs int `toml:"election_timeout_ms" yaml:"election_timeout_ms"`
	// 心跳超时时间（毫秒）
	HeartbeatTimeoutMs int `toml:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms"`
	// 保留的快照数量
	SnapshotRetain int `toml:"snapshot_retain" yaml:"snapshot_retain"`
	// 触发快照的日志条数阈值
	SnapshotThreshold uint64 `toml:"snapshot_threshold" yaml:"snapshot_threshold"`
}

type RaftPeer struct {
	ID            string `toml:"id" yaml:"id"`
	Address       string `toml:"address" yaml:"address"`               // Raft 通信地址
	ClientAddress string `toml:"client_address" yaml:"client_address"` // 对外 HTTP 地址，用于重定向提示
}

type LoggerConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Dir        string `toml:"dir" yaml:"dir"`
	Extension  string `toml:"extension" yaml:"extension"`
	Prefix     string `toml:"prefix" yaml:"prefix"`
	Level      string `toml:"level" yaml:"level"`
	Stdout     bool   `toml:"stdout" yaml:"stdout"`
	TimeFormat string `toml:"time_format" yaml:"time_format"`
}

// 顶层应用配置
type AppConfig struct {
	// 当前运行模式
	Mode Mode `toml:"mode" yaml:"mode"`
	// 本节点
	Self        NodeConfig        `toml:"self" yaml:"self"`
	Consistency ConsistencyConfig `toml:"consistency" yaml:"consistency"`
	// 仅 raft 模式使用
	Raft   *RaftClusterConfig `toml:"raft" yaml:"raft"`
	Logger *LoggerConfig      `toml:"logger" yaml:"logger"`
}

// 从 settings.toml（或 .yaml/.yml）读取配置，补全默认值并校验
func ReadConfig(path string) (*AppConfig, error) {
	appConfig := &AppConfig{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, appConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, appConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	appConfig.SetDefaults()
	if err := appConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return appConfig, nil
}

func (c *AppConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeStandalone
	}
	if c.Self.Storage.Engine == "" {
		c.Self.Storage.Engine = "sqlite"
	}
	if c.Self.Storage.Path == "" {
		c.Self.Storage.Path = filepath.Join("data", "kv.db")
	}
	if c.Consistency.ReadTimeoutMs <= 0 {
		c.Consistency.ReadTimeoutMs = 2000
	}
	if c.Consistency.WriteTimeoutMs <= 0 {
		c.Consistency.WriteTimeoutMs = 5000
	}
	if c.Consistency.RoleCheckIntervalMs <= 0 {
		c.Consistency.RoleCheckIntervalMs = 20
	}
	if c.Consistency.ReadIndexRetryMs <= 0 {
		c.Consistency.ReadIndexRetryMs = 10
	}

	if r := c.Raft; r != nil {
		if r.DataDir == "" {
			r.DataDir = filepath.Join("data", "raft")
		}
		if r.LogStore == "" {
			r.LogStore = "sqlite"
		}
		if r.ElectionTimeoutMs <= 0 {
			r.ElectionTimeoutMs = 1000
		}
		if r.HeartbeatTimeoutMs <= 0 {
			r.HeartbeatTimeoutMs = 1000
		}
		if r.SnapshotRetain <= 0 {
			r.SnapshotRetain = 2
		}
		if r.SnapshotThreshold == 0 {
			r.SnapshotThreshold = 8192
		}
		// 未单独配置时使用 nodes 中本节点的地址
		if r.BindAddress == "" {
			if self, ok := c.Peer(c.Self.ID); ok {
				r.BindAddress = self.Address
			}
		}
	}
}

func (c *AppConfig) Validate() error {
	if c.Self.ID == "" {
		return fmt.Errorf("self.id is required")
	}
	if c.Self.ClientAddress == "" {
		return fmt.Errorf("self.client_address is required")
	}

	switch strings.ToLower(c.Self.Storage.Engine) {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("self.storage.engine must be sqlite or memory, got %q", c.Self.Storage.Engine)
	}

	switch c.Mode {
	case ModeStandalone:
		return nil
	case ModeRaft:
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}

	r := c.Raft
	if r == nil {
		return fmt.Errorf("raft section is required in raft mode")
	}
	if r.BindAddress == "" {
		return fmt.Errorf("raft.bind_address is required")
	}
	if r.HeartbeatTimeoutMs > r.ElectionTimeoutMs {
		return fmt.Errorf("raft.heartbeat_timeout_ms must not exceed raft.election_timeout_ms")
	}
	if len(r.Nodes) == 0 {
		return fmt.Errorf("raft.nodes must contain at least one peer")
	}

	found := false
	uniqueIDs := make(map[string]bool, len(r.Nodes))
	for _, peer := range r.Nodes {
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %s", peer.ID)
		}
		uniqueIDs[peer.ID] = true

		if peer.ID == c.Self.ID {
			found = true
			if peer.Address != r.BindAddress {
				return fmt.Errorf("raft address mismatch: raft.bind_address=%s but peer address=%s",
					r.BindAddress, peer.Address)
			}
		}
	}
	if !found {
		return fmt.Errorf("self.id=%s not found in raft.nodes", c.Self.ID)
	}

	return nil
}

// Peer 返回指定 ID 的节点配置
func (c *AppConfig) Peer(id string) (RaftPeer, bool) {
	if c.Raft == nil {
		return RaftPeer{}, false
	}
	for _, p := range c.Raft.Nodes {
		if p.ID == id {
			return p, true
		}
	}
	return RaftPeer{}, false
}
