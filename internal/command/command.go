package command

import (
	"fmt"
	"strings"

	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
)

// 命令类别，同时也是日志条目编码中的首字节
type Kind uint8

const (
	KindWrite Kind = iota
	KindDelete
	KindRead
	KindStatement
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindDelete:
		return "delete"
	case KindRead:
		return "read"
	case KindStatement:
		return "statement"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// 读一致性等级
type Tier uint8

const (
	TierLeader       Tier = iota // 默认：仅当本节点是 Leader 时本地读
	TierLocal                    // 本地读，不保证新鲜度
	TierLinearizable             // ReadIndex + ApplyIndex 握手
)

func (t Tier) String() string {
	switch t {
	case TierLeader:
		return "leader"
	case TierLocal:
		return "local"
	case TierLinearizable:
		return "linearizable"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// ParseTier 解析一致性等级，空字符串默认为 Leader
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "leader":
		return TierLeader, nil
	case "local":
		return TierLocal, nil
	case "linearizable", "linearisable":
		return TierLinearizable, nil
	default:
		return TierLeader, fmt.Errorf("%w: unknown tier %q", kverrors.ErrInvalidCommand, s)
	}
}

// 原始语句的访问类型，由协议显式携带，不解析语句文本
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
)

func (a Access) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

func parseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	default:
		return AccessRead, fmt.Errorf("%w: statement access must be read or write, got %q", kverrors.ErrInvalidCommand, s)
	}
}

// Command 是规范化后的命令：
// Write(key,value) | Delete(key) | Read(key,tier) | Statement(text,access,tier)
type Command struct {
	Kind      Kind
	Key       string
	Value     []byte
	Tier      Tier
	Statement string
	Access    Access
}

// IsWrite 报告命令是否需要经过共识日志
func (c Command) IsWrite() bool {
	switch c.Kind {
	case KindWrite, KindDelete:
		return true
	case KindStatement:
		return c.Access == AccessWrite
	default:
		return false
	}
}

func (c Command) String() string {
	switch c.Kind {
	case KindWrite:
		return fmt.Sprintf("write(%s, %d bytes)", c.Key, len(c.Value))
	case KindDelete:
		return fmt.Sprintf("delete(%s)", c.Key)
	case KindRead:
		return fmt.Sprintf("read(%s, %s)", c.Key, c.Tier)
	case KindStatement:
		return fmt.Sprintf("statement(%s, %s)", c.Access, c.Tier)
	default:
		return c.Kind.String()
	}
}
