package command

import (
	"fmt"
	"strings"

	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
)

const (
	MaxKeyBytes       = 1024
	MaxValueBytes     = 1024 * 1024
	MaxStatementBytes = 64 * 1024
)

// Request 是入站协议携带的原始请求：{operation, key, value?, tier?}
// 同时兼容旧的 put/get/delete/sql 形式。
// value 是任意字节，JSON 中为 base64；缺省或 null 表示未携带
type Request struct {
	Operation string `json:"operation"`
	Key       string `json:"key,omitempty"`
	Value     []byte `json:"value"`
	Tier      string `json:"tier,omitempty"`
	Statement string `json:"statement,omitempty"`
	Access    string `json:"access,omitempty"`
}

// Classify 校验请求并转换为规范化的 Command，失败时不产生任何副作用
func Classify(req Request) (Command, error) {
	op := strings.ToLower(strings.TrimSpace(req.Operation))
	switch op {
	case "write", "put", "set":
		if err := checkKey(req.Key); err != nil {
			return Command{}, err
		}
		if req.Value == nil {
			return Command{}, fmt.Errorf("%w: %s requires a value", kverrors.ErrInvalidCommand, op)
		}
		if len(req.Value) > MaxValueBytes {
			return Command{}, fmt.Errorf("%w: value too large: %d bytes", kverrors.ErrInvalidCommand, len(req.Value))
		}
		value := make([]byte, len(req.Value))
		copy(value, req.Value)
		return Command{Kind: KindWrite, Key: req.Key, Value: value}, nil

	case "delete", "del":
		if err := checkKey(req.Key); err != nil {
			return Command{}, err
		}
		return Command{Kind: KindDelete, Key: req.Key}, nil

	case "read", "get":
		if err := checkKey(req.Key); err != nil {
			return Command{}, err
		}
		tier, err := ParseTier(req.Tier)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindRead, Key: req.Key, Tier: tier}, nil

	case "statement", "sql":
		return classifyStatement(req)

	case "":
		return Command{}, fmt.Errorf("%w: missing operation", kverrors.ErrInvalidCommand)

	default:
		return Command{}, fmt.Errorf("%w: unsupported operation %q", kverrors.ErrInvalidCommand, req.Operation)
	}
}

func classifyStatement(req Request) (Command, error) {
	text := strings.TrimSpace(req.Statement)
	if text == "" {
		return Command{}, fmt.Errorf("%w: empty statement", kverrors.ErrInvalidCommand)
	}
	if len(text) > MaxStatementBytes {
		return Command{}, fmt.Errorf("%w: statement too large: %d bytes", kverrors.ErrInvalidCommand, len(text))
	}
	access, err := parseAccess(req.Access)
	if err != nil {
		return Command{}, err
	}
	tier, err := ParseTier(req.Tier)
	if err != nil {
		return Command{}, err
	}
	if access == AccessWrite && strings.TrimSpace(req.Tier) != "" {
		return Command{}, fmt.Errorf("%w: tier applies to reads only", kverrors.ErrInvalidCommand)
	}
	return Command{Kind: KindStatement, Statement: text, Access: access, Tier: tier}, nil
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", kverrors.ErrInvalidCommand)
	}
	if len(key) > MaxKeyBytes {
		return fmt.Errorf("%w: key too large: %d bytes", kverrors.ErrInvalidCommand, len(key))
	}
	return nil
}
