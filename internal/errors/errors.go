package errors

import (
	"context"
	"errors"
	"fmt"
)

// 错误类别，对应响应信封中的 error 字段
type Kind string

const (
	KindNone           Kind = ""
	KindInvalidCommand Kind = "InvalidCommand" // 请求格式错误或不支持
	KindNotLeader      Kind = "NotLeader"      // 非 Leader 或等待过程中被降级
	KindReadTimeout    Kind = "ReadTimeout"    // 线性一致读未能在期限内追上 ReadIndex
	KindWriteTimeout   Kind = "WriteTimeout"   // 写入未能在期限内提交并应用
	KindStorage        Kind = "StorageError"   // 底层存储引擎失败
	KindNotFound       Kind = "NotFound"       // key 不存在
	KindCanceled       Kind = "Canceled"       // 调用方取消（如客户端断开）
)

var (
	ErrInvalidCommand       = errors.New("invalid command")
	ErrNotLeader            = errors.New("not leader")                  // 当前节点不是 Leader
	ErrReadTimeout          = errors.New("read timeout")                // 线性一致读超时
	ErrWriteTimeout         = errors.New("write timeout")               // 写入超时
	ErrStorage              = errors.New("storage error")               // 存储失败
	ErrNotFound             = errors.New("key not found")               // key 不存在
	ErrCanceled             = errors.New("request canceled")            // 请求被取消
	ErrReadIndexUnavailable = errors.New("read index unavailable")      // 共识层暂时无法确认多数派
	ErrIndexGap             = errors.New("log index gap")               // 日志未按顺序投递
	ErrUnsupportedStatement = errors.New("statement not supported")     // 存储引擎不支持原始语句
	ErrShutdown             = errors.New("node is shut down")           // 节点已关闭
	ErrUnSupportedMode      = errors.New("unsupported mode")            // 不支持的模式
	ErrCannotLoadConfig     = errors.New("cannot load config")          // 无法加载配置
	ErrCannotLoadState      = errors.New("cannot load state")           // 无法加载持久化状态
	ErrStatementRejected    = errors.New("statement rejected")          // 语句在所有副本上都会以同样方式失败
	ErrRejected             = errors.New("entry rejected by consensus") // 共识层拒绝写入
)

// NotLeaderError 携带最近一次已知的 Leader 信息，供调用方重定向
type NotLeaderError struct {
	LeaderID      string
	LeaderAddress string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" && e.LeaderAddress == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader %s at %s)", ErrNotLeader, e.LeaderID, e.LeaderAddress)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// NewNotLeader 构造带 Leader 提示的错误
func NewNotLeader(leaderID, leaderAddress string) error {
	return &NotLeaderError{LeaderID: leaderID, LeaderAddress: leaderAddress}
}

// LeaderHint 从错误链中取出 Leader 地址（如果有）
func LeaderHint(err error) (id, address string) {
	var nl *NotLeaderError
	if errors.As(err, &nl) {
		return nl.LeaderID, nl.LeaderAddress
	}
	return "", ""
}

// KindOf 将错误映射为对外的错误类别
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidCommand):
		return KindInvalidCommand
	case errors.Is(err, ErrNotLeader):
		return KindNotLeader
	case errors.Is(err, ErrReadTimeout), errors.Is(err, ErrReadIndexUnavailable):
		return KindReadTimeout
	case errors.Is(err, ErrWriteTimeout):
		return KindWriteTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindReadTimeout
	default:
		return KindStorage
	}
}

// Retryable 报告该类错误是否可以原样重试
func (k Kind) Retryable() bool {
	switch k {
	case KindReadTimeout, KindWriteTimeout, KindStorage, KindCanceled:
		return true
	default:
		return false
	}
}
