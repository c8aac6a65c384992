package command

import (
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Response 是返回给调用方的响应信封：Success(value|ack) | Error(kind)
type Response struct {
	Status  Status        `json:"status"`
	Value   []byte        `json:"value,omitempty"` // JSON 中为 base64
	Index   uint64        `json:"index,omitempty"` // 写入确认时对应的日志索引
	Error   kverrors.Kind `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
	Leader  string        `json:"leader,omitempty"` // NotLeader 时的重定向地址
}

// Success 读成功
func Success(value []byte) Response {
	if value == nil {
		value = []byte{}
	}
	return Response{Status: StatusOK, Value: value}
}

// Ack 写入已被应用到本地存储
func Ack(index uint64) Response {
	return Response{Status: StatusOK, Index: index}
}

// Failure 将错误转换为错误信封
func Failure(err error) Response {
	resp := Response{
		Status:  StatusError,
		Error:   kverrors.KindOf(err),
		Message: err.Error(),
	}
	if resp.Error == kverrors.KindNotLeader {
		_, resp.Leader = kverrors.LeaderHint(err)
	}
	return resp
}

func (r Response) OK() bool {
	return r.Status == StatusOK
}

// Bytes 返回读结果，未携带值时为 nil
func (r Response) Bytes() []byte {
	return r.Value
}
