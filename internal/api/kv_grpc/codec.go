package kv_grpc

import (
	"encoding/json"
)

// 请求与响应直接复用 command.Request / command.Response 的 JSON 形式，
// 无需 protobuf 生成代码
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
