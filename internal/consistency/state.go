package consistency

import "fmt"

// 一次读请求在协调过程中所处的阶段
type Phase int

const (
	PhaseRequested         Phase = iota // 刚收到请求
	PhaseAwaitingRole                   // 检查本节点角色
	PhaseAwaitingReadIndex              // 向共识层请求 ReadIndex
	PhaseAwaitingApply                  // 等待本地 ApplyIndex 追上 ReadIndex
	PhaseReady                          // 可以在本地执行读
	PhaseFailed                         // 终止，err 记录原因
)

func (p Phase) String() string {
	switch p {
	case PhaseRequested:
		return "Requested"
	case PhaseAwaitingRole:
		return "AwaitingRole"
	case PhaseAwaitingReadIndex:
		return "AwaitingReadIndex"
	case PhaseAwaitingApply:
		return "AwaitingApply"
	case PhaseReady:
		return "Ready"
	case PhaseFailed:
		return "Failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) terminal() bool {
	return p == PhaseReady || p == PhaseFailed
}

// 单次读请求的协调状态
type readState struct {
	phase     Phase
	readIndex uint64 // 仅线性一致读使用
	err       error
}

func (s *readState) moveTo(p Phase) {
	s.phase = p
}

func (s *readState) fail(err error) {
	s.phase = PhaseFailed
	s.err = err
}
