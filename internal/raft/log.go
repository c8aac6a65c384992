package raft

import (
	"time"
)

// apply 失败后的重试间隔
const applyRetryInterval = 10 * time.Millisecond

// 日志条目
type LogEntry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// 内部 goroutine：把 commitIndex 之前的日志逐条 Apply 到状态机。
// 某条日志应用失败时原地重试，不会跳过，保证状态机按序且不遗漏。
func (n *Node) runApplyLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		entry, ok := n.nextEntry()
		if !ok {
			select {
			case <-n.ctx.Done():
				return
			case <-n.applyWake:
			}
			continue
		}

		if err := n.applyEntry(entry); err != nil {
			n.logger.Warnf("apply index=%d failed, retrying: %v", entry.Index, err)
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(applyRetryInterval):
			}
			continue
		}

		n.markApplied(entry.Index)
	}
}

// 取出下一条已提交但未应用的日志
func (n *Node) nextEntry() (LogEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.commitIndex <= n.lastApplied || len(n.log) == 0 {
		return LogEntry{}, false
	}
	// log[0] 对应 offset+1
	return n.log[n.lastApplied-n.offset], true
}

// 内部调用：实际执行 Apply
func (n *Node) applyEntry(entry LogEntry) error {
	if n.sm == nil {
		return nil
	}
	return n.sm.Apply(entry.Index, entry.Data)
}

// 推进 lastApplied，并丢弃已应用的日志前缀
func (n *Node) markApplied(index uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastApplied = index
	drop := int(index - n.offset)
	if drop > len(n.log) {
		drop = len(n.log)
	}
	n.log = append(n.log[:0:0], n.log[drop:]...)
	n.offset = index
}
