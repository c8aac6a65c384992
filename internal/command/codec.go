package command

import (
	"encoding/binary"
	"fmt"
)

// EncodeEntry 将写命令编码为共识日志条目
/*
	entry layout (big endian):
	[0]                    - kind
	[1..5]                 - keyLen (uint32), for statements: textLen
	[5..5+keyLen]          - key / statement text
	Write only:
	[5+keyLen..+4]         - valueLen (uint32)
	[5+keyLen+4..]         - value
	Statement only:
	[5+textLen]            - access
*/
func EncodeEntry(cmd Command) ([]byte, error) {
	if !cmd.IsWrite() {
		return nil, fmt.Errorf("cannot encode %s as log entry", cmd.Kind)
	}

	var body string
	switch cmd.Kind {
	case KindWrite, KindDelete:
		if len(cmd.Key) == 0 {
			return nil, fmt.Errorf("key cannot be empty")
		}
		if len(cmd.Key) > MaxKeyBytes {
			return nil, fmt.Errorf("key too large: %d bytes", len(cmd.Key))
		}
		body = cmd.Key
	case KindStatement:
		if len(cmd.Statement) == 0 || len(cmd.Statement) > MaxStatementBytes {
			return nil, fmt.Errorf("invalid statement length: %d", len(cmd.Statement))
		}
		body = cmd.Statement
	}

	size := 1 + 4 + len(body)
	switch cmd.Kind {
	case KindWrite:
		if len(cmd.Value) > MaxValueBytes {
			return nil, fmt.Errorf("value too large: %d bytes", len(cmd.Value))
		}
		size += 4 + len(cmd.Value)
	case KindStatement:
		size++
	}

	buf := make([]byte, size)
	buf[0] = byte(cmd.Kind)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(body)))
	off := 5 + copy(buf[5:], body)

	switch cmd.Kind {
	case KindWrite:
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(cmd.Value)))
		copy(buf[off+4:], cmd.Value)
	case KindStatement:
		buf[off] = byte(cmd.Access)
	}

	return buf, nil
}

// DecodeEntry 从日志条目还原写命令
func DecodeEntry(msg []byte) (Command, error) {
	var cmd Command

	// kind + bodyLen
	if len(msg) < 5 {
		return cmd, fmt.Errorf("entry too short: %d bytes", len(msg))
	}

	cmd.Kind = Kind(msg[0])
	limit := MaxKeyBytes
	switch cmd.Kind {
	case KindWrite, KindDelete:
	case KindStatement:
		limit = MaxStatementBytes
	default:
		return cmd, fmt.Errorf("unsupported entry kind: %d", msg[0])
	}

	bodyLen := int(binary.BigEndian.Uint32(msg[1:5]))
	if bodyLen <= 0 || bodyLen > limit {
		return cmd, fmt.Errorf("invalid body length: %d", bodyLen)
	}
	if len(msg) < 5+bodyLen {
		return cmd, fmt.Errorf("incomplete entry body: need %d, got %d", 5+bodyLen, len(msg))
	}
	body := string(msg[5 : 5+bodyLen])
	off := 5 + bodyLen

	switch cmd.Kind {
	case KindDelete:
		cmd.Key = body

	case KindWrite:
		cmd.Key = body
		if len(msg) < off+4 {
			return cmd, fmt.Errorf("entry too short for value length")
		}
		valueLen := int(binary.BigEndian.Uint32(msg[off : off+4]))
		if valueLen < 0 || valueLen > MaxValueBytes {
			return cmd, fmt.Errorf("invalid value length: %d", valueLen)
		}
		if len(msg) < off+4+valueLen {
			return cmd, fmt.Errorf("incomplete entry value: need %d, got %d", off+4+valueLen, len(msg))
		}
		cmd.Value = make([]byte, valueLen)
		copy(cmd.Value, msg[off+4:off+4+valueLen])

	case KindStatement:
		if len(msg) < off+1 {
			return cmd, fmt.Errorf("entry too short for statement access")
		}
		cmd.Statement = body
		cmd.Access = Access(msg[off])
		if cmd.Access != AccessWrite {
			return cmd, fmt.Errorf("statement entry must be a write")
		}
	}

	return cmd, nil
}
