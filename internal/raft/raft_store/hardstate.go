package raft_store

import (
	"database/sql"
	"encoding/binary"
	"errors"
)

// hashicorp/raft 通过错误文本识别缺失的 key
var ErrKeyNotFound = errors.New("not found")

func (s *Store) Set(key []byte, val []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO raft_stable (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, val,
	)
	return err
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.Get(&val, `SELECT value FROM raft_stable WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *Store) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.Set(key, buf)
}

func (s *Store) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, errors.New("invalid uint64 value")
	}
	return binary.BigEndian.Uint64(val), nil
}
