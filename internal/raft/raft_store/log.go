package raft_store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	"github.com/jmoiron/sqlx"

	"github.com/evelyn32h/omnipaxos-database/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS raft_log (
	idx         INTEGER PRIMARY KEY,
	term        INTEGER NOT NULL,
	type        INTEGER NOT NULL,
	data        BLOB,
	extensions  BLOB,
	appended_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS raft_stable (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
);`

// 一行 raft_log
type logRow struct {
	Index      int64  `db:"idx"`
	Term       int64  `db:"term"`
	Type       uint8  `db:"type"`
	Data       []byte `db:"data"`
	Extensions []byte `db:"extensions"`
	AppendedAt int64  `db:"appended_at"`
}

// Store 把 Raft 日志与持久化状态（任期、投票）保存在同一个 SQLite 文件中，
// 同时实现 raft.LogStore 与 raft.StableStore
type Store struct {
	db *sqlx.DB
}

var (
	_ raft.LogStore    = (*Store)(nil)
	_ raft.StableStore = (*Store)(nil)
)

// Open 打开（必要时创建）path 处的 Raft 存储
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create raft store dir: %w", err)
	}

	db, err := sqlx.Connect("sqlite", storage.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open raft store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create raft schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// 日志为空时返回 0
func (s *Store) FirstIndex() (uint64, error) {
	var idx sql.NullInt64
	if err := s.db.Get(&idx, `SELECT MIN(idx) FROM raft_log`); err != nil {
		return 0, err
	}
	return uint64(idx.Int64), nil
}

func (s *Store) LastIndex() (uint64, error) {
	var idx sql.NullInt64
	if err := s.db.Get(&idx, `SELECT MAX(idx) FROM raft_log`); err != nil {
		return 0, err
	}
	return uint64(idx.Int64), nil
}

func (s *Store) GetLog(index uint64, log *raft.Log) error {
	var row logRow
	err := s.db.Get(&row, `SELECT idx, term, type, data, extensions, appended_at FROM raft_log WHERE idx = ?`, int64(index))
	if errors.Is(err, sql.ErrNoRows) {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}

	log.Index = uint64(row.Index)
	log.Term = uint64(row.Term)
	log.Type = raft.LogType(row.Type)
	log.Data = row.Data
	log.Extensions = row.Extensions
	log.AppendedAt = time.Time{}
	if row.AppendedAt != 0 {
		log.AppendedAt = time.Unix(0, row.AppendedAt)
	}
	return nil
}

func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// 批量写入在同一事务中完成
func (s *Store) StoreLogs(logs []*raft.Log) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, l := range logs {
		var appendedAt int64
		if !l.AppendedAt.IsZero() {
			appendedAt = l.AppendedAt.UnixNano()
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO raft_log (idx, term, type, data, extensions, appended_at) VALUES (?, ?, ?, ?, ?, ?)`,
			int64(l.Index), int64(l.Term), uint8(l.Type), l.Data, l.Extensions, appendedAt,
		); err != nil {
			return fmt.Errorf("store log index=%d: %w", l.Index, err)
		}
	}
	return tx.Commit()
}

// 删除 [min, max] 区间内的日志
func (s *Store) DeleteRange(min, max uint64) error {
	_, err := s.db.Exec(`DELETE FROM raft_log WHERE idx >= ? AND idx <= ?`, int64(min), int64(max))
	return err
}
