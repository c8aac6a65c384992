package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);`

const (
	upsertKV      = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	deleteKV      = `DELETE FROM kv WHERE key = ?`
	selectKV      = `SELECT value FROM kv WHERE key = ?`
	upsertApplied = `INSERT INTO meta (name, value) VALUES ('last_applied', ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value`
	selectApplied = `SELECT value FROM meta WHERE name = 'last_applied'`
)

// 基于 SQLite 的持久化实现：kv 表保存业务数据，meta 表保存 last_applied，
// 二者在同一事务中提交，崩溃后一起恢复。
type sqliteStorage struct {
	db *sqlx.DB
}

// DSN 返回带常用 pragma 的 SQLite 连接串
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
}

// OpenSQLite 打开（必要时创建）path 处的数据库并初始化表结构
func OpenSQLite(ctx context.Context, path string) (Engine, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite storage requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (s *sqliteStorage) SupportsStatements() bool {
	return true
}

func (s *sqliteStorage) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqliteTx{ctx: ctx, tx: tx}, nil
}

func (s *sqliteStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.GetContext(ctx, &value, selectKV, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kverrors.ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Query 在一个总是回滚的事务中执行原始语句，保证只读语义
func (s *sqliteStorage) Query(ctx context.Context, statement string) ([]byte, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var value []byte
	if err := tx.QueryRowxContext(ctx, statement).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kverrors.ErrNotFound
		}
		return nil, fmt.Errorf("query: %w", err)
	}
	return value, nil
}

func (s *sqliteStorage) AppliedIndex(ctx context.Context) (uint64, error) {
	var applied int64
	if err := s.db.GetContext(ctx, &applied, selectApplied); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("load last_applied: %w", err)
	}
	return uint64(applied), nil
}

func (s *sqliteStorage) Snapshot(ctx context.Context) (Snapshot, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var applied int64
	if err := tx.GetContext(ctx, &applied, selectApplied); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("load last_applied: %w", err)
	}

	records := make([]Record, 0)
	if err := tx.SelectContext(ctx, &records, `SELECT key, value FROM kv ORDER BY key`); err != nil {
		return Snapshot{}, fmt.Errorf("scan kv: %w", err)
	}
	return Snapshot{AppliedIndex: uint64(applied), Records: records}, nil
}

func (s *sqliteStorage) Restore(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("clear kv: %w", err)
	}
	for _, r := range snap.Records {
		if _, err := tx.ExecContext(ctx, upsertKV, r.Key, r.Value); err != nil {
			return fmt.Errorf("restore %q: %w", r.Key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, upsertApplied, int64(snap.AppliedIndex)); err != nil {
		return fmt.Errorf("restore last_applied: %w", err)
	}
	return tx.Commit()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

func (t *sqliteTx) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx, upsertKV, key, value)
	return err
}

func (t *sqliteTx) Delete(key string) error {
	_, err := t.tx.ExecContext(t.ctx, deleteKV, key)
	return err
}

// Exec 执行写语句。语法错误、约束冲突等由语句本身决定的失败包装为
// ErrStatementRejected，引擎忙或 IO 失败则原样返回，由调用方重试
func (t *sqliteTx) Exec(statement string) error {
	if _, err := t.tx.ExecContext(t.ctx, statement); err != nil {
		if transient(err) {
			return err
		}
		return fmt.Errorf("%w: %w", kverrors.ErrStatementRejected, err)
	}
	return nil
}

// 与语句内容无关、换个时机可能成功的错误
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return true
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_NOMEM, sqlite3.SQLITE_IOERR,
		sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_PROTOCOL,
		sqlite3.SQLITE_READONLY, sqlite3.SQLITE_INTERRUPT:
		return true
	default:
		return false
	}
}

func (t *sqliteTx) SetAppliedIndex(index uint64) error {
	_, err := t.tx.ExecContext(t.ctx, upsertApplied, int64(index))
	return err
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

// Rollback 在 Commit 之后调用是安全的
func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
