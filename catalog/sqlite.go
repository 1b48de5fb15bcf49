package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite 的空间目录与凭证表
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite 打开（必要时创建）数据库文件并初始化表结构
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 单连接：避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS spaces (
			id TEXT PRIMARY KEY,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS space_elements (
			space_id TEXT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
			ord INTEGER NOT NULL,
			element_id TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			PRIMARY KEY (space_id, ord)
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// PutSpace 新增或整体替换空间及其元素
func (s *SQLiteStore) PutSpace(ctx context.Context, sp Space) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spaces(id, width, height) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET width = excluded.width, height = excluded.height`,
		sp.ID, sp.Width, sp.Height); err != nil {
		return fmt.Errorf("put space %s: %w", sp.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM space_elements WHERE space_id = ?`, sp.ID); err != nil {
		return fmt.Errorf("put space %s: %w", sp.ID, err)
	}
	for i, e := range sp.Elements {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO space_elements(space_id, ord, element_id, x, y) VALUES(?, ?, ?, ?, ?)`,
			sp.ID, i, e.ElementID, e.X, e.Y); err != nil {
			return fmt.Errorf("put space %s element %d: %w", sp.ID, i, err)
		}
	}
	return tx.Commit()
}

// PutToken 登记凭证；expiresAt 为零表示永不过期
func (s *SQLiteStore) PutToken(ctx context.Context, token, userID string, expiresAt time.Time) error {
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens(token, user_id, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		token, userID, exp)
	return err
}

// IssueToken 为用户签发随机凭证
func (s *SQLiteStore) IssueToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	return token, s.PutToken(ctx, token, userID, exp)
}

func (s *SQLiteStore) LookupSpace(ctx context.Context, id string) (Space, error) {
	sp := Space{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT width, height FROM spaces WHERE id = ?`, id).Scan(&sp.Width, &sp.Height)
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrSpaceNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("lookup space %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT element_id, x, y FROM space_elements WHERE space_id = ? ORDER BY ord`, id)
	if err != nil {
		return Space{}, fmt.Errorf("lookup space %s elements: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Element
		if err := rows.Scan(&e.ElementID, &e.X, &e.Y); err != nil {
			return Space{}, err
		}
		sp.Elements = append(sp.Elements, e)
	}
	return sp, rows.Err()
}

func (s *SQLiteStore) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	var (
		userID string
		exp    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, expires_at FROM tokens WHERE token = ?`, token).Scan(&userID, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if exp > 0 && s.now().Unix() >= exp {
		return "", ErrUnauthorized
	}
	return userID, nil
}
