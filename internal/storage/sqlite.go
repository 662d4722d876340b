// 本文件用于版本实体的 SQLite 持久化存储
// 文件职责：实现 policy.Repository 把每次提交在同一事务内落库
// 关键路径：版本行整体 upsert 审计事件只追加 读取时按实体键重新拼回审计轨迹
// 边界与容错：事务任一步失败整体回滚 引擎据此放弃内存提交

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"policy-store/internal/policy"
)

const (
	defaultDataDir = "data/policy"
	timeLayout     = time.RFC3339Nano
)

// SQLiteStore 是基于 modernc sqlite 的版本仓库
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// Open 初始化存储目录 打开数据库 设置 WAL 并执行迁移
func Open(dataDir string) (*SQLiteStore, error) {
	root := strings.TrimSpace(dataDir)
	if root == "" {
		root = defaultDataDir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create policy data dir failed: %w", err)
	}
	dbPath := filepath.Join(root, "policy.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open policy sqlite failed: %w", err)
	}
	// 单连接避免 sqlite 写锁竞争
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set policy sqlite wal failed: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DBPath() string {
	if s == nil {
		return ""
	}
	return s.dbPath
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS policy_versions (
			id TEXT PRIMARY KEY,
			entity_key TEXT NOT NULL,
			document_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS policy_audit_events (
			id TEXT PRIMARY KEY,
			entity_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT 'system',
			action TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_policy_versions_document ON policy_versions(document_id, version);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_audit_entity_seq ON policy_audit_events(entity_key, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("policy migrate failed: %w", err)
		}
	}
	return nil
}

// Load 读取全部版本并拼回审计轨迹
func (s *SQLiteStore) Load(ctx context.Context) ([]policy.Version, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_json
		FROM policy_versions
		ORDER BY document_id ASC, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query policy versions failed: %w", err)
	}
	defer rows.Close()

	out := make([]policy.Version, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var item policy.Version
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("decode policy version failed: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trails, err := s.loadAuditLocked(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Audit = trails[out[i].Key]
		if out[i].Audit == nil {
			out[i].Audit = []policy.AuditEvent{}
		}
	}
	return out, nil
}

func (s *SQLiteStore) loadAuditLocked(ctx context.Context) (map[string][]policy.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_key, id, at, actor, action, message
		FROM policy_audit_events
		ORDER BY entity_key ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query policy audit failed: %w", err)
	}
	defer rows.Close()

	trails := make(map[string][]policy.AuditEvent)
	for rows.Next() {
		var (
			key, atRaw, action string
			ev                 policy.AuditEvent
		)
		if err := rows.Scan(&key, &ev.ID, &atRaw, &ev.Actor, &action, &ev.Message); err != nil {
			return nil, err
		}
		ev.At = parseTime(atRaw)
		ev.Action = policy.AuditAction(action)
		trails[key] = append(trails[key], ev)
	}
	return trails, rows.Err()
}

// Commit 在同一事务内删除旧 id 写入新实体并追加审计
func (s *SQLiteStore) Commit(ctx context.Context, change policy.Change) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("policy store not ready")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin policy tx failed: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range change.Removes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM policy_versions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("remove policy version %s failed: %w", id, err)
		}
	}
	for _, item := range change.Puts {
		if err := upsertVersion(ctx, tx, item); err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, item); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit policy tx failed: %w", err)
	}
	return nil
}

func upsertVersion(ctx context.Context, tx *sql.Tx, item policy.Version) error {
	// 审计单独成表 行内快照不重复保存
	snapshot := item
	snapshot.Audit = nil
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal policy version failed: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_versions (id, entity_key, document_id, version, status, payload_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_key = excluded.entity_key,
			document_id = excluded.document_id,
			version = excluded.version,
			status = excluded.status,
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at
	`,
		item.ID,
		item.Key,
		item.DocumentID,
		item.Version,
		string(item.Status),
		string(payload),
		formatTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert policy version %s failed: %w", item.ID, err)
	}
	return nil
}

// appendAudit 只写入库中尚不存在的尾部事件 已有事件不会被覆盖
func appendAudit(ctx context.Context, tx *sql.Tx, item policy.Version) error {
	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_audit_events WHERE entity_key = ?`, item.Key).Scan(&stored); err != nil {
		return fmt.Errorf("count policy audit failed: %w", err)
	}
	for seq := stored; seq < len(item.Audit); seq++ {
		ev := item.Audit[seq]
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO policy_audit_events (id, entity_key, seq, at, actor, action, message)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			ev.ID,
			item.Key,
			seq,
			formatTime(ev.At),
			ev.Actor,
			string(ev.Action),
			ev.Message,
		); err != nil {
			return fmt.Errorf("insert policy audit failed: %w", err)
		}
	}
	return nil
}

// AuditTrail 返回某个实体键的审计轨迹
func (s *SQLiteStore) AuditTrail(ctx context.Context, entityKey string) ([]policy.AuditEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, actor, action, message
		FROM policy_audit_events
		WHERE entity_key = ?
		ORDER BY seq ASC
	`, strings.TrimSpace(entityKey))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]policy.AuditEvent, 0)
	for rows.Next() {
		var (
			ev            policy.AuditEvent
			atRaw, action string
		)
		if err := rows.Scan(&ev.ID, &atRaw, &ev.Actor, &action, &ev.Message); err != nil {
			return nil, err
		}
		ev.At = parseTime(atRaw)
		ev.Action = policy.AuditAction(action)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
