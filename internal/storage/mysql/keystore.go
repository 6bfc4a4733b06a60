package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"TaskRelay/internal/auth"
)

// SQLKeyStore persists orchestrator API keys in MySQL.
type SQLKeyStore struct {
	db *sql.DB
}

var _ auth.KeyStore = (*SQLKeyStore)(nil)

// NewSQLKeyStore wraps an existing connection pool. The api_keys table is
// created by the embedded migrations.
func NewSQLKeyStore(db *sql.DB) *SQLKeyStore {
	return &SQLKeyStore{db: db}
}

// LookupKey implements auth.KeyStore.
func (s *SQLKeyStore) LookupKey(ctx context.Context, keyID string) (*auth.APIKey, error) {
	const query = `SELECT key_id, secret, name, scopes, rate_per_minute, disabled
        FROM api_keys WHERE key_id = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(keyID))

	var key auth.APIKey
	var scopes sql.NullString
	var disabled int
	if err := row.Scan(&key.KeyID, &key.Secret, &key.Name, &scopes, &key.RatePerMinute, &disabled); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, auth.Rejection(auth.ReasonUnknownKey, "api key not found")
		}
		return nil, fmt.Errorf("查询 API 密钥失败: %w", err)
	}
	key.Disabled = disabled == 1
	if scopes.Valid && scopes.String != "" {
		if err := json.Unmarshal([]byte(scopes.String), &key.Scopes); err != nil {
			return nil, fmt.Errorf("解析密钥作用域失败: %w", err)
		}
	}
	return &key, nil
}

// UpsertKey inserts or refreshes a key record.
func (s *SQLKeyStore) UpsertKey(ctx context.Context, key auth.APIKey) error {
	if strings.TrimSpace(key.KeyID) == "" {
		return fmt.Errorf("key_id 不能为空")
	}
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("序列化密钥作用域失败: %w", err)
	}
	disabled := 0
	if key.Disabled {
		disabled = 1
	}
	now := time.Now().Unix()
	const stmt = `INSERT INTO api_keys
        (key_id, secret, name, scopes, rate_per_minute, disabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        secret = VALUES(secret), name = VALUES(name), scopes = VALUES(scopes),
        rate_per_minute = VALUES(rate_per_minute), disabled = VALUES(disabled),
        updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt,
		key.KeyID, key.Secret, key.Name, string(scopes), key.RatePerMinute, disabled, now, now,
	); err != nil {
		return fmt.Errorf("写入 API 密钥失败: %w", err)
	}
	return nil
}

// RevokeKey disables a key without deleting it.
func (s *SQLKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	const stmt = `UPDATE api_keys SET disabled = 1, updated_at = ? WHERE key_id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), strings.TrimSpace(keyID)); err != nil {
		return fmt.Errorf("停用 API 密钥失败: %w", err)
	}
	return nil
}
