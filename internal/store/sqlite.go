package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/modguard/internal/model"
)

// Store 数据存储
type Store struct {
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		conversation_id TEXT,
		user_id TEXT,
		api_key_id TEXT,
		original_text TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT,
		suggested_text TEXT,
		tier TEXT NOT NULL,
		latency_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(action);
	CREATE INDEX IF NOT EXISTS idx_decisions_api_key ON decisions(api_key_id);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		enabled INTEGER DEFAULT 1,
		rpm INTEGER DEFAULT 0,
		daily_quota INTEGER DEFAULT 0,
		request_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// === Decisions ===

// SaveDecision 保存决策日志
func (s *Store) SaveDecision(rec *model.DecisionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO decisions (id, timestamp, conversation_id, user_id, api_key_id,
			original_text, action, reason, suggested_text, tier, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp, rec.ConversationID, rec.UserID, rec.APIKeyID,
		rec.OriginalText, rec.Action, rec.Reason, rec.SuggestedText, rec.Tier, rec.LatencyMs)
	return err
}

// QueryDecisions 查询决策日志
func (s *Store) QueryDecisions(query *model.RecordQuery) ([]*model.DecisionRecord, error) {
	q := "SELECT id, timestamp, conversation_id, user_id, api_key_id, original_text, action, reason, suggested_text, tier, latency_ms FROM decisions WHERE 1=1"
	args := []any{}

	if query.Action != "" {
		q += " AND action = ?"
		args = append(args, query.Action)
	}
	if query.Tier != "" {
		q += " AND tier = ?"
		args = append(args, query.Tier)
	}
	if query.APIKeyID != "" {
		q += " AND api_key_id = ?"
		args = append(args, query.APIKeyID)
	}
	if query.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, query.UserID)
	}
	if !query.StartTime.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, query.StartTime)
	}
	if !query.EndTime.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, query.EndTime)
	}

	q += " ORDER BY timestamp DESC"

	if query.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		q += " LIMIT 100"
	}
	if query.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*model.DecisionRecord
	for rows.Next() {
		var rec model.DecisionRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.ConversationID, &rec.UserID, &rec.APIKeyID,
			&rec.OriginalText, &rec.Action, &rec.Reason, &rec.SuggestedText, &rec.Tier, &rec.LatencyMs); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// GetDailyStats 获取每日统计
func (s *Store) GetDailyStats(days int) ([]*model.DailyStats, error) {
	rows, err := s.db.Query(`
		SELECT
			date(timestamp) as date,
			COUNT(*) as total_requests,
			SUM(CASE WHEN action = 'allowed' THEN 1 ELSE 0 END) as allowed_count,
			SUM(CASE WHEN action = 'rewritten' THEN 1 ELSE 0 END) as rewritten_count,
			SUM(CASE WHEN action = 'blocked' THEN 1 ELSE 0 END) as blocked_count,
			SUM(CASE WHEN action = 'flagged' THEN 1 ELSE 0 END) as flagged_count,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM decisions
		WHERE timestamp >= date('now', ?)
		GROUP BY date(timestamp)
		ORDER BY date DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var st model.DailyStats
		if err := rows.Scan(&st.Date, &st.TotalRequests, &st.AllowedCount, &st.RewrittenCount,
			&st.BlockedCount, &st.FlaggedCount, &st.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// GetTierStats 获取各层级统计
func (s *Store) GetTierStats(days int) ([]*model.TierStats, error) {
	rows, err := s.db.Query(`
		SELECT
			tier,
			COUNT(*) as request_count,
			ROUND(SUM(CASE WHEN action IN ('blocked', 'flagged') THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as block_rate,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM decisions
		WHERE timestamp >= date('now', ?)
		GROUP BY tier
		ORDER BY request_count DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.TierStats
	for rows.Next() {
		var st model.TierStats
		if err := rows.Scan(&st.Tier, &st.RequestCount, &st.BlockRate, &st.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// CleanOldDecisions 清理过期决策日志
func (s *Store) CleanOldDecisions(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM decisions
		WHERE timestamp < date('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// === API Keys ===

// CreateAPIKey 保存调用方密钥
func (s *Store) CreateAPIKey(key *model.APIKey) error {
	_, err := s.db.Exec(`
		INSERT INTO api_keys (id, name, key_hash, enabled, rpm, daily_quota, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, key.ID, key.Name, key.KeyHash, key.Enabled, key.Limits.RPM, key.Limits.DailyQuota, key.CreatedAt)
	return err
}

// GetAPIKeyByHash 按哈希查找密钥，未找到返回 sql.ErrNoRows
func (s *Store) GetAPIKeyByHash(hash string) (*model.APIKey, error) {
	row := s.db.QueryRow(`
		SELECT id, name, key_hash, enabled, rpm, daily_quota, request_count, created_at, last_used_at
		FROM api_keys WHERE key_hash = ?
	`, hash)
	return scanAPIKey(row)
}

// GetAPIKey 按 ID 获取密钥
func (s *Store) GetAPIKey(id string) (*model.APIKey, error) {
	row := s.db.QueryRow(`
		SELECT id, name, key_hash, enabled, rpm, daily_quota, request_count, created_at, last_used_at
		FROM api_keys WHERE id = ?
	`, id)
	return scanAPIKey(row)
}

func scanAPIKey(row *sql.Row) (*model.APIKey, error) {
	var key model.APIKey
	var lastUsed sql.NullTime
	err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.Enabled,
		&key.Limits.RPM, &key.Limits.DailyQuota, &key.RequestCount, &key.CreatedAt, &lastUsed)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsedAt = lastUsed.Time
	}
	return &key, nil
}

// ListAPIKeys 列出所有密钥
func (s *Store) ListAPIKeys() ([]*model.APIKey, error) {
	rows, err := s.db.Query(`
		SELECT id, name, key_hash, enabled, rpm, daily_quota, request_count, created_at, last_used_at
		FROM api_keys ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		var key model.APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&key.ID, &key.Name, &key.KeyHash, &key.Enabled,
			&key.Limits.RPM, &key.Limits.DailyQuota, &key.RequestCount, &key.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			key.LastUsedAt = lastUsed.Time
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// SetAPIKeyEnabled 启用/停用密钥
func (s *Store) SetAPIKeyEnabled(id string, enabled bool) error {
	result, err := s.db.Exec("UPDATE api_keys SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAPIKey 删除密钥
func (s *Store) DeleteAPIKey(id string) error {
	_, err := s.db.Exec("DELETE FROM api_keys WHERE id = ?", id)
	return err
}

// TouchAPIKey 记一次使用
func (s *Store) TouchAPIKey(id string) error {
	_, err := s.db.Exec(`
		UPDATE api_keys SET request_count = request_count + 1, last_used_at = ? WHERE id = ?
	`, time.Now(), id)
	return err
}
