package model

import "time"

// APIKey 调用方密钥，明文只在创建时返回一次，存储中仅保留 SHA-256 哈希
type APIKey struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	KeyHash      string    `json:"-"`
	Enabled      bool      `json:"enabled"`
	Limits       KeyLimits `json:"limits"`
	RequestCount int64     `json:"request_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// KeyLimits 调用方限额
type KeyLimits struct {
	RPM        int `json:"rpm" yaml:"rpm"`                 // 每分钟请求数，0=无限
	DailyQuota int `json:"daily_quota" yaml:"daily_quota"` // 每日配额，0=无限
}

// ClientInfo 客户端信息（存入 gin.Context）
type ClientInfo struct {
	KeyID string // 关联的 API Key ID
	IP    string // 客户端 IP
}
