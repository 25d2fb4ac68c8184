package model

import "time"

// DecisionRecord 审核决策日志
type DecisionRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	APIKeyID       string    `json:"api_key_id,omitempty"`

	OriginalText  string `json:"original_text"`
	Action        Action `json:"action"`
	Reason        string `json:"reason,omitempty"`
	SuggestedText string `json:"suggested_text,omitempty"` // 改写或净化后的文本
	Tier          Tier   `json:"tier"`

	LatencyMs int64 `json:"latency_ms"`
}

// RecordQuery 决策日志查询参数
type RecordQuery struct {
	Action    Action    `form:"action"`
	Tier      Tier      `form:"tier"`
	APIKeyID  string    `form:"api_key_id"`
	UserID    string    `form:"user_id"`
	StartTime time.Time `form:"start_time"`
	EndTime   time.Time `form:"end_time"`
	Limit     int       `form:"limit"`
	Offset    int       `form:"offset"`
}

// DailyStats 每日统计汇总
type DailyStats struct {
	Date           string  `json:"date"`
	TotalRequests  int     `json:"total_requests"`
	AllowedCount   int     `json:"allowed_count"`
	RewrittenCount int     `json:"rewritten_count"`
	BlockedCount   int     `json:"blocked_count"`
	FlaggedCount   int     `json:"flagged_count"`
	AvgLatency     float64 `json:"avg_latency_ms"`
}

// TierStats 各层级使用统计
type TierStats struct {
	Tier         Tier    `json:"tier"`
	RequestCount int     `json:"request_count"`
	BlockRate    float64 `json:"block_rate"`
	AvgLatency   float64 `json:"avg_latency_ms"`
}
