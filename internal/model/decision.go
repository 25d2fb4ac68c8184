package model

import "strings"

// Action 审核动作
type Action string

const (
	ActionAllowed   Action = "allowed"
	ActionRewritten Action = "rewritten"
	ActionBlocked   Action = "blocked"
	ActionFlagged   Action = "flagged"
)

// Tier 给出最终结论的层级
type Tier string

const (
	TierPrimary     Tier = "primary"
	TierSecondary   Tier = "secondary"
	TierRuleBased   Tier = "rulebased"
	TierPassthrough Tier = "passthrough"
)

// ModerationRequest 一次审核请求
type ModerationRequest struct {
	Text           string `json:"text"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	// 由认证中间件填充，不接受调用方输入
	APIKeyID string `json:"-"`
}

// TrimmedText 返回去除首尾空白的文本
func (r *ModerationRequest) TrimmedText() string {
	return strings.TrimSpace(r.Text)
}

// Decision 一次审核的规范化结论，构造后不再修改
type Decision struct {
	Action     Action `json:"action"`
	ResultText string `json:"result_text,omitempty"` // Blocked 时为空
	Tier       Tier   `json:"tier"`
	Reason     string `json:"reason,omitempty"` // Blocked/Flagged 时设置
}

// Blocked 结论是否为拦截
func (d *Decision) Blocked() bool {
	return d.Action == ActionBlocked || d.Action == ActionFlagged
}

// ModerateResponse 审核接口响应
type ModerateResponse struct {
	Blocked    bool   `json:"blocked"`
	Original   string `json:"original"`
	Moderated  string `json:"moderated,omitempty"`
	Rewritten  bool   `json:"rewritten"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Model      string `json:"model"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
