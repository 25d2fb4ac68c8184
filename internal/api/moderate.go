package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/modguard/internal/core"
	"github.com/xiaopang/modguard/internal/model"
)

// flaggedReason 规则层命中时的对外原因
const flaggedReason = "Content flagged by safety filters"

// ModerateHandler 审核接口处理器
type ModerateHandler struct {
	moderator *core.Moderator
}

// NewModerateHandler 创建审核处理器
func NewModerateHandler(moderator *core.Moderator) *ModerateHandler {
	return &ModerateHandler{moderator: moderator}
}

// Moderate 审核一条文本
func (h *ModerateHandler) Moderate(c *gin.Context) {
	var req model.ModerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	if ci, exists := c.Get(ClientInfoKey); exists {
		if info, ok := ci.(*model.ClientInfo); ok {
			req.APIKeyID = info.KeyID
		}
	}

	decision, err := h.moderator.Moderate(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, core.ErrEmptyInput) {
			c.JSON(400, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Text is required and cannot be empty",
					Type:    "invalid_request_error",
					Code:    "empty_text",
				},
			})
			return
		}
		// 理论上到不了这里：规则层无条件兜底
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Internal server error",
				Type:    "internal_error",
			},
		})
		return
	}

	c.JSON(200, toModerateResponse(req.TrimmedText(), decision))
}

// toModerateResponse 把内部结论映射为对外响应
func toModerateResponse(original string, d *model.Decision) model.ModerateResponse {
	switch d.Action {
	case model.ActionBlocked:
		return model.ModerateResponse{
			Blocked:  true,
			Original: original,
			Reason:   d.Reason,
			Model:    string(d.Tier),
		}
	case model.ActionFlagged:
		return model.ModerateResponse{
			Blocked:    true,
			Original:   original,
			Reason:     flaggedReason,
			Suggestion: d.ResultText,
			Model:      string(d.Tier),
		}
	default:
		return model.ModerateResponse{
			Blocked:   false,
			Original:  original,
			Moderated: d.ResultText,
			Rewritten: d.Action == model.ActionRewritten,
			Model:     string(d.Tier),
		}
	}
}
