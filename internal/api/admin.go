package api

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xiaopang/modguard/internal/core"
	"github.com/xiaopang/modguard/internal/model"
	"github.com/xiaopang/modguard/internal/store"
)

// AdminHandler 管理 API 处理器
type AdminHandler struct {
	store     *store.Store
	pool      *core.CredentialPool
	secondary *core.SecondaryAdapter
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(st *store.Store, pool *core.CredentialPool, secondary *core.SecondaryAdapter) *AdminHandler {
	return &AdminHandler{
		store:     st,
		pool:      pool,
		secondary: secondary,
	}
}

// === 密钥管理 ===

// createKeyRequest 创建密钥请求
type createKeyRequest struct {
	Name   string          `json:"name" binding:"required"`
	Limits model.KeyLimits `json:"limits"`
}

// CreateKey 创建调用方密钥，明文只在响应里出现一次
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	plaintext := generateCallerKey()
	key := &model.APIKey{
		ID:        uuid.NewString(),
		Name:      req.Name,
		KeyHash:   hashAPIKey(plaintext),
		Enabled:   true,
		Limits:    req.Limits,
		CreatedAt: time.Now(),
	}

	if err := h.store.CreateAPIKey(key); err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}

	c.JSON(201, gin.H{"data": key, "key": plaintext})
}

// generateCallerKey 生成调用方密钥明文
func generateCallerKey() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "mg-fallback-key"
	}
	return "mg-" + hex.EncodeToString(b)
}

// ListKeys 列出所有密钥
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys, err := h.store.ListAPIKeys()
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": keys})
}

// setEnabledRequest 启停密钥请求
type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetKeyEnabled 启用/停用密钥
func (h *AdminHandler) SetKeyEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	if err := h.store.SetAPIKeyEnabled(c.Param("id"), *req.Enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(404, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Key not found",
					Type:    "invalid_request_error",
					Code:    "key_not_found",
				},
			})
			return
		}
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": gin.H{"id": c.Param("id"), "enabled": *req.Enabled}})
}

// DeleteKey 删除密钥
func (h *AdminHandler) DeleteKey(c *gin.Context) {
	if err := h.store.DeleteAPIKey(c.Param("id")); err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": gin.H{"id": c.Param("id")}})
}

// === 决策日志与统计 ===

// GetLogs 查询决策日志
func (h *AdminHandler) GetLogs(c *gin.Context) {
	var query model.RecordQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid query: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	recs, err := h.store.QueryDecisions(&query)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": recs})
}

// GetStats 获取统计汇总
func (h *AdminHandler) GetStats(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}

	daily, err := h.store.GetDailyStats(days)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	tiers, err := h.store.GetTierStats(days)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}

	c.JSON(200, gin.H{"data": gin.H{"daily": daily, "tiers": tiers}})
}

// GetStatus 服务状态：凭证池快照 + 次级提供商是否配置
func (h *AdminHandler) GetStatus(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":    "ok",
		"service":   "modguard",
		"timestamp": time.Now().UTC(),
		"moderation": gin.H{
			"primary_pool":         h.pool.Snapshot(),
			"secondary_configured": h.secondary.Configured(),
			"rule_filter":          "active",
		},
	})
}
