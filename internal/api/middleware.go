package api

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaopang/modguard/internal/config"
	"github.com/xiaopang/modguard/internal/core"
	"github.com/xiaopang/modguard/internal/logger"
	"github.com/xiaopang/modguard/internal/model"
	"github.com/xiaopang/modguard/internal/store"
)

// gin.Context 键
const (
	RequestIDKey  = "request_id"
	ClientInfoKey = "client_info"
)

// hashAPIKey 调用方密钥只存 SHA-256 哈希
func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// bearerToken 从 Authorization 头取 token，兼容不带 Bearer 前缀的形式
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	return strings.TrimSpace(token)
}

// KeyAuthMiddleware 调用方密钥认证 + 限流中间件
func KeyAuthMiddleware(st *store.Store, limiter *core.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "API key required",
					Type:    "authentication_error",
					Code:    "missing_api_key",
				},
			})
			c.Abort()
			return
		}

		key, err := st.GetAPIKeyByHash(hashAPIKey(token))
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				logger.Error("api key lookup failed", "err", err)
			}
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Invalid API key",
					Type:    "authentication_error",
					Code:    "invalid_api_key",
				},
			})
			c.Abort()
			return
		}
		if !key.Enabled {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "API key disabled",
					Type:    "authentication_error",
					Code:    "disabled_api_key",
				},
			})
			c.Abort()
			return
		}

		if limiter != nil {
			if ok, reason := limiter.Allow(key.ID, key.Limits); !ok {
				c.JSON(429, model.ErrorResponse{
					Error: model.ErrorDetail{
						Message: reason,
						Type:    "rate_limit_error",
						Code:    "rate_limited",
					},
				})
				c.Abort()
				return
			}
		}

		// 使用量记账失败不阻断请求
		if err := st.TouchAPIKey(key.ID); err != nil {
			logger.Warn("api key usage update failed", "key_id", key.ID, "err", err)
		}

		c.Set(ClientInfoKey, &model.ClientInfo{KeyID: key.ID, IP: c.ClientIP()})
		c.Next()
	}
}

// AdminAuthMiddleware 管理密钥认证中间件
func AdminAuthMiddleware(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 未配置管理密钥时跳过认证
		if adminKey == "" {
			c.Next()
			return
		}
		if bearerToken(c) != adminKey {
			c.JSON(401, model.ErrorResponse{
				Error: model.ErrorDetail{
					Message: "Invalid admin key",
					Type:    "authentication_error",
					Code:    "invalid_admin_key",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware 为每个请求生成 ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "err", err)
				c.JSON(500, model.ErrorResponse{
					Error: model.ErrorDetail{
						Message: "Internal server error",
						Type:    "internal_error",
						Code:    "internal_error",
					},
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"method", c.Request.Method,
			"path", path)
	}
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, moderate *ModerateHandler, admin *AdminHandler, st *store.Store, limiter *core.RateLimiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 审核 API（调用方密钥认证）
	v1 := r.Group("/v1")
	v1.Use(KeyAuthMiddleware(st, limiter))
	{
		v1.POST("/moderate", moderate.Moderate)
	}

	// 管理 API
	adminGroup := r.Group("/api")
	adminGroup.Use(AdminAuthMiddleware(cfg.Server.AdminAPIKey))
	{
		// 密钥管理
		adminGroup.GET("/keys", admin.ListKeys)
		adminGroup.POST("/keys", admin.CreateKey)
		adminGroup.PUT("/keys/:id/enabled", admin.SetKeyEnabled)
		adminGroup.DELETE("/keys/:id", admin.DeleteKey)

		// 决策日志与统计
		adminGroup.GET("/logs", admin.GetLogs)
		adminGroup.GET("/stats", admin.GetStats)

		// 状态
		adminGroup.GET("/status", admin.GetStatus)
	}

	// 健康检查与指标
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
