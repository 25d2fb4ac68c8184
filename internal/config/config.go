package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// 主提供商凭证通过环境变量注入，不落配置文件
const (
	PrimaryKeyEnvPrefix = "MODGUARD_PRIMARY_KEY_"
	SecondaryKeyEnv     = "MODGUARD_SECONDARY_KEY"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Moderation ModerationConfig `yaml:"moderation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ModerationConfig 审核链路配置
type ModerationConfig struct {
	Primary   PrimaryConfig   `yaml:"primary"`
	Secondary SecondaryConfig `yaml:"secondary"`
}

// PrimaryConfig 主提供商（凭证池）配置
type PrimaryConfig struct {
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	TimeoutMs   int    `yaml:"timeout_ms"`   // 单次尝试超时
	MaxAttempts int    `yaml:"max_attempts"` // 单请求最多尝试的凭证数
	DailyQuota  int    `yaml:"daily_quota"`  // 单凭证每日配额
}

// SecondaryConfig 次级提供商（单凭证）配置
type SecondaryConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level         string `yaml:"level"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	// 支持通过 "auto" 自动生成管理密钥（首次加载后落盘）
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminAPIKey), "auto") {
		cfg.Server.AdminAPIKey = generateAPIKey("modguard-admin")
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func generateAPIKey(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18090
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/modguard.db"
	}
	if cfg.Moderation.Primary.BaseURL == "" {
		cfg.Moderation.Primary.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Moderation.Primary.Model == "" {
		cfg.Moderation.Primary.Model = "gemini-2.5-flash"
	}
	if cfg.Moderation.Primary.TimeoutMs == 0 {
		cfg.Moderation.Primary.TimeoutMs = 4500
	}
	if cfg.Moderation.Primary.MaxAttempts == 0 {
		cfg.Moderation.Primary.MaxAttempts = 2
	}
	if cfg.Moderation.Primary.DailyQuota == 0 {
		cfg.Moderation.Primary.DailyQuota = 20
	}
	if cfg.Moderation.Secondary.BaseURL == "" {
		cfg.Moderation.Secondary.BaseURL = "https://api.groq.com"
	}
	if cfg.Moderation.Secondary.Model == "" {
		cfg.Moderation.Secondary.Model = "llama-3.1-8b-instant"
	}
	if cfg.Moderation.Secondary.TimeoutMs == 0 {
		cfg.Moderation.Secondary.TimeoutMs = 4500
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 30
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// PrimaryKeysFromEnv 从环境变量收集主提供商凭证。
// 按变量名排序保证池内顺序稳定。
func PrimaryKeysFromEnv() []string {
	var names []string
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, PrimaryKeyEnvPrefix) {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, strings.TrimSpace(os.Getenv(name)))
	}
	return keys
}

// SecondaryKeyFromEnv 返回次级提供商凭证，未配置时为空串
func SecondaryKeyFromEnv() string {
	return strings.TrimSpace(os.Getenv(SecondaryKeyEnv))
}
