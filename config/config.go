package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig 应用整体配置
type AppConfig struct {
	App      AppSettings    `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	Platform PlatformConfig `yaml:"platform"`
	Engine   EngineConfig   `yaml:"engine"`
	CORS     CORSConfig     `yaml:"cors"`
	Cron     CronConfig     `yaml:"cron"`
	Security SecurityConfig `yaml:"security"`
	Features FeatureFlags   `yaml:"features"`
}

type AppSettings struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	Port        string `yaml:"port"`
	Debug       bool   `yaml:"debug"`
}

type DatabaseConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path"`
}

// PlatformConfig 平台 API 配置
type PlatformConfig struct {
	APIBaseURL      string   `yaml:"api_base_url"`
	PassportBaseURL string   `yaml:"passport_base_url"`
	SpaceBaseURL    string   `yaml:"space_base_url"`
	RequestTimeout  int      `yaml:"request_timeout_seconds"`
	DelayMinMs      int      `yaml:"delay_min_ms"`
	DelayMaxMs      int      `yaml:"delay_max_ms"`
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffBaseMs   int      `yaml:"backoff_base_ms"`
	UserAgents      []string `yaml:"user_agents"`
}

// EngineConfig 举报引擎配置
type EngineConfig struct {
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	MaxRetries       int `yaml:"max_retries"`
	BatchConcurrency int `yaml:"batch_concurrency"`
	KeyTTLMinutes    int `yaml:"key_ttl_minutes"`
	LogRetentionDays int `yaml:"log_retention_days"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

type CronConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Schedules map[string]string `yaml:"schedules"`
}

type SecurityConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	AdminToken string `yaml:"admin_token"`
	TokenTTL   string `yaml:"token_ttl"`
}

type FeatureFlags struct {
	ReportEnabled bool `yaml:"report_enabled"`
	LoginEnabled  bool `yaml:"login_enabled"`
	CronEnabled   bool `yaml:"cron_enabled"`
	EventsEnabled bool `yaml:"events_enabled"`
}

// 全局配置变量
var Config *AppConfig

// LoadConfig 加载 YAML 配置文件
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config/app_config.yaml"
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("配置路径解析失败: %v", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("配置文件读取失败 (%s): %v", absPath, err)
	}

	Config = &AppConfig{}
	if err := yaml.Unmarshal(data, Config); err != nil {
		return fmt.Errorf("YAML 解析失败: %v", err)
	}

	applyEnvironmentVariables()

	log.Printf("✅ 配置加载完成: %s (环境: %s)", absPath, Config.App.Environment)
	return nil
}

// 应用环境变量覆盖
func applyEnvironmentVariables() {
	if port := os.Getenv("PORT"); port != "" {
		Config.App.Port = port
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		Config.App.Environment = env
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		Config.Database.Path = path
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		Config.Security.JWTSecret = secret
	}
	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		Config.Security.AdminToken = token
	}
	if base := os.Getenv("PLATFORM_API_BASE"); base != "" {
		Config.Platform.APIBaseURL = base
	}
	if base := os.Getenv("PLATFORM_PASSPORT_BASE"); base != "" {
		Config.Platform.PassportBaseURL = base
	}
	if v := os.Getenv("BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			Config.Engine.BatchConcurrency = n
		}
	}
}

// GetCronSchedule 获取定时任务调度表达式
func GetCronSchedule(name string) (string, bool) {
	if Config == nil || !Config.Cron.Enabled {
		return "", false
	}
	schedule, exists := Config.Cron.Schedules[name]
	return schedule, exists
}

// IsFeatureEnabled 检查功能开关
func IsFeatureEnabled(feature string) bool {
	if Config == nil {
		return false
	}

	switch strings.ToLower(feature) {
	case "report":
		return Config.Features.ReportEnabled
	case "login":
		return Config.Features.LoginEnabled
	case "cron":
		return Config.Features.CronEnabled
	case "events":
		return Config.Features.EventsEnabled
	default:
		return false
	}
}

// GetPort 获取服务端口
func GetPort() string {
	if Config == nil || Config.App.Port == "" {
		return "8080"
	}
	return Config.App.Port
}

// IsDebugMode 是否调试模式
func IsDebugMode() bool {
	if Config == nil {
		return false
	}
	return Config.App.Debug
}

// GetDatabasePath SQLite 数据库路径
func GetDatabasePath() string {
	if Config == nil || Config.Database.Path == "" {
		return "biliguard.db"
	}
	return Config.Database.Path
}

// GetLockPath 单实例锁文件路径
func GetLockPath() string {
	if Config == nil || Config.Database.LockPath == "" {
		return "biliguard.lock"
	}
	return Config.Database.LockPath
}

// GetJWTSecret JWT 签名密钥
func GetJWTSecret() string {
	if Config == nil || Config.Security.JWTSecret == "" {
		return "biliguard-dev-secret"
	}
	return Config.Security.JWTSecret
}

// GetAdminToken 管理员令牌
func GetAdminToken() string {
	if Config == nil || Config.Security.AdminToken == "" {
		return "biliguard-admin-secret"
	}
	return Config.Security.AdminToken
}

// GetAPIBaseURL 平台主站 API 地址
func GetAPIBaseURL() string {
	if Config == nil || Config.Platform.APIBaseURL == "" {
		return "https://api.bilibili.com"
	}
	return Config.Platform.APIBaseURL
}

// GetPassportBaseURL 登录服务地址
func GetPassportBaseURL() string {
	if Config == nil || Config.Platform.PassportBaseURL == "" {
		return "https://passport.bilibili.com"
	}
	return Config.Platform.PassportBaseURL
}

// GetSpaceBaseURL 用户空间服务地址
func GetSpaceBaseURL() string {
	if Config == nil || Config.Platform.SpaceBaseURL == "" {
		return "https://space.bilibili.com"
	}
	return Config.Platform.SpaceBaseURL
}

// GetRequestTimeout 平台请求超时
func GetRequestTimeout() time.Duration {
	if Config == nil || Config.Platform.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(Config.Platform.RequestTimeout) * time.Second
}

// GetDelayBounds 请求前拟人延迟范围 [min, max]
func GetDelayBounds() (time.Duration, time.Duration) {
	min, max := 800*time.Millisecond, 6*time.Second
	if Config != nil && Config.Platform.DelayMinMs > 0 {
		min = time.Duration(Config.Platform.DelayMinMs) * time.Millisecond
	}
	if Config != nil && Config.Platform.DelayMaxMs > 0 {
		max = time.Duration(Config.Platform.DelayMaxMs) * time.Millisecond
	}
	if max < min {
		max = min
	}
	return min, max
}

// GetMaxAttempts 单次请求的尝试上限
func GetMaxAttempts() int {
	if Config == nil || Config.Platform.MaxAttempts <= 0 {
		return 3
	}
	return Config.Platform.MaxAttempts
}

// GetBackoffBase 指数退避基础间隔
func GetBackoffBase() time.Duration {
	if Config == nil || Config.Platform.BackoffBaseMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(Config.Platform.BackoffBaseMs) * time.Millisecond
}

// GetUserAgents 请求头指纹池
func GetUserAgents() []string {
	if Config != nil && len(Config.Platform.UserAgents) > 0 {
		return Config.Platform.UserAgents
	}
	return defaultUserAgents
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36 Edg/125.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// GetCooldownWindow 账号复用冷却窗口
func GetCooldownWindow() time.Duration {
	if Config == nil || Config.Engine.CooldownSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(Config.Engine.CooldownSeconds) * time.Second
}

// GetMaxRetries 单个目标的自动重试上限（熔断阈值）
func GetMaxRetries() int {
	if Config == nil || Config.Engine.MaxRetries <= 0 {
		return 3
	}
	return Config.Engine.MaxRetries
}

// GetBatchConcurrency 批量执行并发宽度
func GetBatchConcurrency() int {
	if Config == nil || Config.Engine.BatchConcurrency <= 0 {
		return 5
	}
	return Config.Engine.BatchConcurrency
}

// GetKeyTTL 签名密钥缓存 TTL
func GetKeyTTL() time.Duration {
	if Config == nil || Config.Engine.KeyTTLMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(Config.Engine.KeyTTLMinutes) * time.Minute
}

// GetLogRetention 举报日志/任务历史保留时长
func GetLogRetention() time.Duration {
	if Config == nil || Config.Engine.LogRetentionDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(Config.Engine.LogRetentionDays) * 24 * time.Hour
}

// MaskString 字符串脱敏（安全输出）
func MaskString(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
