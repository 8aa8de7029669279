package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Scraper ScraperConfig `json:"scraper"`
	Session SessionConfig `json:"session"`
	Email   EmailConfig   `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env          string        `json:"env"`           // 运行环境: local / prod
	LogLevel     string        `json:"log_level"`     // 日志级别: debug / info / warn / error
	HTTPAddr     string        `json:"http_addr"`     // 运维 API 监听地址
	ScanInterval time.Duration `json:"scan_interval"` // 常驻模式下两次刷新运行的间隔（如 "6h"）
	BatchSize    int           `json:"batch_size"`    // 分页扫描报价的批大小
	FreshnessTTL time.Duration `json:"freshness_ttl"` // 成功刷新后跳过该报价的时间窗口
	RunLockTTL   time.Duration `json:"run_lock_ttl"`  // 运行互斥锁的 TTL
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)，为空表示禁用 Redis
	Password string `json:"password"` // Redis 密码
}

// ScraperConfig 抓取引擎配置。
type ScraperConfig struct {
	Concurrency     int           `json:"concurrency"`      // 并发 worker 数（对风控敏感，建议 1-2）
	FetchTimeout    time.Duration `json:"fetch_timeout"`    // 单次请求超时
	JitterMin       time.Duration `json:"jitter_min"`       // 请求前随机延迟下限
	JitterMax       time.Duration `json:"jitter_max"`       // 请求前随机延迟上限
	MaxRetries      int           `json:"max_retries"`      // 瞬时错误的额外重试次数
	BackoffBase     time.Duration `json:"backoff_base"`     // 重试退避基数
	BackoffCap      time.Duration `json:"backoff_cap"`      // 重试退避上限
	GateThreshold   int           `json:"gate_threshold"`   // 一次运行中触发熔断的风控页累计数
	DeactivateAfter int           `json:"deactivate_after"` // 连续失败多少次后停用报价
	RateLimit       float64       `json:"rate_limit"`       // 全局限流速率（token/s）
	RateBurst       float64       `json:"rate_burst"`       // 限流桶容量
	UserAgent       string        `json:"user_agent"`       // 请求 User-Agent
}

// SessionConfig 会话凭证配置。
//
// 引擎不负责获取或续期凭证，只在每次运行前校验其有效性。
type SessionConfig struct {
	Mode        string `json:"mode"`         // 访问模式: cookie（预留 api 模式）
	Cookie      string `json:"cookie"`       // Cookie 头字符串
	CookieFile  string `json:"cookie_file"`  // 从文件读取 Cookie（优先于 cookie 字段）
	ValidateURL string `json:"validate_url"` // 用于校验会话的稳定页面
}

// EmailConfig 邮件告警配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	AlertTo   string `json:"alert_to"` // 运维告警接收邮箱
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		// 即使没有配置文件，也允许环境变量覆盖默认值
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:          "local",
			LogLevel:     "info",
			HTTPAddr:     ":8090",
			ScanInterval: 6 * time.Hour,
			BatchSize:    50,
			FreshnessTTL: 4 * time.Hour,
			RunLockTTL:   2 * time.Hour,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/achadinhos?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Scraper: ScraperConfig{
			Concurrency:     2,
			FetchTimeout:    25 * time.Second,
			JitterMin:       120 * time.Millisecond,
			JitterMax:       420 * time.Millisecond,
			MaxRetries:      2,
			BackoffBase:     700 * time.Millisecond,
			BackoffCap:      12 * time.Second,
			GateThreshold:   8,
			DeactivateAfter: 5,
			RateLimit:       0.5,
			RateBurst:       2,
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		},
		Session: SessionConfig{
			Mode:        "cookie",
			ValidateURL: "https://www.mercadolivre.com.br/",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.ScanInterval == 0 {
		cfg.App.ScanInterval = defaults.App.ScanInterval
	}
	if cfg.App.BatchSize == 0 {
		cfg.App.BatchSize = defaults.App.BatchSize
	}
	if cfg.App.FreshnessTTL == 0 {
		cfg.App.FreshnessTTL = defaults.App.FreshnessTTL
	}
	if cfg.App.RunLockTTL == 0 {
		cfg.App.RunLockTTL = defaults.App.RunLockTTL
	}
	if cfg.Scraper.Concurrency == 0 {
		cfg.Scraper.Concurrency = defaults.Scraper.Concurrency
	}
	if cfg.Scraper.FetchTimeout == 0 {
		cfg.Scraper.FetchTimeout = defaults.Scraper.FetchTimeout
	}
	if cfg.Scraper.JitterMin == 0 {
		cfg.Scraper.JitterMin = defaults.Scraper.JitterMin
	}
	if cfg.Scraper.JitterMax == 0 {
		cfg.Scraper.JitterMax = defaults.Scraper.JitterMax
	}
	if cfg.Scraper.MaxRetries == 0 {
		cfg.Scraper.MaxRetries = defaults.Scraper.MaxRetries
	}
	if cfg.Scraper.BackoffBase == 0 {
		cfg.Scraper.BackoffBase = defaults.Scraper.BackoffBase
	}
	if cfg.Scraper.BackoffCap == 0 {
		cfg.Scraper.BackoffCap = defaults.Scraper.BackoffCap
	}
	if cfg.Scraper.GateThreshold == 0 {
		cfg.Scraper.GateThreshold = defaults.Scraper.GateThreshold
	}
	if cfg.Scraper.DeactivateAfter == 0 {
		cfg.Scraper.DeactivateAfter = defaults.Scraper.DeactivateAfter
	}
	if cfg.Scraper.RateLimit == 0 {
		cfg.Scraper.RateLimit = defaults.Scraper.RateLimit
	}
	if cfg.Scraper.RateBurst == 0 {
		cfg.Scraper.RateBurst = defaults.Scraper.RateBurst
	}
	if cfg.Scraper.UserAgent == "" {
		cfg.Scraper.UserAgent = defaults.Scraper.UserAgent
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = defaults.Session.Mode
	}
	if cfg.Session.ValidateURL == "" {
		cfg.Session.ValidateURL = defaults.Session.ValidateURL
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("session_cookie", "SESSION_COOKIE")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScanInterval = d
		}
	}
	if v := os.Getenv("APP_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.BatchSize = i
		}
	}
	if v := os.Getenv("APP_FRESHNESS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.FreshnessTTL = d
		}
	}
	if v := os.Getenv("SCRAPER_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scraper.Concurrency = i
		}
	}
	if v := os.Getenv("SCRAPER_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scraper.FetchTimeout = d
		}
	}
	if v := os.Getenv("SCRAPER_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scraper.MaxRetries = i
		}
	}
	if v := os.Getenv("SCRAPER_GATE_THRESHOLD"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scraper.GateThreshold = i
		}
	}
	if v := os.Getenv("SCRAPER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.RateLimit = f
		}
	}
	if v := os.Getenv("SCRAPER_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.RateBurst = f
		}
	}
	if v := os.Getenv("SCRAPER_USER_AGENT"); v != "" {
		cfg.Scraper.UserAgent = v
	}

	if v := viper.GetString("session_cookie"); v != "" {
		cfg.Session.Cookie = v
	}
	if v := os.Getenv("SESSION_COOKIE_FILE"); v != "" {
		cfg.Session.CookieFile = v
	}
	if v := os.Getenv("SESSION_MODE"); v != "" {
		cfg.Session.Mode = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("ALERT_TO"); v != "" {
		cfg.Email.AlertTo = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "achadinhos",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScanInterval string `json:"scan_interval"`
		FreshnessTTL string `json:"freshness_ttl"`
		RunLockTTL   string `json:"run_lock_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ScanInterval != "" {
		d, err := time.ParseDuration(aux.ScanInterval)
		if err != nil {
			return fmt.Errorf("invalid scan_interval format: %w", err)
		}
		a.ScanInterval = d
	}
	if aux.FreshnessTTL != "" {
		d, err := time.ParseDuration(aux.FreshnessTTL)
		if err != nil {
			return fmt.Errorf("invalid freshness_ttl format: %w", err)
		}
		a.FreshnessTTL = d
	}
	if aux.RunLockTTL != "" {
		d, err := time.ParseDuration(aux.RunLockTTL)
		if err != nil {
			return fmt.Errorf("invalid run_lock_ttl format: %w", err)
		}
		a.RunLockTTL = d
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		ScanInterval string `json:"scan_interval"`
		FreshnessTTL string `json:"freshness_ttl"`
		RunLockTTL   string `json:"run_lock_ttl"`
		*Alias
	}{
		ScanInterval: a.ScanInterval.String(),
		FreshnessTTL: a.FreshnessTTL.String(),
		RunLockTTL:   a.RunLockTTL.String(),
		Alias:        (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (s *ScraperConfig) UnmarshalJSON(data []byte) error {
	type Alias ScraperConfig
	aux := &struct {
		FetchTimeout string `json:"fetch_timeout"`
		JitterMin    string `json:"jitter_min"`
		JitterMax    string `json:"jitter_max"`
		BackoffBase  string `json:"backoff_base"`
		BackoffCap   string `json:"backoff_cap"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	set := func(raw string, field string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", field, err)
		}
		*dst = d
		return nil
	}

	if err := set(aux.FetchTimeout, "fetch_timeout", &s.FetchTimeout); err != nil {
		return err
	}
	if err := set(aux.JitterMin, "jitter_min", &s.JitterMin); err != nil {
		return err
	}
	if err := set(aux.JitterMax, "jitter_max", &s.JitterMax); err != nil {
		return err
	}
	if err := set(aux.BackoffBase, "backoff_base", &s.BackoffBase); err != nil {
		return err
	}
	if err := set(aux.BackoffCap, "backoff_cap", &s.BackoffCap); err != nil {
		return err
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s ScraperConfig) MarshalJSON() ([]byte, error) {
	type Alias ScraperConfig
	return json.Marshal(&struct {
		FetchTimeout string `json:"fetch_timeout"`
		JitterMin    string `json:"jitter_min"`
		JitterMax    string `json:"jitter_max"`
		BackoffBase  string `json:"backoff_base"`
		BackoffCap   string `json:"backoff_cap"`
		*Alias
	}{
		FetchTimeout: s.FetchTimeout.String(),
		JitterMin:    s.JitterMin.String(),
		JitterMax:    s.JitterMax.String(),
		BackoffBase:  s.BackoffBase.String(),
		BackoffCap:   s.BackoffCap.String(),
		Alias:        (*Alias)(&s),
	})
}
