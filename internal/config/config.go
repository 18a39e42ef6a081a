package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AI_PROVIDER 可选的推理服务提供方。
const (
	ProviderNone    = "none"
	ProviderService = "service"
	ProviderArk     = "ark"
	ProviderOpenAI  = "openai"
)

// DB_DRIVER 可选的存储驱动。
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Relay    RelayConfig
	AI       AIConfig
	Database DatabaseConfig
	Log      LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	server, err := loadServerConfig(v)
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig(v)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(v)
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig(v, ai)
	if err != nil {
		return nil, err
	}

	database, err := loadDatabaseConfig(v)
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Auth: auth, Relay: relay, AI: ai, Database: database, Log: logCfg}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("AUTH_TIMEOUT", "10s")
	v.SetDefault("MAX_BODY_LENGTH", "1000")
	v.SetDefault("AI_HISTORY_LIMIT", "50")
	v.SetDefault("AI_ANALYSIS_HISTORY_LIMIT", "100")
	v.SetDefault("AI_FALLBACK_MESSAGE", "Sorry, I'm having trouble responding right now. Please try again later.")
	v.SetDefault("SEND_RATE", "5")
	v.SetDefault("SEND_BURST", "10")
	v.SetDefault("AI_TIMEOUT", "30s")
	v.SetDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ARK_REGION", "cn-beijing")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("DB_DRIVER", DriverMemory)
	v.SetDefault("SQLITE_PATH", "accord.db")
	v.SetDefault("LOG_LEVEL", "info")
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	origins := splitList(v.GetString("CORS_ALLOWED_ORIGINS"))

	port := strings.TrimSpace(v.GetString("PORT"))
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if port == "" || strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AuthConfig 描述连接鉴权配置。
type AuthConfig struct {
	JWTSecret string
	// Timeout 限制新连接在未鉴权状态下可停留的时长。
	Timeout time.Duration
}

func loadAuthConfig(v *viper.Viper) (AuthConfig, error) {
	secret := strings.TrimSpace(v.GetString("JWT_SECRET"))
	if secret == "" {
		return AuthConfig{}, fmt.Errorf("JWT_SECRET is required")
	}

	timeout, err := parseDuration(v, "AUTH_TIMEOUT")
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{JWTSecret: secret, Timeout: timeout}, nil
}

// RelayConfig 描述消息转发与 AI 增强的行为参数。
type RelayConfig struct {
	MaxBodyLength        int
	HistoryLimit         int
	AnalysisHistoryLimit int
	SystemUserID         int64
	FallbackMessage      string
	SendRate             float64
	SendBurst            int
}

func loadRelayConfig(v *viper.Viper, ai AIConfig) (RelayConfig, error) {
	maxBody, err := parsePositiveInt(v, "MAX_BODY_LENGTH")
	if err != nil {
		return RelayConfig{}, err
	}

	history, err := parsePositiveInt(v, "AI_HISTORY_LIMIT")
	if err != nil {
		return RelayConfig{}, err
	}

	analysisHistory, err := parsePositiveInt(v, "AI_ANALYSIS_HISTORY_LIMIT")
	if err != nil {
		return RelayConfig{}, err
	}

	burst, err := parsePositiveInt(v, "SEND_BURST")
	if err != nil {
		return RelayConfig{}, err
	}

	rate, err := parseOptionalFloat(v, "SEND_RATE")
	if err != nil {
		return RelayConfig{}, err
	}
	if rate == nil || *rate <= 0 {
		return RelayConfig{}, fmt.Errorf("invalid SEND_RATE value %q: must be positive", v.GetString("SEND_RATE"))
	}

	var systemUser int64
	if raw := strings.TrimSpace(v.GetString("AI_SYSTEM_USER_ID")); raw != "" {
		systemUser, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || systemUser <= 0 {
			return RelayConfig{}, fmt.Errorf("invalid AI_SYSTEM_USER_ID value %q", raw)
		}
	}
	if ai.Enabled() && systemUser == 0 {
		return RelayConfig{}, fmt.Errorf("AI_SYSTEM_USER_ID is required when AI_PROVIDER=%s", ai.Provider)
	}

	return RelayConfig{
		MaxBodyLength:        maxBody,
		HistoryLimit:         history,
		AnalysisHistoryLimit: analysisHistory,
		SystemUserID:         systemUser,
		FallbackMessage:      strings.TrimSpace(v.GetString("AI_FALLBACK_MESSAGE")),
		SendRate:             *rate,
		SendBurst:            burst,
	}, nil
}

// AIConfig 描述推理服务相关配置。
type AIConfig struct {
	Provider   string
	ServiceURL string
	Timeout    time.Duration

	// Ark
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	// OpenAI
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

// Enabled 表示是否配置了可用的推理服务。
func (c AIConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != ProviderNone
}

// ArkEnabled 表示是否提供了 Ark 所需的密钥。
func (c AIConfig) ArkEnabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.ArkEnabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
		Timeout:     &c.Timeout,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(v *viper.Viper) (AIConfig, error) {
	temperature, err := parseOptionalFloat(v, "AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloat(v, "AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalInt(v, "AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDuration(v, "AI_TIMEOUT")
	if err != nil {
		return AIConfig{}, err
	}

	cfg := AIConfig{
		Provider:      strings.ToLower(strings.TrimSpace(v.GetString("AI_PROVIDER"))),
		ServiceURL:    strings.TrimRight(strings.TrimSpace(v.GetString("AI_SERVICE_URL")), "/"),
		Timeout:       timeout,
		APIKey:        strings.TrimSpace(v.GetString("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(v.GetString("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(v.GetString("ARK_SECRET_KEY")),
		Model:         strings.TrimSpace(v.GetString("ARK_MODEL")),
		BaseURL:       strings.TrimSpace(v.GetString("ARK_BASE_URL")),
		Region:        strings.TrimSpace(v.GetString("ARK_REGION")),
		Temperature:   temperature,
		TopP:          topP,
		MaxTokens:     maxTokens,
		OpenAIAPIKey:  strings.TrimSpace(v.GetString("OPENAI_API_KEY")),
		OpenAIModel:   strings.TrimSpace(v.GetString("OPENAI_MODEL")),
		OpenAIBaseURL: strings.TrimSpace(v.GetString("OPENAI_BASE_URL")),
	}

	if cfg.Provider == "" {
		switch {
		case cfg.ServiceURL != "":
			cfg.Provider = ProviderService
		case cfg.ArkEnabled():
			cfg.Provider = ProviderArk
		case cfg.OpenAIAPIKey != "":
			cfg.Provider = ProviderOpenAI
		default:
			cfg.Provider = ProviderNone
		}
	}

	switch cfg.Provider {
	case ProviderNone:
	case ProviderService:
		if cfg.ServiceURL == "" {
			return AIConfig{}, fmt.Errorf("AI_SERVICE_URL is required when AI_PROVIDER=service")
		}
	case ProviderArk:
		if !cfg.ArkEnabled() {
			return AIConfig{}, fmt.Errorf("ARK_MODEL and Ark credentials are required when AI_PROVIDER=ark")
		}
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return AIConfig{}, fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER=openai")
		}
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", cfg.Provider)
	}

	return cfg, nil
}

// DatabaseConfig 描述消息与名册存储。
type DatabaseConfig struct {
	Driver string
	DSN    string
	// Seed 为 true 时启动阶段导入演示名册。
	Seed bool
}

func loadDatabaseConfig(v *viper.Viper) (DatabaseConfig, error) {
	seed, err := parseBool(v, "DB_SEED", false)
	if err != nil {
		return DatabaseConfig{}, err
	}

	driver := strings.ToLower(strings.TrimSpace(v.GetString("DB_DRIVER")))
	switch driver {
	case DriverMemory:
		return DatabaseConfig{Driver: driver, Seed: true}, nil
	case DriverPostgres:
		dsn := strings.TrimSpace(v.GetString("DATABASE_URL"))
		if dsn == "" {
			return DatabaseConfig{}, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
		return DatabaseConfig{Driver: driver, DSN: dsn, Seed: seed}, nil
	case DriverSQLite:
		return DatabaseConfig{Driver: driver, DSN: strings.TrimSpace(v.GetString("SQLITE_PATH")), Seed: seed}, nil
	default:
		return DatabaseConfig{}, fmt.Errorf("invalid DB_DRIVER value %q", driver)
	}
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level       string
	Development bool
}

func loadLogConfig(v *viper.Viper) (LogConfig, error) {
	dev, err := parseBool(v, "LOG_DEVELOPMENT", false)
	if err != nil {
		return LogConfig{}, err
	}
	level := strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL")))
	if _, err := zap.ParseAtomicLevel(level); err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", level, err)
	}
	return LogConfig{Level: level, Development: dev}, nil
}

// NewLogger 根据配置构建 zap 日志器。
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func parseBool(v *viper.Viper, key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parsePositiveInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloat(v *viper.Viper, key string) (*float64, error) {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalInt(v *viper.Viper, key string) (*int, error) {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
