package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合客户端与演示后端的配置项。
type Config struct {
	Server ServerConfig
	Client ClientConfig
	AI     AIConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Client: client, AI: ai, Log: loadLogConfig()}, nil
}

// ServerConfig 描述演示后端的 HTTP 服务配置。
type ServerConfig struct {
	Addr       string
	ChunkDelay time.Duration
}

func loadServerConfig() (ServerConfig, error) {
	delay, err := parseDurationEnv("AGENTCHAT_CHUNK_DELAY", 300*time.Millisecond)
	if err != nil {
		return ServerConfig{}, err
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// 允许直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port, ChunkDelay: delay}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ChunkDelay: delay}, nil
}

// StreamTransport selects how the client subscribes to reply streams.
type StreamTransport string

const (
	StreamSSE       StreamTransport = "sse"
	StreamWebSocket StreamTransport = "ws"
)

// ClientConfig 描述会话引擎访问后端所需的配置。
type ClientConfig struct {
	APIBaseURL       string
	StreamBaseURL    string
	RequestTimeout   time.Duration
	ConnectTimeout   time.Duration
	HeartbeatTimeout time.Duration
	StreamTransport  StreamTransport
	RetryMax         int
}

func loadClientConfig() (ClientConfig, error) {
	requestTimeout, err := parseDurationEnv("AGENTCHAT_REQUEST_TIMEOUT", 15*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}

	connectTimeout, err := parseDurationEnv("AGENTCHAT_CONNECT_TIMEOUT", 30*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}

	// 模型首个分片可能很慢，心跳超时放宽到两分钟。
	heartbeat, err := parseDurationEnv("AGENTCHAT_HEARTBEAT_TIMEOUT", 120*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}

	retryMax := 2
	if override, err := parseOptionalIntEnv("AGENTCHAT_RETRY_MAX"); err != nil {
		return ClientConfig{}, err
	} else if override != nil {
		retryMax = max(*override, 0)
	}

	transport := StreamTransport(strings.ToLower(getEnvOrDefault("AGENTCHAT_STREAM_TRANSPORT", string(StreamSSE))))
	switch transport {
	case StreamSSE, StreamWebSocket:
	default:
		return ClientConfig{}, fmt.Errorf("invalid AGENTCHAT_STREAM_TRANSPORT value %q", transport)
	}

	apiBase := strings.TrimRight(getEnvOrDefault("AGENTCHAT_API_BASE_URL", "http://127.0.0.1:8000/api"), "/")

	return ClientConfig{
		APIBaseURL:       apiBase,
		StreamBaseURL:    strings.TrimRight(getEnvOrDefault("AGENTCHAT_STREAM_BASE_URL", apiBase), "/"),
		RequestTimeout:   requestTimeout,
		ConnectTimeout:   connectTimeout,
		HeartbeatTimeout: heartbeat,
		StreamTransport:  transport,
		RetryMax:         retryMax,
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
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
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseDurationEnv accepts Go durations ("90s") or bare milliseconds ("90000").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if ms, err := strconv.Atoi(raw); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
