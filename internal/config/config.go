// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	FrontendURL         string
	DBPath              string
	CheckpointRetention int
	GRPCHealthPort      string
	Log                 LogConfig
	Model               ModelConfig
	Dialogue            DialogueConfig
	Tools               ToolsConfig
	RateLimit           RateLimitConfig
	SSE                 SSEConfig
	ConversationLog     ConversationLogConfig
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// ModelConfig selects and authenticates the chat completion backend.
type ModelConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string

	AzureAPIKey     string
	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string
}

// UseAzure reports whether Azure OpenAI credentials are configured.
func (m ModelConfig) UseAzure() bool {
	return m.AzureEndpoint != "" && m.AzureAPIKey != ""
}

// Configured reports whether any model backend has credentials.
func (m ModelConfig) Configured() bool {
	return m.UseAzure() || m.APIKey != ""
}

// DialogueConfig bounds a single conversation turn.
type DialogueConfig struct {
	MaxModelTurns int
}

// ToolsConfig configures the built-in and remote tools.
type ToolsConfig struct {
	Timeout          time.Duration
	Concurrency      int
	SearchEndpoint   string
	StockEndpoint    string
	StockAPIKey      string
	MCPCalculatorCmd string
}

// RateLimitConfig bounds chat requests per client.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes the streaming chat endpoint.
type SSEConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/chatbot.db"),
		CheckpointRetention: getEnvInt("CHECKPOINT_RETENTION", 20),
		GRPCHealthPort:      getEnv("GRPC_HEALTH_PORT", ""),
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
		Model: ModelConfig{
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			BaseURL:         getEnv("OPENAI_BASE_URL", ""),
			Model:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			SystemPrompt:    getEnv("SYSTEM_PROMPT", ""),
			AzureAPIKey:     getEnv("AZURE_OPENAI_API_KEY", ""),
			AzureEndpoint:   getEnv("AZURE_OPENAI_ENDPOINT", ""),
			AzureDeployment: getEnv("AZURE_OPENAI_DEPLOYMENT_NAME", ""),
			AzureAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
		},
		Dialogue: DialogueConfig{
			MaxModelTurns: getEnvInt("MAX_MODEL_TURNS", 8),
		},
		Tools: ToolsConfig{
			Timeout:          getEnvDuration("TOOL_TIMEOUT", 20*time.Second),
			Concurrency:      getEnvInt("TOOL_CONCURRENCY", 4),
			SearchEndpoint:   getEnv("SEARCH_ENDPOINT", "https://api.duckduckgo.com/"),
			StockEndpoint:    getEnv("STOCK_ENDPOINT", "https://www.alphavantage.co/query"),
			StockAPIKey:      getEnv("STOCK_API_KEY", ""),
			MCPCalculatorCmd: getEnv("MCP_CALCULATOR_CMD", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY_SIZE", 1<<20)),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CheckpointRetention < 0 {
		return fmt.Errorf("CHECKPOINT_RETENTION must be >= 0")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.Model.Model == "" && c.Model.AzureDeployment == "" {
		return fmt.Errorf("OPENAI_MODEL or AZURE_OPENAI_DEPLOYMENT_NAME must be set")
	}
	if c.Model.UseAzure() && c.Model.AzureDeployment == "" {
		return fmt.Errorf("AZURE_OPENAI_DEPLOYMENT_NAME is required with AZURE_OPENAI_ENDPOINT")
	}
	if c.Dialogue.MaxModelTurns <= 0 {
		return fmt.Errorf("MAX_MODEL_TURNS must be > 0")
	}
	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.Tools.Concurrency <= 0 {
		return fmt.Errorf("TOOL_CONCURRENCY must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
