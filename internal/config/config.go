// Package config provides configuration for botchat.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process configuration.
type Config struct {
	// Server settings
	HTTPPort     int // Public port: chat API, admin API, /ws
	InternalPort int // Webhooks, /health, /metrics

	// Storage and fan-out
	StoreDriver  string // sqlite or redis
	DatabaseURL  string
	RedisURL     string
	RedisPrefix  string
	BrokerDriver string // local or redis

	// Workflow engine
	WorkflowBaseURL  string
	WorkflowEndpoint string
	WorkflowTimeout  time.Duration
	BotName          string
	DefaultChannel   string

	// Typing heartbeat
	TypingInterval  time.Duration
	TypingStopDelay time.Duration
	TypingMaxAge    time.Duration

	// CTAIdle drops a session's call-to-action counter after this long
	// without a low-intent turn.
	CTAIdle time.Duration

	// Auth
	JWTSecret     string
	ElevatedRoles []string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	RateLimit      float64 // inbound frames per second per connection
	RateBurst      int

	// Bot settings file and knowledge lookup
	SettingsFile     string
	QdrantURL        string
	QdrantCollection string
	QdrantAPIKey     string
	OpenAIAPIKey     string
	EmbeddingModel   string
	KnowledgeTopK    int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 8080),
		InternalPort:     getEnvInt("INTERNAL_PORT", 8081),
		StoreDriver:      getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL:      getEnv("DATABASE_URL", "file:botchat.db?cache=shared&mode=rwc&_busy_timeout=5000&_txlock=immediate"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix:      getEnv("REDIS_PREFIX", "botchat:"),
		BrokerDriver:     getEnv("BROKER_DRIVER", "local"),
		WorkflowBaseURL:  getEnv("WORKFLOW_BASE_URL", "http://localhost:5678"),
		WorkflowEndpoint: getEnv("WORKFLOW_ENDPOINT", "/webhook/botchat"),
		WorkflowTimeout:  getEnvDuration("WORKFLOW_TIMEOUT_MS", 15000),
		BotName:          getEnv("BOT_NAME", "botchat"),
		DefaultChannel:   getEnv("DEFAULT_CHANNEL", "webchat"),
		TypingInterval:   getEnvDuration("TYPING_INTERVAL_MS", 1500),
		TypingStopDelay:  getEnvDuration("TYPING_STOP_DELAY_MS", 1000),
		TypingMaxAge:     getEnvDuration("TYPING_MAX_MS", 120000),
		CTAIdle:          getEnvDuration("CTA_IDLE_MS", 86400000),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		ElevatedRoles:    getEnvList("ADMIN_ROLES", "admin,agent"),
		PingInterval:     getEnvDuration("WS_PING_INTERVAL_MS", 30000),
		WriteTimeout:     getEnvDuration("WS_WRITE_TIMEOUT_MS", 10000),
		ReadTimeout:      getEnvDuration("WS_READ_TIMEOUT_MS", 60000),
		MaxMessageSize:   int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		RateLimit:        float64(getEnvInt("WS_RATE_LIMIT", 10)),
		RateBurst:        getEnvInt("WS_RATE_BURST", 20),
		SettingsFile:     getEnv("SETTINGS_FILE", ""),
		QdrantURL:        getEnv("QDRANT_URL", ""),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "bot_faqs"),
		QdrantAPIKey:     getEnv("QDRANT_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		EmbeddingModel:   getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		KnowledgeTopK:    getEnvInt("KNOWLEDGE_TOP_K", 5),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
	}
}

// WorkflowURL joins the workflow base URL and endpoint path.
func (c *Config) WorkflowURL() string {
	return strings.TrimSuffix(c.WorkflowBaseURL, "/") + "/" + strings.TrimPrefix(c.WorkflowEndpoint, "/")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvList(key, defaultVal string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultVal), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
