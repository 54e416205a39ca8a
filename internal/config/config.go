// Package config provides environment configuration for the session engine
// and its development tools.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Session identity
	SocketURL   string
	APIBaseURL  string
	AccessToken string
	TenantID    string
	ChatbotID   string
	SessionID   string

	// Engine timings
	TypingExpiry       time.Duration
	TypingSweep        time.Duration
	AckTimeout         time.Duration
	OutOfOrderWindow   time.Duration
	ReceiptBufferLimit int
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration
	AuthTimeout        time.Duration
	FetchPageLimit     int

	// NATS settings
	NATSURL        string
	NATSCAFile     string
	NATSCertFile   string
	NATSKeyFile    string
	NATSToken      string
	JournalEnabled bool

	// Simulator settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	JWTSecret          string
	RedisURL           string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	QueueDelay         time.Duration
	ReplyDelay         time.Duration
	AllowedOrigins     []string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Engine holds the timings and limits the session engine components use.
type Engine struct {
	TypingExpiry       time.Duration
	TypingSweep        time.Duration
	AckTimeout         time.Duration
	OutOfOrderWindow   time.Duration
	ReceiptBufferLimit int
	FetchPageLimit     int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Session
		SocketURL:   getEnv("SOCKET_URL", "ws://localhost:8080/ws"),
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8080"),
		AccessToken: getEnv("ACCESS_TOKEN", ""),
		TenantID:    getEnv("TENANT_ID", ""),
		ChatbotID:   getEnv("CHATBOT_ID", ""),
		SessionID:   getEnv("SESSION_ID", ""),

		// Engine
		TypingExpiry:       getDurationEnv("TYPING_EXPIRY", 3*time.Second),
		TypingSweep:        getDurationEnv("TYPING_SWEEP_INTERVAL", time.Second),
		AckTimeout:         getDurationEnv("ACK_TIMEOUT", 10*time.Second),
		OutOfOrderWindow:   getDurationEnv("OUT_OF_ORDER_WINDOW", 5*time.Second),
		ReceiptBufferLimit: getIntEnv("RECEIPT_BUFFER_LIMIT", 256),
		ReconnectInitial:   getDurationEnv("RECONNECT_INITIAL", 500*time.Millisecond),
		ReconnectMax:       getDurationEnv("RECONNECT_MAX", 30*time.Second),
		AuthTimeout:        getDurationEnv("AUTH_TIMEOUT", 10*time.Second),
		FetchPageLimit:     getIntEnv("FETCH_PAGE_LIMIT", 50),

		// NATS
		NATSURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:     getEnv("NATS_CA_FILE", ""),
		NATSCertFile:   getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:    getEnv("NATS_KEY_FILE", ""),
		NATSToken:      getEnv("NATS_TOKEN", ""),
		JournalEnabled: getBoolEnv("JOURNAL_ENABLED", false),

		// Simulator
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		JWTSecret:          getEnv("JWT_SECRET", "development-secret-change-in-production"),
		RedisURL:           getEnv("REDIS_URL", ""),
		RateLimitRequests:  getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		QueueDelay:         getDurationEnv("SIM_QUEUE_DELAY", 2*time.Second),
		ReplyDelay:         getDurationEnv("SIM_REPLY_DELAY", 500*time.Millisecond),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", nil),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Engine returns the engine sub-configuration.
func (c *Config) Engine() Engine {
	return Engine{
		TypingExpiry:       c.TypingExpiry,
		TypingSweep:        c.TypingSweep,
		AckTimeout:         c.AckTimeout,
		OutOfOrderWindow:   c.OutOfOrderWindow,
		ReceiptBufferLimit: c.ReceiptBufferLimit,
		FetchPageLimit:     c.FetchPageLimit,
	}
}

// DefaultEngine returns the engine defaults without reading the environment.
func DefaultEngine() Engine {
	return Engine{
		TypingExpiry:       3 * time.Second,
		TypingSweep:        time.Second,
		AckTimeout:         10 * time.Second,
		OutOfOrderWindow:   5 * time.Second,
		ReceiptBufferLimit: 256,
		FetchPageLimit:     50,
	}
}

// WithDefaults fills zero values from DefaultEngine.
func (e Engine) WithDefaults() Engine {
	d := DefaultEngine()
	if e.TypingExpiry <= 0 {
		e.TypingExpiry = d.TypingExpiry
	}
	if e.TypingSweep <= 0 {
		e.TypingSweep = d.TypingSweep
	}
	if e.AckTimeout <= 0 {
		e.AckTimeout = d.AckTimeout
	}
	if e.OutOfOrderWindow <= 0 {
		e.OutOfOrderWindow = d.OutOfOrderWindow
	}
	if e.ReceiptBufferLimit <= 0 {
		e.ReceiptBufferLimit = d.ReceiptBufferLimit
	}
	if e.FetchPageLimit <= 0 {
		e.FetchPageLimit = d.FetchPageLimit
	}
	return e
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping empty items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
