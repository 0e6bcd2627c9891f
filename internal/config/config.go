package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPPort string
	LogLevel string

	JWTSecret string

	DatabaseBackend string // "sqlite" or "postgres"
	DatabaseURL     string
	SQLitePath      string
	RedisURL        string

	GatewayURL    string
	GatewayAPIKey string
	ChatModel     string
	TitleModel    string

	EmbeddingProvider string // "gemini" or "openai"
	EmbeddingModel    string
	GeminiAPIKey      string

	SessionMessageCeiling int
	MaxMessages           int
	MaxContentBytes       int

	RAGResultLimit int
	RAGThreshold   float64
	RAGHeuristic   bool

	StreamTimeout      time.Duration
	RateLimitPerMinute int
	AllowedOrigins     []string

	WebSearchURL    string
	WebSearchAPIKey string

	PromptsFile string
	TraceStdout bool

	// EnvFileMissing is set when no .env file was loaded.
	EnvFileMissing bool
}

// Load reads the .env file (if any) and the environment.
func Load() *Config {
	envErr := godotenv.Load()

	return &Config{
		EnvFileMissing: envErr != nil,


		Env:      getEnv("APP_ENV", "development"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		DatabaseBackend: strings.ToLower(getEnv("DATABASE_BACKEND", "sqlite")),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		SQLitePath:      getEnv("SQLITE_PATH", "consult.db"),
		RedisURL:        getEnv("REDIS_URL", ""),

		GatewayURL:    getEnv("GATEWAY_URL", "https://ai.gateway.lovable.dev/v1"),
		GatewayAPIKey: getEnv("GATEWAY_API_KEY", ""),
		ChatModel:     getEnv("CHAT_MODEL", "google/gemini-2.5-flash"),
		TitleModel:    getEnv("TITLE_MODEL", "google/gemini-2.5-flash-lite"),

		EmbeddingProvider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", "gemini")),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),

		SessionMessageCeiling: getEnvAsInt("SESSION_MESSAGE_CEILING", 50),
		MaxMessages:           getEnvAsInt("MAX_MESSAGES", 100),
		MaxContentBytes:       getEnvAsInt("MAX_CONTENT_BYTES", 50*1024),

		RAGResultLimit: getEnvAsInt("RAG_RESULT_LIMIT", 3),
		RAGThreshold:   getEnvAsFloat("RAG_THRESHOLD", 0.7),
		RAGHeuristic:   getEnvAsBool("RAG_HEURISTIC", true),

		StreamTimeout:      getEnvAsDuration("STREAM_TIMEOUT", 2*time.Minute),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 20),
		AllowedOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS"),

		WebSearchURL:    getEnv("WEB_SEARCH_URL", ""),
		WebSearchAPIKey: getEnv("WEB_SEARCH_API_KEY", ""),

		PromptsFile: getEnv("PROMPTS_FILE", ""),
		TraceStdout: getEnvAsBool("TRACE_STDOUT", false),
	}
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.GatewayAPIKey == "" {
		return fmt.Errorf("GATEWAY_API_KEY environment variable is required")
	}
	switch c.DatabaseBackend {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown DATABASE_BACKEND %q", c.DatabaseBackend)
	}
	switch c.EmbeddingProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	if c.SessionMessageCeiling <= 0 || c.MaxMessages <= 0 || c.MaxContentBytes <= 0 {
		return fmt.Errorf("message limits must be positive")
	}
	if c.RAGThreshold < 0 || c.RAGThreshold > 1 {
		return fmt.Errorf("RAG_THRESHOLD must be within [0,1], got %v", c.RAGThreshold)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
