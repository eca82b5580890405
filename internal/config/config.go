package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	HTTPPort    string
	LogLevel    string
	JWTSecret   string
	AdminToken  string
	Timezone    string

	AIProvider   string // "gemini" or "openai"
	GeminiAPIKey string
	GeminiModel  string
	OpenAIAPIKey string
	OpenAIModel  string

	StorageBackend  string // "gcs" or "local"
	GCSBucket       string
	LocalStorageDir string

	QueueBackend  string // "redis" or "memory"
	RedisAddr     string
	RedisQueueKey string

	AIRateLimit      int
	AIRateWindow     time.Duration
	AIRetries        int
	AIRetryBaseDelay time.Duration
	AIRetryMaxDelay  time.Duration
	AIRetryJitter    time.Duration

	LinesPerSegment     int
	MinSegmentsPerBatch int
	MaxProcessingTime   time.Duration
	MergeStrategy       string

	TriggerRateLimit  int
	TriggerRateWindow time.Duration
	TriggerTTL        time.Duration
}

var AppConfig Config

// LoadConfig reads .env (if present) and the environment into AppConfig.
func LoadConfig() (*Config, error) {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := Config{
		DatabaseURL: getEnv("DATABASE_URL", "chat_insights.db"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		Timezone:    getEnv("TIMEZONE", "UTC"),

		AIProvider:   getEnv("AI_PROVIDER", "gemini"),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		StorageBackend:  getEnv("STORAGE_BACKEND", "local"),
		GCSBucket:       getEnv("GCS_BUCKET", ""),
		LocalStorageDir: getEnv("LOCAL_STORAGE_DIR", "data"),

		QueueBackend:  getEnv("QUEUE_BACKEND", "memory"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisQueueKey: getEnv("REDIS_QUEUE_KEY", "chat-insights:tasks"),

		AIRateLimit:      getEnvAsInt("AI_RATE_LIMIT", 200),
		AIRateWindow:     getEnvAsDuration("AI_RATE_WINDOW", time.Minute),
		AIRetries:        getEnvAsInt("AI_RETRIES", 10),
		AIRetryBaseDelay: getEnvAsDuration("AI_RETRY_BASE_DELAY", 10*time.Second),
		AIRetryMaxDelay:  getEnvAsDuration("AI_RETRY_MAX_DELAY", 180*time.Second),
		AIRetryJitter:    getEnvAsDuration("AI_RETRY_JITTER", 100*time.Second),

		LinesPerSegment:     getEnvAsInt("LINES_PER_SEGMENT", 50),
		MinSegmentsPerBatch: getEnvAsInt("MIN_SEGMENTS_PER_BATCH", 5),
		MaxProcessingTime:   getEnvAsDuration("MAX_PROCESSING_TIME", 3580*time.Second),
		MergeStrategy:       getEnv("MERGE_STRATEGY", "two_way_mean"),

		TriggerRateLimit:  getEnvAsInt("TRIGGER_RATE_LIMIT", 2),
		TriggerRateWindow: getEnvAsDuration("TRIGGER_RATE_WINDOW", time.Minute),
		TriggerTTL:        getEnvAsDuration("TRIGGER_TTL", 7*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	AppConfig = cfg
	return &cfg, nil
}

func (c Config) Validate() error {
	switch c.AIProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	default:
		return fmt.Errorf("unknown AI_PROVIDER %q", c.AIProvider)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN environment variable is required")
	}
	if c.StorageBackend == "gcs" && c.GCSBucket == "" {
		return fmt.Errorf("GCS_BUCKET environment variable is required for gcs storage")
	}
	if c.LinesPerSegment <= 0 || c.MinSegmentsPerBatch <= 0 {
		return fmt.Errorf("LINES_PER_SEGMENT and MIN_SEGMENTS_PER_BATCH must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return nil
}

// Location resolves Timezone; Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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

// getEnvAsDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
