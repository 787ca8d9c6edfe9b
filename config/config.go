package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	BotToken string

	DatabaseURL string

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string
	RateLimitBackend string

	TempDir            string
	StaleTempMaxAge    int
	MaxFileSizeMB      float64
	TransportMaxFileMB float64
	ThrottleRate       float64
	MaxConcurrent      int
	FFmpegPath         string
	ConversionTimeout  int

	QueueEnabled    bool
	PendingQueue    string
	ProcessingQueue string
	FailedQueue     string
	WorkerCount     int

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Load reads the process environment, after merging an optional .env file
// from the working directory. Variables already set in the environment win.
func Load() *Config {
	_ = godotenv.Load()

	redisPrefix := getEnv("REDIS_PREFIX", "")
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbName := getEnv("POSTGRES_DB", "flac2mp3")
	dbUser := getEnv("POSTGRES_USER", "botuser")
	dbPassword := getEnv("POSTGRES_PASSWORD", "botpassword")
	dbSSLMode := getEnv("POSTGRES_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	return &Config{
		BotToken:    getEnv("BOT_TOKEN", ""),
		DatabaseURL: dbURL,

		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		RedisPrefix:      redisPrefix,
		RateLimitBackend: strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "redis")),

		TempDir:            getEnv("TEMP_DIR", "/tmp/flac2mp3"),
		StaleTempMaxAge:    getEnvInt("STALE_TEMP_MAX_AGE", 3600),
		MaxFileSizeMB:      getEnvFloat("MAX_FILE_SIZE_MB", 50),
		TransportMaxFileMB: getEnvFloat("TRANSPORT_MAX_FILE_SIZE_MB", 20),
		ThrottleRate:       getEnvFloat("THROTTLE_RATE", 2.0),
		MaxConcurrent:      getEnvInt("MAX_CONCURRENT_CONVERSIONS", 3),
		FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
		ConversionTimeout:  getEnvInt("CONVERSION_TIMEOUT", 300),

		QueueEnabled:    getEnvBool("QUEUE_ENABLED", false),
		PendingQueue:    applyPrefix(getEnv("CONVERSION_PENDING_QUEUE", "conversion:pending"), redisPrefix),
		ProcessingQueue: applyPrefix(getEnv("CONVERSION_PROCESSING_QUEUE", "conversion:processing"), redisPrefix),
		FailedQueue:     applyPrefix(getEnv("CONVERSION_FAILED_QUEUE", "conversion:failed"), redisPrefix),
		WorkerCount:     getEnvInt("CONVERSION_WORKER_COUNT", 3),

		S3Bucket: getEnv("S3_BUCKET", "flac2mp3"),
		// Prefer unified S3_* vars, fall back to AWS_* vars
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_CONVERSIONS must be positive, got %d", c.MaxConcurrent)
	}
	// Retry hints are whole seconds, so shorter intervals cannot be reported.
	if c.ThrottleRate < 1 {
		return fmt.Errorf("THROTTLE_RATE must be at least 1 second, got %g", c.ThrottleRate)
	}
	if c.MaxFileSizeMB <= 0 || c.TransportMaxFileMB <= 0 {
		return fmt.Errorf("file size ceilings must be positive")
	}
	if strings.TrimSpace(c.TempDir) == "" {
		return fmt.Errorf("TEMP_DIR must not be empty")
	}
	switch c.RateLimitBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND: unsupported value %q", c.RateLimitBackend)
	}
	if c.BotToken == "" && !c.QueueEnabled {
		return fmt.Errorf("nothing to run: set BOT_TOKEN or QUEUE_ENABLED")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
