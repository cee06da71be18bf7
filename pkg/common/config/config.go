package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database. Pool sizing follows the pipeline fan-out: each concurrent
	// patient run holds a handful of connections across its repositories.
	PostgresHost         string
	PostgresPort         string
	PostgresUser         string
	PostgresPassword     string
	PostgresDB           string
	PostgresSSLMode      string
	PostgresMaxOpenConns int
	PostgresMaxIdleConns int

	// Redis (extracted document text cache)
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	RedisPoolSize    int
	DocumentCacheTTL time.Duration

	// Kafka (export sink + decision audit)
	KafkaBrokers []string
	KafkaGroupID string

	// Extraction oracle
	OracleAPIKey      string
	OracleBaseURL     string
	OracleModelName   string
	OracleTemperature float64

	// Document text extractor
	DocExtractorBaseURL string

	// Clinical data warehouse
	WarehouseBaseURL      string
	WarehouseTokenURL     string
	WarehouseClientID     string
	WarehouseClientSecret string

	// Extraction/adjudication policy file (YAML)
	PolicyPath string

	// Collaborator handling
	CollaboratorTimeout time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration

	// Pipeline
	MaxConcurrentPatients int

	// Export worker
	ExportDir string
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "chronica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "chronica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "chronica"),
		PostgresSSLMode:      getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxOpenConns: getIntEnv("POSTGRES_MAX_OPEN_CONNS", 25),
		PostgresMaxIdleConns: getIntEnv("POSTGRES_MAX_IDLE_CONNS", 5),

		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		RedisPoolSize:    getIntEnv("REDIS_POOL_SIZE", 10),
		DocumentCacheTTL: getDuration("DOCUMENT_CACHE_TTL", 24*time.Hour),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "chronica-timeline"),

		OracleAPIKey:      getEnv("ORACLE_API_KEY", ""),
		OracleBaseURL:     getEnv("ORACLE_BASE_URL", "https://api.openai.com/v1"),
		OracleModelName:   getEnv("ORACLE_MODEL_NAME", "gpt-4"),
		OracleTemperature: getFloatEnv("ORACLE_TEMPERATURE", 0.0),

		DocExtractorBaseURL: getEnv("DOC_EXTRACTOR_BASE_URL", "http://localhost:8090"),

		WarehouseBaseURL:      getEnv("WAREHOUSE_BASE_URL", ""),
		WarehouseTokenURL:     getEnv("WAREHOUSE_TOKEN_URL", ""),
		WarehouseClientID:     getEnv("WAREHOUSE_CLIENT_ID", ""),
		WarehouseClientSecret: getEnv("WAREHOUSE_CLIENT_SECRET", ""),

		PolicyPath: getEnv("POLICY_PATH", ""),

		CollaboratorTimeout: getDuration("COLLABORATOR_TIMEOUT", 60*time.Second),
		RetryAttempts:       getIntEnv("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:      getDuration("RETRY_BASE_DELAY", 200*time.Millisecond),

		MaxConcurrentPatients: getIntEnv("MAX_CONCURRENT_PATIENTS", 4),

		ExportDir: getEnv("EXPORT_DIR", "./exports"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
