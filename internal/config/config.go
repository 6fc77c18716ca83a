package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	LogLevel    string
	LogFormat   string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint   string
	TraceSampleRatio float64

	// Encrypted store
	ChunkSizeKB         int
	MaxPayloadMB        int
	StoreMaxRetries     int
	StoreRetryBaseDelay time.Duration
	KeyEncryptionKey    []byte

	// Payment verification
	PaymentVerifierURL   string
	PaymentVerifyTimeout time.Duration

	// Fulfillment workers
	WorkerConcurrency         int
	FulfillmentMaxAttempts    int
	RefundMaxAttempts         int
	FulfillmentBaseBackoff    time.Duration
	FulfillmentMaxBackoff     time.Duration
	FulfillmentAttemptTimeout time.Duration
	QueueVisibilityTimeout    time.Duration
	QueuePollInterval         time.Duration
	LockTTL                   time.Duration
	LockRetryDelay            time.Duration
	RecoverySweepInterval     time.Duration
	RecoveryStaleAfter        time.Duration

	// Download grants and operator access
	GrantTTL        time.Duration
	GrantSigningKey string
	OperatorToken   string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "sourcenet-fulfillment"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "sourcenet"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// TiDB defaults
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "sourcenet"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "localhost:4318"),
		TraceSampleRatio: getEnvAsFloat("TRACE_SAMPLE_RATIO", 1.0),

		// Encrypted store defaults
		ChunkSizeKB:         getEnvAsInt("CHUNK_SIZE_KB", 1024),
		MaxPayloadMB:        getEnvAsInt("MAX_PAYLOAD_MB", 256),
		StoreMaxRetries:     getEnvAsInt("STORE_MAX_RETRIES", 3),
		StoreRetryBaseDelay: getEnvAsDuration("STORE_RETRY_BASE_DELAY", 200*time.Millisecond),

		// Payment verification defaults
		PaymentVerifierURL:   getEnv("PAYMENT_VERIFIER_URL", "http://localhost:8090"),
		PaymentVerifyTimeout: getEnvAsDuration("PAYMENT_VERIFY_TIMEOUT", 10*time.Second),

		// Worker defaults
		WorkerConcurrency:         getEnvAsInt("WORKER_CONCURRENCY", 4),
		FulfillmentMaxAttempts:    getEnvAsInt("FULFILLMENT_MAX_ATTEMPTS", 5),
		RefundMaxAttempts:         getEnvAsInt("REFUND_MAX_ATTEMPTS", 3),
		FulfillmentBaseBackoff:    getEnvAsDuration("FULFILLMENT_BASE_BACKOFF", 2*time.Second),
		FulfillmentMaxBackoff:     getEnvAsDuration("FULFILLMENT_MAX_BACKOFF", 2*time.Minute),
		FulfillmentAttemptTimeout: getEnvAsDuration("FULFILLMENT_ATTEMPT_TIMEOUT", 5*time.Minute),
		QueueVisibilityTimeout:    getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 10*time.Minute),
		QueuePollInterval:         getEnvAsDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		LockTTL:                   getEnvAsDuration("LOCK_TTL", 10*time.Minute),
		LockRetryDelay:            getEnvAsDuration("LOCK_RETRY_DELAY", 5*time.Second),
		RecoverySweepInterval:     getEnvAsDuration("RECOVERY_SWEEP_INTERVAL", time.Minute),
		RecoveryStaleAfter:        getEnvAsDuration("RECOVERY_STALE_AFTER", 15*time.Minute),

		// Grant defaults
		GrantTTL:        getEnvAsDuration("GRANT_TTL", 5*time.Minute),
		GrantSigningKey: getEnv("GRANT_SIGNING_KEY", ""),
		OperatorToken:   getEnv("OPERATOR_TOKEN", ""),
	}

	kek, err := hex.DecodeString(getEnv("KEY_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, fmt.Errorf("KEY_ENCRYPTION_KEY: not valid hex: %w", err)
	}
	config.KeyEncryptionKey = kek

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required settings and value ranges
func (c *Config) Validate() error {
	var errs []error

	if len(c.KeyEncryptionKey) != 32 {
		errs = append(errs, fmt.Errorf("KEY_ENCRYPTION_KEY: must be 32 bytes (64 hex chars), got %d bytes", len(c.KeyEncryptionKey)))
	}
	if len(c.GrantSigningKey) < 32 {
		errs = append(errs, errors.New("GRANT_SIGNING_KEY: must be at least 32 characters"))
	}
	if c.OperatorToken == "" {
		errs = append(errs, errors.New("OPERATOR_TOKEN: required"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: invalid value %q, allowed: json, text", c.LogFormat))
	}
	if c.ChunkSizeKB <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE_KB: must be positive, got %d", c.ChunkSizeKB))
	}
	if c.MaxPayloadMB <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PAYLOAD_MB: must be positive, got %d", c.MaxPayloadMB))
	}
	if c.StoreMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("STORE_MAX_RETRIES: must not be negative, got %d", c.StoreMaxRetries))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY: must be positive, got %d", c.WorkerConcurrency))
	}
	if c.FulfillmentMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("FULFILLMENT_MAX_ATTEMPTS: must be positive, got %d", c.FulfillmentMaxAttempts))
	}
	if c.RefundMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REFUND_MAX_ATTEMPTS: must be positive, got %d", c.RefundMaxAttempts))
	}
	if c.FulfillmentMaxBackoff < c.FulfillmentBaseBackoff {
		errs = append(errs, errors.New("FULFILLMENT_MAX_BACKOFF: must not be lower than FULFILLMENT_BASE_BACKOFF"))
	}
	if c.QueueVisibilityTimeout <= c.FulfillmentAttemptTimeout {
		errs = append(errs, errors.New("QUEUE_VISIBILITY_TIMEOUT: must exceed FULFILLMENT_ATTEMPT_TIMEOUT"))
	}
	if c.LockTTL < c.FulfillmentAttemptTimeout {
		errs = append(errs, errors.New("LOCK_TTL: must not be lower than FULFILLMENT_ATTEMPT_TIMEOUT"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATIO: must be within [0,1], got %v", c.TraceSampleRatio))
	}

	return errors.Join(errs...)
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetMigrationURL returns the golang-migrate URL for the TiDB database
func (c *Config) GetMigrationURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns the encryption chunk size in bytes
func (c *Config) GetChunkSizeBytes() int {
	return c.ChunkSizeKB * 1024
}

// GetMaxPayloadBytes returns the upload ceiling in bytes
func (c *Config) GetMaxPayloadBytes() int64 {
	return int64(c.MaxPayloadMB) * 1024 * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
