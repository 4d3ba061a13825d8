package config

import (
	"errors"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// ErrMissingConnectionString is returned when DB_CONNECTION_STRING is unset or blank.
var ErrMissingConnectionString = errors.New("required key DB_CONNECTION_STRING missing value")

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"debug"`

	// Database
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	DBMaxOpenConns     int    `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns     int    `envconfig:"DB_MAX_IDLE_CONNS" default:"25"`
	DBConnMaxIdleSec   int    `envconfig:"DB_CONN_MAX_IDLE_SEC" default:"300"`

	// Claim cache. Empty disables caching.
	RedisURL             string `envconfig:"REDIS_URL"`
	ClaimCacheTTLSec     int    `envconfig:"CLAIM_CACHE_TTL_SEC" default:"86400"`
	ChristmasGrantTokens int    `envconfig:"CHRISTMAS_GRANT_TOKENS" default:"100000"`

	// GCP (Secret Manager, Pub/Sub)
	GCPProjectID       string `envconfig:"GCP_PROJECT_ID"`
	GCPCredentialsFile string `envconfig:"GCP_CREDENTIALS_FILE"`
	PubSubFileTopic    string `envconfig:"PUBSUB_FILE_TOPIC" default:"file-processing"`
	PubSubEmulatorHost string `envconfig:"PUBSUB_EMULATOR_HOST"`

	// Object storage for uploaded files
	S3URL       string `envconfig:"S3_URL"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"uploaded-files"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`

	// Prometheus endpoint for the orchestrator. Empty disables it.
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	// File-processing queue: "pgmq" or "pubsub"
	FileQueueBackend string `envconfig:"FILE_QUEUE_BACKEND" default:"pgmq"`

	// File-processing orchestrator settings
	ExtractorBaseURL                string `envconfig:"EXTRACTOR_BASE_URL" default:"http://localhost:8000"`
	FileQueueName                   string `envconfig:"FILE_QUEUE_NAME" default:"file_processing_queue"`
	FileDeadLetterQueueName         string `envconfig:"FILE_DEAD_LETTER_QUEUE_NAME" default:"file_processing_queue_dlq"`
	FileProcessingPollTimeoutSec    int    `envconfig:"FILE_PROCESSING_POLL_TIMEOUT_SEC" default:"30"`
	FileProcessingPollMaxMsg        int    `envconfig:"FILE_PROCESSING_POLL_MAX_MSG" default:"1"`
	FileProcessingMaxRetries        int    `envconfig:"FILE_PROCESSING_MAX_RETRIES" default:"5"`
	FileProcessingBackoffInitialSec int    `envconfig:"FILE_PROCESSING_BACKOFF_INITIAL_SEC" default:"1"`
	FileProcessingBackoffMaxSec     int    `envconfig:"FILE_PROCESSING_BACKOFF_MAX_SEC" default:"60"`
	FileProcessingRequestTimeoutSec int    `envconfig:"FILE_PROCESSING_REQUEST_TIMEOUT_SEC" default:"300"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	// envconfig accepts a required key that is set but empty.
	if strings.TrimSpace(cfg.DBConnectionString) == "" {
		return nil, ErrMissingConnectionString
	}
	return &cfg, nil
}

// IsDevelopment reports whether the process runs against local services.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
