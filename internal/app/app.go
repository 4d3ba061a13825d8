package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"usageledger/internal/cache"
	"usageledger/internal/config"
	"usageledger/internal/database"
	"usageledger/internal/metrics"
	"usageledger/internal/queue"
	"usageledger/internal/repository"
	"usageledger/internal/secrets"
	"usageledger/internal/service"
	"usageledger/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	QueueBackendPGMQ   = "pgmq"
	QueueBackendPubSub = "pubsub"
)

// App holds the wired services shared by the binaries.
type App struct {
	DB       *sql.DB
	Registry *prometheus.Registry
	Queue    *queue.PGMQ
	Metrics  *metrics.Recorder

	Usage       service.UsageService
	Claims      service.ClaimService
	Deployments service.DeploymentService
	Files       service.FileService
	DeadLetters service.DeadLetterService

	closers []func() error
	logger  zerolog.Logger
}

// New connects to Postgres and builds every service. Redis, object storage,
// Secret Manager and Pub/Sub are optional and only wired when configured.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithDB(ctx, cfg, db, logger)
}

// NewWithDB builds the services on an open pool. The App takes ownership of db.
func NewWithDB(ctx context.Context, cfg *config.Config, db *sql.DB, logger zerolog.Logger) (*App, error) {
	a := &App{
		DB:       db,
		Registry: prometheus.NewRegistry(),
		Queue:    queue.NewPGMQ(db),
		logger:   logger,
	}
	a.closers = append(a.closers, db.Close)

	if err := a.wire(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config) error {
	rec := metrics.NewRecorder(a.Registry)
	a.Metrics = rec
	validate := validator.New(validator.WithRequiredStructEnabled())

	var claimCache cache.ClaimCache
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		claimCache = cache.NewRedisClaimCache(client, time.Duration(cfg.ClaimCacheTTLSec)*time.Second)
		a.logger.Info().Msg("Claim cache enabled")
	}

	var vault secrets.Vault
	if cfg.GCPProjectID != "" {
		v, err := secrets.NewSecretManagerVault(ctx, cfg.GCPProjectID, cfg.GCPCredentialsFile)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, v.Close)
		vault = v
	}

	var store storage.BlobStore
	if cfg.S3URL != "" || cfg.S3AccessKey != "" {
		client, err := storage.NewS3Client(ctx, storage.S3Options{
			Endpoint:  cfg.S3URL,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return err
		}
		store = storage.NewS3BlobStore(client, cfg.S3Bucket)
	}

	publisher, topic, err := a.publisher(ctx, cfg)
	if err != nil {
		return err
	}

	a.Usage = service.NewUsageService(repository.NewUsageRepo(a.DB), rec, a.logger)
	a.Claims = service.NewClaimService(repository.NewClaimRepo(a.DB), claimCache, cfg.ChristmasGrantTokens, rec, a.logger)
	a.Deployments = service.NewDeploymentService(repository.NewVercelTokenRepo(a.DB), vault, service.NewProviderKeyValidator(), validate, rec, a.logger)
	a.Files = service.NewFileService(repository.NewUploadedFileRepo(a.DB), store, publisher, topic, validate, rec, a.logger)
	a.DeadLetters = service.NewDeadLetterService(a.Queue, a.Files, cfg.FileQueueName, cfg.FileDeadLetterQueueName, rec, a.logger)
	return nil
}

func (a *App) publisher(ctx context.Context, cfg *config.Config) (queue.Publisher, string, error) {
	switch cfg.FileQueueBackend {
	case QueueBackendPGMQ:
		return a.Queue, cfg.FileQueueName, nil
	case QueueBackendPubSub:
		if cfg.PubSubEmulatorHost != "" {
			if err := os.Setenv("PUBSUB_EMULATOR_HOST", cfg.PubSubEmulatorHost); err != nil {
				return nil, "", err
			}
		}
		p, err := queue.NewPubSubPublisher(ctx, cfg.GCPProjectID, cfg.GCPCredentialsFile)
		if err != nil {
			return nil, "", err
		}
		a.closers = append(a.closers, p.Close)
		return p, cfg.PubSubFileTopic, nil
	default:
		return nil, "", fmt.Errorf("unknown file queue backend %q", cfg.FileQueueBackend)
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Error during shutdown")
		}
	}
	a.closers = nil
}
