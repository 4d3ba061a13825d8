package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"usageledger/internal/app"
	"usageledger/internal/config"
	"usageledger/internal/logger"
	"usageledger/internal/orchestrator/fileprocessing"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	mode := flag.String("mode", "files", "Orchestrator mode: files")
	flag.Parse()

	// Load environment variables
	envErr := godotenv.Load()

	cfg, err := config.Load()
	bootLogger := logger.New("development", "info")
	if err != nil {
		bootLogger.Fatal().Msgf("Error loading config: %v", err)
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)
	if envErr != nil {
		log.Warn().Msg("Warning: no .env file found")
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise services")
	}
	defer a.Close()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
	}

	var runErr error
	switch *mode {
	case "files":
		for _, q := range []string{cfg.FileQueueName, cfg.FileDeadLetterQueueName} {
			if err := a.Queue.Create(ctx, q); err != nil {
				log.Fatal().Err(err).Str("queue", q).Msg("Failed to ensure queue")
			}
		}
		extractor := fileprocessing.NewHTTPExtractor(cfg.ExtractorBaseURL, time.Duration(cfg.FileProcessingRequestTimeoutSec)*time.Second)
		runner := fileprocessing.NewRunner(a.Queue, a.Files, a.Usage, extractor, fileprocessing.OptionsFromConfig(cfg), a.Metrics, log)
		runErr = runner.Run(ctx)
	default:
		log.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		log.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}

	log.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
