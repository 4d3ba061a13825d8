package fileprocessing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"usageledger/internal/config"
	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/queue"
	"usageledger/internal/repository"
	"usageledger/internal/service"

	"github.com/rs/zerolog"
)

// Source is the queue the orchestrator consumes. *queue.PGMQ satisfies it.
type Source interface {
	ReadWithPoll(ctx context.Context, queue string, visibilitySec, maxMessages, pollSec int) ([]*queue.Message, error)
	Delete(ctx context.Context, queue string, msgID int64) error
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
}

const chargeOperation = "charge_extraction_tokens"

type Options struct {
	Queue           string
	DeadLetterQueue string
	PollTimeoutSec  int
	PollMaxMsg      int
	VisibilitySec   int
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

// OptionsFromConfig keeps messages hidden long enough for every attempt to time out.
func OptionsFromConfig(cfg *config.Config) Options {
	maxRetries := cfg.FileProcessingMaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	backoffMax := time.Duration(cfg.FileProcessingBackoffMaxSec) * time.Second
	return Options{
		Queue:           cfg.FileQueueName,
		DeadLetterQueue: cfg.FileDeadLetterQueueName,
		PollTimeoutSec:  cfg.FileProcessingPollTimeoutSec,
		PollMaxMsg:      cfg.FileProcessingPollMaxMsg,
		VisibilitySec:   maxRetries * (cfg.FileProcessingRequestTimeoutSec + cfg.FileProcessingBackoffMaxSec),
		MaxRetries:      maxRetries,
		BackoffInitial:  time.Duration(cfg.FileProcessingBackoffInitialSec) * time.Second,
		BackoffMax:      backoffMax,
	}
}

type Runner struct {
	src       Source
	files     service.FileService
	usage     service.UsageService
	extractor Extractor
	opts      Options
	metrics   *metrics.Recorder
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRunner wires the orchestrator. usage may be nil to skip charging
// extraction tokens; rec may be nil.
func NewRunner(src Source, files service.FileService, usage service.UsageService, extractor Extractor, opts Options, rec *metrics.Recorder, logger zerolog.Logger) *Runner {
	return &Runner{
		src:       src,
		files:     files,
		usage:     usage,
		extractor: extractor,
		opts:      opts,
		metrics:   rec,
		logger:    logger.With().Str("orchestrator", "file_processing").Logger(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls the queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Str("queue", r.opts.Queue).Str("dlq", r.opts.DeadLetterQueue).Msg("Starting file processing orchestrator")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Shutting down file processing orchestrator")
			return nil
		default:
		}

		msgs, err := r.src.ReadWithPoll(ctx, r.opts.Queue, r.opts.VisibilitySec, r.opts.PollMaxMsg, r.opts.PollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error().Err(err).Msg("Error reading file processing queue")
			_ = r.sleep(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			r.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one job. The message is deleted once the file
// reaches a terminal state; transient bookkeeping failures leave it on the
// queue to become visible again.
func (r *Runner) HandleMessage(ctx context.Context, msg *queue.Message) {
	log := r.logger.With().Int64("msg_id", msg.ID).Int("read_ct", msg.ReadCount).Logger()

	var job queue.FileJob
	err := json.Unmarshal(msg.Data, &job)
	if err == nil && job.FileID == 0 {
		err = errors.New("missing file_id")
	}
	if err != nil {
		log.Error().Err(err).Msg("Malformed file processing job; moving to DLQ")
		r.deadLetter(ctx, msg, fmt.Errorf("malformed job: %w", err), 0)
		r.ack(ctx, msg)
		return
	}
	log = log.With().Int64("file_id", job.FileID).Str("user_id", job.UserID).Logger()

	proceed, err := r.claim(ctx, job)
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark file processing; will retry")
		return
	}
	if !proceed {
		r.ack(ctx, msg)
		return
	}

	result, attempts, err := r.extractWithRetry(ctx, job, log)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if markErr := r.files.MarkFailed(ctx, job.FileID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("Failed to mark file failed")
		}
		r.deadLetter(ctx, msg, err, attempts)
		r.ack(ctx, msg)
		log.Warn().Err(err).Int("attempts", attempts).Msg("Exhausted file extraction retries; moved job to DLQ")
		return
	}

	if err := r.files.MarkCompleted(ctx, job.FileID, result.Text, result.TokensUsed); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrFileNotFound) {
			log.Warn().Err(err).Msg("File left processing state during extraction; dropping result")
			r.ack(ctx, msg)
			return
		}
		log.Error().Err(err).Msg("Failed to mark file completed; will retry")
		return
	}

	r.charge(ctx, job, result.TokensUsed, log)

	r.ack(ctx, msg)
	log.Info().Int("tokens_used", result.TokensUsed).Int("attempts", attempts).Msg("File processed")
}

// charge bills extraction tokens to the file's owner. The file is already
// completed when this runs, so a failed charge is only counted and logged.
func (r *Runner) charge(ctx context.Context, job queue.FileJob, tokens int, log zerolog.Logger) {
	if r.usage == nil || tokens <= 0 {
		return
	}
	res := r.usage.IncrementTokenUsage(ctx, job.UserID, float64(tokens))
	if res.UsageError {
		r.metrics.Observe(chargeOperation, metrics.ResultError)
		log.Error().Err(res.Err).Int("uncharged_tokens", tokens).Msg("Failed to charge extraction tokens")
		return
	}
	r.metrics.Observe(chargeOperation, metrics.ResultOK)
}

// claim moves the file to processing. Redelivered jobs for a file already
// processing are resumed, while terminal or missing files are skipped.
func (r *Runner) claim(ctx context.Context, job queue.FileJob) (bool, error) {
	err := r.files.MarkProcessing(ctx, job.FileID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrFileNotFound):
		r.logger.Warn().Int64("file_id", job.FileID).Msg("File no longer exists; skipping job")
		return false, nil
	case errors.Is(err, repository.ErrInvalidTransition):
		f, getErr := r.files.GetFile(ctx, job.FileID, job.UserID)
		if getErr != nil {
			if errors.Is(getErr, repository.ErrFileNotFound) {
				return false, nil
			}
			return false, getErr
		}
		if f.Status == model.FileStatusProcessing {
			return true, nil
		}
		r.logger.Info().Int64("file_id", job.FileID).Str("status", string(f.Status)).Msg("File already finished; skipping job")
		return false, nil
	default:
		return false, err
	}
}

func (r *Runner) extractWithRetry(ctx context.Context, job queue.FileJob, log zerolog.Logger) (*Extraction, int, error) {
	backoff := r.opts.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		start := time.Now()
		result, err := r.extractor.Extract(ctx, job)
		if err == nil {
			log.Info().Str("duration", time.Since(start).String()).Int("attempt", attempt).Msg("Extraction service succeeded")
			return result, attempt, nil
		}
		lastErr = err
		if errors.Is(err, ErrPermanent) {
			log.Error().Err(err).Int("attempt", attempt).Msg("Extraction failed permanently")
			return nil, attempt, err
		}
		if attempt == r.opts.MaxRetries {
			break
		}
		log.Error().Err(err).Int("attempt", attempt).Msg("Extraction service call failed, retrying")
		if err := r.sleep(ctx, backoff); err != nil {
			return nil, attempt, err
		}
		backoff *= 2
		if backoff > r.opts.BackoffMax {
			backoff = r.opts.BackoffMax
		}
	}
	return nil, r.opts.MaxRetries, lastErr
}

func (r *Runner) deadLetter(ctx context.Context, msg *queue.Message, cause error, attempts int) {
	if r.opts.DeadLetterQueue == "" {
		return
	}
	job := json.RawMessage(msg.Data)
	if !json.Valid(job) {
		job, _ = json.Marshal(string(msg.Data))
	}
	payload, err := json.Marshal(model.DeadLetterMessage{MsgID: msg.ID, Job: job, Error: cause.Error(), Attempts: attempts, FailedAt: time.Now().UTC()})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal dead-letter payload")
		return
	}
	if _, err := r.src.Send(ctx, r.opts.DeadLetterQueue, payload); err != nil {
		r.logger.Error().Err(err).Str("dlq", r.opts.DeadLetterQueue).Msg("Failed to send message to dead-letter queue")
	}
}

func (r *Runner) ack(ctx context.Context, msg *queue.Message) {
	if err := r.src.Delete(ctx, r.opts.Queue, msg.ID); err != nil {
		r.logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Error deleting file processing message")
	}
}
