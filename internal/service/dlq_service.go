package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/queue"

	"github.com/rs/zerolog"
)

const (
	defaultDeadLetterLimit = 20
	maxDeadLetterLimit     = 100
)

// ErrNotRequeueable is returned for dead letters whose job has no file to retry.
var ErrNotRequeueable = errors.New("dead_letter_not_requeueable")

// DeadLetterQueue is the subset of queue.PGMQ the dead-letter service needs.
type DeadLetterQueue interface {
	Peek(ctx context.Context, queue string, limit int) ([]*queue.Message, error)
	Get(ctx context.Context, queue string, msgID int64) (*queue.Message, error)
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
	Delete(ctx context.Context, queue string, msgID int64) error
}

// DeadLetter is a dead-letter queue entry. ID is its ID on the dead-letter queue.
type DeadLetter struct {
	ID int64 `json:"id"`
	model.DeadLetterMessage
}

// DeadLetterService inspects failed file-processing jobs and puts them back on the work queue.
type DeadLetterService interface {
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	// Requeue resets the job's file to pending, sends the job to the work
	// queue and removes the dead letter. It returns the new job's message ID.
	Requeue(ctx context.Context, id int64) (int64, error)
}

type deadLetterService struct {
	q         DeadLetterQueue
	files     FileService
	workQueue string
	dlq       string
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

func NewDeadLetterService(q DeadLetterQueue, files FileService, workQueue, deadLetterQueue string, rec *metrics.Recorder, logger zerolog.Logger) DeadLetterService {
	return &deadLetterService{
		q:         q,
		files:     files,
		workQueue: workQueue,
		dlq:       deadLetterQueue,
		metrics:   rec,
		logger:    logger.With().Str("service", "DeadLetterService").Logger(),
	}
}

func (s *deadLetterService) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	if limit > maxDeadLetterLimit {
		limit = maxDeadLetterLimit
	}
	msgs, err := s.q.Peek(ctx, s.dlq, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("dlq", s.dlq).Msg("Failed to list dead letters")
		return nil, err
	}
	letters := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl := DeadLetter{ID: m.ID}
		if err := json.Unmarshal(m.Data, &dl.DeadLetterMessage); err != nil {
			// Keep unreadable payloads visible rather than hiding them.
			dl.Job = json.RawMessage(m.Data)
			dl.Error = "unreadable dead letter: " + err.Error()
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

func (s *deadLetterService) Requeue(ctx context.Context, id int64) (int64, error) {
	msgID, err := s.requeue(ctx, id)
	s.metrics.ObserveErr("requeue_dead_letter", err)
	if err != nil {
		s.logger.Error().Err(err).Int64("dead_letter_id", id).Msg("Failed to requeue dead letter")
		return 0, err
	}
	s.logger.Info().Int64("dead_letter_id", id).Int64("msg_id", msgID).Msg("Requeued dead letter")
	return msgID, nil
}

func (s *deadLetterService) requeue(ctx context.Context, id int64) (int64, error) {
	m, err := s.q.Get(ctx, s.dlq, id)
	if err != nil {
		return 0, err
	}
	var dl model.DeadLetterMessage
	if err := json.Unmarshal(m.Data, &dl); err != nil {
		return 0, fmt.Errorf("dead letter %d: %w", id, ErrNotRequeueable)
	}
	var job queue.FileJob
	if err := json.Unmarshal(dl.Job, &job); err != nil || job.FileID <= 0 {
		return 0, fmt.Errorf("dead letter %d: %w", id, ErrNotRequeueable)
	}

	if err := s.files.ResetFile(ctx, job.FileID); err != nil {
		return 0, fmt.Errorf("resetting file %d: %w", job.FileID, err)
	}
	msgID, err := s.q.Send(ctx, s.workQueue, dl.Job)
	if err != nil {
		return 0, err
	}
	if err := s.q.Delete(ctx, s.dlq, id); err != nil {
		// The job is already back on the work queue; a leftover dead letter is harmless.
		s.logger.Warn().Err(err).Int64("dead_letter_id", id).Msg("Failed to delete requeued dead letter")
	}
	return msgID, nil
}
