package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"time"

	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/queue"
	"usageledger/internal/repository"
	"usageledger/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	presignExpiry    = 15 * time.Minute
)

var ErrStorageDisabled = errors.New("object_storage_not_configured")

// FileService registers uploaded files and drives their processing lifecycle.
type FileService interface {
	RegisterFile(ctx context.Context, f *model.UploadedFile) (*model.UploadedFile, error)
	UploadFile(ctx context.Context, userID, originalName, fileType string, body io.Reader) (*model.UploadedFile, error)
	GetFile(ctx context.Context, id int64, userID string) (*model.UploadedFile, error)
	ListFiles(ctx context.Context, userID string, limit, offset int) ([]model.UploadedFile, error)
	PresignDownload(ctx context.Context, f *model.UploadedFile) (string, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, textContent string, tokensUsed int) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// ResetFile puts a file that has not completed back to pending so its job can run again.
	ResetFile(ctx context.Context, id int64) error
}

type fileService struct {
	repo      repository.UploadedFileRepository
	store     storage.BlobStore
	publisher queue.Publisher
	jobTopic  string
	validate  *validator.Validate
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

// NewFileService creates a FileService. A nil store disables UploadFile and
// PresignDownload; a nil publisher skips enqueueing processing jobs.
func NewFileService(
	repo repository.UploadedFileRepository,
	store storage.BlobStore,
	publisher queue.Publisher,
	jobTopic string,
	validate *validator.Validate,
	rec *metrics.Recorder,
	logger zerolog.Logger,
) FileService {
	return &fileService{
		repo:      repo,
		store:     store,
		publisher: publisher,
		jobTopic:  jobTopic,
		validate:  validate,
		metrics:   rec,
		logger:    logger.With().Str("service", "FileService").Logger(),
	}
}

// RegisterFile records a file that is already in object storage. It starts out pending.
func (s *fileService) RegisterFile(ctx context.Context, f *model.UploadedFile) (*model.UploadedFile, error) {
	if err := s.validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	created, err := s.repo.Create(ctx, f)
	s.metrics.ObserveErr("register_file", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", f.UserID).Str("original_name", f.OriginalName).Msg("Failed to register uploaded file")
		return nil, err
	}
	s.logger.Info().Str("user_id", created.UserID).Int64("file_id", created.ID).Str("file_type", created.FileType).Msg("Registered uploaded file")
	return created, nil
}

// UploadFile stores the body, registers the file and enqueues it for text extraction.
func (s *fileService) UploadFile(ctx context.Context, userID, originalName, fileType string, body io.Reader) (*model.UploadedFile, error) {
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	f := &model.UploadedFile{
		UserID:       userID,
		BlobURL:      "pending",
		FileType:     fileType,
		OriginalName: originalName,
	}
	if err := s.validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	key := storage.ObjectKey(userID, originalName)
	blobURL, err := s.store.Put(ctx, key, body, contentType(originalName))
	if err != nil {
		s.metrics.Observe("upload_file", metrics.ResultError)
		s.logger.Error().Err(err).Str("user_id", userID).Str("key", key).Msg("Failed to store uploaded file")
		return nil, err
	}
	f.BlobURL = blobURL

	created, err := s.RegisterFile(ctx, f)
	if err != nil {
		if delErr := s.store.Delete(ctx, blobURL); delErr != nil {
			s.logger.Warn().Err(delErr).Str("blob_url", blobURL).Msg("Failed to remove orphaned blob")
		}
		s.metrics.Observe("upload_file", metrics.ResultError)
		return nil, err
	}
	s.metrics.Observe("upload_file", metrics.ResultOK)

	// A failed enqueue leaves the file pending for a later retry.
	if s.publisher != nil {
		job := queue.FileJob{FileID: created.ID, UserID: userID, BlobURL: blobURL, FileType: fileType}
		if _, err := queue.PublishFileJob(ctx, s.publisher, s.jobTopic, job); err != nil {
			s.logger.Error().Err(err).Str("topic", s.jobTopic).Int64("file_id", created.ID).Msg("Failed to publish file processing job")
		}
	}
	return created, nil
}

func (s *fileService) GetFile(ctx context.Context, id int64, userID string) (*model.UploadedFile, error) {
	f, err := s.repo.GetForUser(ctx, id, userID)
	if err != nil && !errors.Is(err, repository.ErrFileNotFound) {
		s.logger.Error().Err(err).Int64("file_id", id).Str("user_id", userID).Msg("Failed to get uploaded file")
	}
	return f, err
}

// ListFiles returns newest first. limit defaults to 50 and is capped at 200.
func (s *fileService) ListFiles(ctx context.Context, userID string, limit, offset int) ([]model.UploadedFile, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	files, err := s.repo.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list uploaded files")
		return nil, err
	}
	return files, nil
}

func (s *fileService) PresignDownload(ctx context.Context, f *model.UploadedFile) (string, error) {
	if s.store == nil {
		return "", ErrStorageDisabled
	}
	u, err := s.store.PresignGet(ctx, f.BlobURL, presignExpiry)
	if err != nil {
		s.logger.Error().Err(err).Int64("file_id", f.ID).Msg("Failed to presign download")
		return "", err
	}
	return u, nil
}

func (s *fileService) MarkProcessing(ctx context.Context, id int64) error {
	return s.transition("mark_file_processing", id, s.repo.MarkProcessing(ctx, id))
}

func (s *fileService) MarkCompleted(ctx context.Context, id int64, textContent string, tokensUsed int) error {
	if tokensUsed < 0 {
		tokensUsed = 0
	}
	return s.transition("mark_file_completed", id, s.repo.MarkCompleted(ctx, id, textContent, tokensUsed))
}

func (s *fileService) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return s.transition("mark_file_failed", id, s.repo.MarkFailed(ctx, id, errMsg))
}

func (s *fileService) ResetFile(ctx context.Context, id int64) error {
	return s.transition("reset_file", id, s.repo.ResetToPending(ctx, id))
}

func (s *fileService) transition(operation string, id int64, err error) error {
	s.metrics.ObserveErr(operation, err)
	if err != nil {
		s.logger.Error().Err(err).Int64("file_id", id).Str("operation", operation).Msg("File status transition failed")
	}
	return err
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
