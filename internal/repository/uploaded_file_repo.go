package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"usageledger/internal/model"
)

// UploadedFileRepository stores uploaded file metadata and its processing lifecycle.
type UploadedFileRepository interface {
	Create(ctx context.Context, f *model.UploadedFile) (*model.UploadedFile, error)
	GetByID(ctx context.Context, id int64) (*model.UploadedFile, error)
	GetForUser(ctx context.Context, id int64, userID string) (*model.UploadedFile, error)
	ListByUserID(ctx context.Context, userID string, limit, offset int) ([]model.UploadedFile, error)
	// MarkProcessing moves a pending file to processing.
	MarkProcessing(ctx context.Context, id int64) error
	// MarkCompleted and MarkFailed finish a pending or processing file.
	MarkCompleted(ctx context.Context, id int64, textContent string, tokensUsed int) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// ResetToPending moves a file that has not completed back to pending for
	// another attempt. Resetting a pending file is a no-op transition.
	ResetToPending(ctx context.Context, id int64) error
}

const uploadedFileColumns = `id, user_id, blob_url, file_type, original_name, status,
               text_content, tokens_used, created_at, updated_at, error`

type uploadedFileRepo struct {
	db *sql.DB
}

func NewUploadedFileRepo(db *sql.DB) UploadedFileRepository {
	return &uploadedFileRepo{db: db}
}

func scanUploadedFile(row rowScanner) (*model.UploadedFile, error) {
	var f model.UploadedFile
	err := row.Scan(
		&f.ID,
		&f.UserID,
		&f.BlobURL,
		&f.FileType,
		&f.OriginalName,
		&f.Status,
		&f.TextContent,
		&f.TokensUsed,
		&f.CreatedAt,
		&f.UpdatedAt,
		&f.Error,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *uploadedFileRepo) Create(ctx context.Context, f *model.UploadedFile) (*model.UploadedFile, error) {
	q := `
        INSERT INTO uploaded_files (user_id, blob_url, file_type, original_name, status)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING ` + uploadedFileColumns
	created, err := scanUploadedFile(r.db.QueryRowContext(ctx, q,
		f.UserID,
		f.BlobURL,
		f.FileType,
		f.OriginalName,
		model.FileStatusPending,
	))
	if err != nil {
		return nil, fmt.Errorf("creating uploaded file for user %s: %w", f.UserID, err)
	}
	return created, nil
}

func (r *uploadedFileRepo) GetByID(ctx context.Context, id int64) (*model.UploadedFile, error) {
	q := `SELECT ` + uploadedFileColumns + ` FROM uploaded_files WHERE id = $1`
	f, err := scanUploadedFile(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("getting uploaded file %d: %w", id, err)
	}
	return f, nil
}

func (r *uploadedFileRepo) GetForUser(ctx context.Context, id int64, userID string) (*model.UploadedFile, error) {
	q := `SELECT ` + uploadedFileColumns + ` FROM uploaded_files WHERE id = $1 AND user_id = $2`
	f, err := scanUploadedFile(r.db.QueryRowContext(ctx, q, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("getting uploaded file %d for user %s: %w", id, userID, err)
	}
	return f, nil
}

func (r *uploadedFileRepo) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]model.UploadedFile, error) {
	q := `
        SELECT ` + uploadedFileColumns + `
        FROM uploaded_files
        WHERE user_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3
    `
	rows, err := r.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing uploaded files for user %s: %w", userID, err)
	}
	defer rows.Close()

	var files []model.UploadedFile
	for rows.Next() {
		f, err := scanUploadedFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning uploaded file row: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating uploaded file rows: %w", err)
	}
	return files, nil
}

func (r *uploadedFileRepo) MarkProcessing(ctx context.Context, id int64) error {
	const q = `
        UPDATE uploaded_files
        SET status = 'processing', updated_at = NOW()
        WHERE id = $1 AND status = 'pending'
    `
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("marking uploaded file %d processing: %w", id, err)
	}
	return r.checkTransition(ctx, id, res)
}

func (r *uploadedFileRepo) MarkCompleted(ctx context.Context, id int64, textContent string, tokensUsed int) error {
	const q = `
        UPDATE uploaded_files
        SET status = 'completed', text_content = $2, tokens_used = $3, error = NULL, updated_at = NOW()
        WHERE id = $1 AND status IN ('pending', 'processing')
    `
	res, err := r.db.ExecContext(ctx, q, id, textContent, tokensUsed)
	if err != nil {
		return fmt.Errorf("marking uploaded file %d completed: %w", id, err)
	}
	return r.checkTransition(ctx, id, res)
}

func (r *uploadedFileRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	const q = `
        UPDATE uploaded_files
        SET status = 'error', error = $2, updated_at = NOW()
        WHERE id = $1 AND status IN ('pending', 'processing')
    `
	res, err := r.db.ExecContext(ctx, q, id, errMsg)
	if err != nil {
		return fmt.Errorf("marking uploaded file %d failed: %w", id, err)
	}
	return r.checkTransition(ctx, id, res)
}

func (r *uploadedFileRepo) ResetToPending(ctx context.Context, id int64) error {
	const q = `
        UPDATE uploaded_files
        SET status = 'pending', error = NULL, updated_at = NOW()
        WHERE id = $1 AND status IN ('pending', 'processing', 'error')
    `
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("resetting uploaded file %d: %w", id, err)
	}
	return r.checkTransition(ctx, id, res)
}

// checkTransition tells a missing file apart from one in the wrong state
// when a guarded status update matched no row.
func (r *uploadedFileRepo) checkTransition(ctx context.Context, id int64, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("uploaded file %d rows affected: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	var status string
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM uploaded_files WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFileNotFound
		}
		return fmt.Errorf("checking status of uploaded file %d: %w", id, err)
	}
	return fmt.Errorf("uploaded file %d is %s: %w", id, status, ErrInvalidTransition)
}
