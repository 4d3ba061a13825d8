package repository

import (
	"context"
	"testing"
	"time"

	"usageledger/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fileColumns = []string{
	"id", "user_id", "blob_url", "file_type", "original_name", "status",
	"text_content", "tokens_used", "created_at", "updated_at", "error",
}

func TestCreateUploadedFileStartsPending(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUploadedFileRepo(db)

	now := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO uploaded_files`).
		WithArgs("u1", "s3://bucket/files/u1/a.pdf", "pdf", "notes.pdf", "pending").
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow(11, "u1", "s3://bucket/files/u1/a.pdf", "pdf", "notes.pdf", "pending", nil, nil, now, now, nil))

	f, err := repo.Create(context.Background(), &model.UploadedFile{
		UserID:       "u1",
		BlobURL:      "s3://bucket/files/u1/a.pdf",
		FileType:     "pdf",
		OriginalName: "notes.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), f.ID)
	assert.Equal(t, model.FileStatusPending, f.Status)
	assert.Nil(t, f.TextContent)
	assert.Nil(t, f.TokensUsed)
}

func TestGetUploadedFileCompleted(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUploadedFileRepo(db)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM uploaded_files WHERE id = \$1 AND user_id = \$2`).
		WithArgs(int64(11), "u1").
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow(11, "u1", "s3://b/k", "image", "scan.png", "completed", "hello", 42, now, now, nil))

	f, err := repo.GetForUser(context.Background(), 11, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	require.NotNil(t, f.TextContent)
	assert.Equal(t, "hello", *f.TextContent)
	require.NotNil(t, f.TokensUsed)
	assert.Equal(t, 42, *f.TokensUsed)
}

func TestGetUploadedFileNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUploadedFileRepo(db)

	mock.ExpectQuery(`SELECT (.+) FROM uploaded_files WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(fileColumns))

	_, err := repo.GetByID(context.Background(), 404)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestListUploadedFiles(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUploadedFileRepo(db)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM uploaded_files WHERE user_id = \$1 ORDER BY`).
		WithArgs("u1", 20, 0).
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow(2, "u1", "s3://b/2", "pdf", "b.pdf", "error", nil, nil, now, now, "unreadable").
			AddRow(1, "u1", "s3://b/1", "pdf", "a.pdf", "processing", nil, nil, now, now, nil))

	files, err := repo.ListByUserID(context.Background(), "u1", 20, 0)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.NotNil(t, files[0].Error)
	assert.Equal(t, "unreadable", *files[0].Error)
	assert.Equal(t, model.FileStatusProcessing, files[1].Status)
}

func TestMarkProcessing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUploadedFileRepo(db)

	mock.ExpectExec(`UPDATE uploaded_files SET status = 'processing'`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkProcessing(context.Background(), 1))
}

func TestMarkCompletedFromTerminalStateIsRejected(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUploadedFileRepo(db)

	mock.ExpectExec(`UPDATE uploaded_files SET status = 'completed'`).
		WithArgs(int64(1), "text", 10).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM uploaded_files`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("error"))

	err := repo.MarkCompleted(context.Background(), 1, "text", 10)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkFailedMissingFile(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUploadedFileRepo(db)

	mock.ExpectExec(`UPDATE uploaded_files SET status = 'error'`).
		WithArgs(int64(8), "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM uploaded_files`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := repo.MarkFailed(context.Background(), 8, "boom")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestResetToPending(t *testing.T) {
	db, mock := newMock(t)
	files := NewUploadedFileRepo(db)

	mock.ExpectExec(`UPDATE uploaded_files SET status = 'pending', error = NULL, updated_at = NOW\(\) WHERE id = \$1 AND status IN \('pending', 'processing', 'error'\)`).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE uploaded_files SET status = 'pending'`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM uploaded_files`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	require.NoError(t, files.ResetToPending(context.Background(), 8))
	assert.ErrorIs(t, files.ResetToPending(context.Background(), 9), ErrInvalidTransition)
}
