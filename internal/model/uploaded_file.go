package model

import "time"

// FileStatus is the processing state of an uploaded file.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusError      FileStatus = "error"
)

// Terminal reports whether no further processing happens in this state.
func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusError
}

const (
	FileTypePDF   = "pdf"
	FileTypeImage = "image"
)

// UploadedFile holds metadata for a user-submitted file and its text extraction.
type UploadedFile struct {
	ID           int64      `db:"id" json:"id"`
	UserID       string     `db:"user_id" json:"user_id" validate:"required"`
	BlobURL      string     `db:"blob_url" json:"blob_url" validate:"required"`
	FileType     string     `db:"file_type" json:"file_type" validate:"required,oneof=pdf image"`
	OriginalName string     `db:"original_name" json:"original_name" validate:"required,max=255"`
	Status       FileStatus `db:"status" json:"status"`
	TextContent  *string    `db:"text_content" json:"text_content,omitempty"`
	TokensUsed   *int       `db:"tokens_used" json:"tokens_used,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	Error        *string    `db:"error" json:"error,omitempty"`
}
