package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher enqueues a payload on a named topic or queue and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// FileJob asks the processing pipeline to extract text from an uploaded file.
type FileJob struct {
	FileID   int64  `json:"file_id"`
	UserID   string `json:"user_id"`
	BlobURL  string `json:"blob_url"`
	FileType string `json:"file_type"`
}

// PublishFileJob encodes job and publishes it to topic.
func PublishFileJob(ctx context.Context, p Publisher, topic string, job FileJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal file job: %w", err)
	}
	return p.Publish(ctx, topic, payload)
}
