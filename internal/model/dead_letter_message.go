package model

import (
	"encoding/json"
	"time"
)

// DeadLetterMessage is a file-processing job that exhausted its retries.
// MsgID is the job's ID on the queue it was read from.
type DeadLetterMessage struct {
	MsgID    int64           `json:"msg_id,omitempty"`
	Job      json.RawMessage `json:"job"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}
