package fileprocessing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"usageledger/internal/queue"
)

// ErrPermanent marks extractor failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent_extraction_failure")

// Extraction is the extractor's answer for one file.
type Extraction struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}

type Extractor interface {
	Extract(ctx context.Context, job queue.FileJob) (*Extraction, error)
}

// HTTPExtractor calls POST {baseURL}/extract on the external extraction service.
type HTTPExtractor struct {
	client   *http.Client
	endpoint string
}

func NewHTTPExtractor(baseURL string, timeout time.Duration) *HTTPExtractor {
	return &HTTPExtractor{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(baseURL, "/") + "/extract",
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, job queue.FileJob) (*Extraction, error) {
	reqBody, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extraction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return nil, err
	}

	var out Extraction
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed extraction response: %v", ErrPermanent, err)
	}
	return &out, nil
}
