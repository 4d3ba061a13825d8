package fileprocessing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"usageledger/internal/config"
	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/queue"
	"usageledger/internal/repository"
	"usageledger/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	mu      sync.Mutex
	pending []*queue.Message
	deleted []int64
	sent    map[string][][]byte
}

func newMemSource(msgs ...*queue.Message) *memSource {
	return &memSource{pending: msgs, sent: map[string][][]byte{}}
}

func (s *memSource) ReadWithPoll(ctx context.Context, _ string, _, maxMessages, _ int) ([]*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, ctx.Err()
	}
	n := maxMessages
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := s.pending[:n]
	s.pending = s.pending[n:]
	return out, nil
}

func (s *memSource) Delete(_ context.Context, _ string, msgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, msgID)
	return nil
}

func (s *memSource) Send(_ context.Context, q string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[q] = append(s.sent[q], payload)
	return int64(len(s.sent[q])), nil
}

// memFiles implements the lifecycle part of service.FileService.
type memFiles struct {
	service.FileService
	files map[int64]*model.UploadedFile
}

func newMemFiles(files ...*model.UploadedFile) *memFiles {
	m := &memFiles{files: map[int64]*model.UploadedFile{}}
	for _, f := range files {
		m.files[f.ID] = f
	}
	return m
}

func (m *memFiles) GetFile(_ context.Context, id int64, userID string) (*model.UploadedFile, error) {
	f, ok := m.files[id]
	if !ok || f.UserID != userID {
		return nil, repository.ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memFiles) move(id int64, to model.FileStatus, from ...model.FileStatus) error {
	f, ok := m.files[id]
	if !ok {
		return repository.ErrFileNotFound
	}
	for _, s := range from {
		if f.Status == s {
			f.Status = to
			return nil
		}
	}
	return repository.ErrInvalidTransition
}

func (m *memFiles) MarkProcessing(_ context.Context, id int64) error {
	return m.move(id, model.FileStatusProcessing, model.FileStatusPending)
}

func (m *memFiles) MarkCompleted(_ context.Context, id int64, text string, tokens int) error {
	if err := m.move(id, model.FileStatusCompleted, model.FileStatusPending, model.FileStatusProcessing); err != nil {
		return err
	}
	m.files[id].TextContent = &text
	m.files[id].TokensUsed = &tokens
	return nil
}

func (m *memFiles) MarkFailed(_ context.Context, id int64, msg string) error {
	if err := m.move(id, model.FileStatusError, model.FileStatusPending, model.FileStatusProcessing); err != nil {
		return err
	}
	m.files[id].Error = &msg
	return nil
}

type memUsage struct {
	service.UsageService
	charged map[string]float64
	err     error
}

func (m *memUsage) IncrementTokenUsage(_ context.Context, userID string, tokens float64) model.UsageResult {
	if m.err != nil {
		return model.Failed(m.err)
	}
	m.charged[userID] += tokens
	return model.UsageResult{Remaining: 0}
}

type scriptedExtractor struct {
	errs   []error
	result *Extraction
	calls  int
}

func (e *scriptedExtractor) Extract(context.Context, queue.FileJob) (*Extraction, error) {
	e.calls++
	if e.calls <= len(e.errs) {
		return nil, e.errs[e.calls-1]
	}
	return e.result, nil
}

func jobMessage(t *testing.T, id int64, job queue.FileJob) *queue.Message {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return &queue.Message{ID: id, ReadCount: 1, Data: data}
}

func testOptions() Options {
	return Options{
		Queue:           "files",
		DeadLetterQueue: "files_dlq",
		PollMaxMsg:      1,
		MaxRetries:      3,
		BackoffInitial:  time.Second,
		BackoffMax:      4 * time.Second,
	}
}

func newTestRunner(src Source, files service.FileService, usage service.UsageService, ex Extractor) (*Runner, *[]time.Duration) {
	r := NewRunner(src, files, usage, ex, testOptions(), nil, zerolog.New(io.Discard))
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func pendingFile(id int64) *model.UploadedFile {
	return &model.UploadedFile{ID: id, UserID: "u1", FileType: "pdf", Status: model.FileStatusPending}
}

func TestHandleMessage_Success(t *testing.T) {
	src := newMemSource()
	files := newMemFiles(pendingFile(1))
	usage := &memUsage{charged: map[string]float64{}}
	ex := &scriptedExtractor{
		errs:   []error{errors.New("status 503: busy")},
		result: &Extraction{Text: "hello", TokensUsed: 120},
	}
	r, slept := newTestRunner(src, files, usage, ex)

	r.HandleMessage(context.Background(), jobMessage(t, 10, queue.FileJob{FileID: 1, UserID: "u1", FileType: "pdf"}))

	f := files.files[1]
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, "hello", *f.TextContent)
	assert.Equal(t, 120, *f.TokensUsed)
	assert.Equal(t, float64(120), usage.charged["u1"])
	assert.Equal(t, []int64{10}, src.deleted)
	assert.Equal(t, []time.Duration{time.Second}, *slept)
	assert.Empty(t, src.sent["files_dlq"])
}

func TestHandleMessage_ChargeFailureIsCounted(t *testing.T) {
	src := newMemSource()
	files := newMemFiles(pendingFile(1))
	usage := &memUsage{charged: map[string]float64{}, err: errors.New("db down")}
	ex := &scriptedExtractor{result: &Extraction{Text: "hello", TokensUsed: 120}}
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	r := NewRunner(src, files, usage, ex, testOptions(), rec, zerolog.New(io.Discard))

	r.HandleMessage(context.Background(), jobMessage(t, 10, queue.FileJob{FileID: 1, UserID: "u1", FileType: "pdf"}))

	assert.Equal(t, model.FileStatusCompleted, files.files[1].Status)
	assert.Equal(t, []int64{10}, src.deleted)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.OperationsCounter(chargeOperation, metrics.ResultError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(rec.OperationsCounter(chargeOperation, metrics.ResultOK)))

	usage.err = nil
	files.files[2] = pendingFile(2)
	r.HandleMessage(context.Background(), jobMessage(t, 11, queue.FileJob{FileID: 2, UserID: "u1", FileType: "pdf"}))
	assert.Equal(t, float64(120), usage.charged["u1"])
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.OperationsCounter(chargeOperation, metrics.ResultOK)))
}

func TestHandleMessage_ExhaustedRetriesGoToDLQ(t *testing.T) {
	src := newMemSource()
	files := newMemFiles(pendingFile(2))
	boom := errors.New("connection refused")
	ex := &scriptedExtractor{errs: []error{boom, boom, boom, boom}}
	r, slept := newTestRunner(src, files, nil, ex)

	r.HandleMessage(context.Background(), jobMessage(t, 11, queue.FileJob{FileID: 2, UserID: "u1"}))

	assert.Equal(t, 3, ex.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	assert.Equal(t, model.FileStatusError, files.files[2].Status)
	assert.Equal(t, "connection refused", *files.files[2].Error)
	assert.Equal(t, []int64{11}, src.deleted)

	require.Len(t, src.sent["files_dlq"], 1)
	var dl model.DeadLetterMessage
	require.NoError(t, json.Unmarshal(src.sent["files_dlq"][0], &dl))
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "connection refused", dl.Error)
	assert.JSONEq(t, `{"file_id":2,"user_id":"u1","blob_url":"","file_type":""}`, string(dl.Job))
}

func TestHandleMessage_PermanentFailureSkipsRetries(t *testing.T) {
	src := newMemSource()
	files := newMemFiles(pendingFile(3))
	ex := &scriptedExtractor{errs: []error{ErrPermanent}}
	r, slept := newTestRunner(src, files, nil, ex)

	r.HandleMessage(context.Background(), jobMessage(t, 12, queue.FileJob{FileID: 3, UserID: "u1"}))

	assert.Equal(t, 1, ex.calls)
	assert.Empty(t, *slept)
	assert.Equal(t, model.FileStatusError, files.files[3].Status)
	assert.Len(t, src.sent["files_dlq"], 1)
}

func TestHandleMessage_SkipsFinishedAndMissingFiles(t *testing.T) {
	done := pendingFile(4)
	done.Status = model.FileStatusCompleted
	src := newMemSource()
	files := newMemFiles(done)
	ex := &scriptedExtractor{result: &Extraction{}}
	r, _ := newTestRunner(src, files, nil, ex)

	r.HandleMessage(context.Background(), jobMessage(t, 13, queue.FileJob{FileID: 4, UserID: "u1"}))
	r.HandleMessage(context.Background(), jobMessage(t, 14, queue.FileJob{FileID: 99, UserID: "u1"}))

	assert.Zero(t, ex.calls)
	assert.Equal(t, []int64{13, 14}, src.deleted)
	assert.Equal(t, model.FileStatusCompleted, files.files[4].Status)
}

func TestHandleMessage_ResumesProcessingFile(t *testing.T) {
	inFlight := pendingFile(5)
	inFlight.Status = model.FileStatusProcessing
	src := newMemSource()
	files := newMemFiles(inFlight)
	ex := &scriptedExtractor{result: &Extraction{Text: "again"}}
	r, _ := newTestRunner(src, files, nil, ex)

	r.HandleMessage(context.Background(), jobMessage(t, 15, queue.FileJob{FileID: 5, UserID: "u1"}))

	assert.Equal(t, 1, ex.calls)
	assert.Equal(t, model.FileStatusCompleted, files.files[5].Status)
}

func TestHandleMessage_MalformedJob(t *testing.T) {
	src := newMemSource()
	r, _ := newTestRunner(src, newMemFiles(), nil, &scriptedExtractor{})

	r.HandleMessage(context.Background(), &queue.Message{ID: 16, Data: []byte("not json")})
	r.HandleMessage(context.Background(), &queue.Message{ID: 17, Data: []byte(`{"user_id":"u1"}`)})

	assert.Equal(t, []int64{16, 17}, src.deleted)
	require.Len(t, src.sent["files_dlq"], 2)
	var dl model.DeadLetterMessage
	require.NoError(t, json.Unmarshal(src.sent["files_dlq"][0], &dl))
	assert.JSONEq(t, `"not json"`, string(dl.Job))
	assert.Contains(t, dl.Error, "malformed job")
}

func TestRunStopsOnCancel(t *testing.T) {
	src := newMemSource()
	files := newMemFiles(pendingFile(6))
	ex := &scriptedExtractor{result: &Extraction{Text: "x"}}
	r, _ := newTestRunner(src, files, nil, ex)
	src.pending = []*queue.Message{jobMessage(t, 18, queue.FileJob{FileID: 6, UserID: "u1"})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.deleted) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		FileQueueName:                   "q",
		FileDeadLetterQueueName:         "q_dlq",
		FileProcessingPollTimeoutSec:    30,
		FileProcessingPollMaxMsg:        1,
		FileProcessingMaxRetries:        5,
		FileProcessingBackoffInitialSec: 1,
		FileProcessingBackoffMaxSec:     60,
		FileProcessingRequestTimeoutSec: 300,
	}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "q", opts.Queue)
	assert.Equal(t, 5*(300+60), opts.VisibilitySec)
	assert.Equal(t, time.Second, opts.BackoffInitial)
	assert.Equal(t, time.Minute, opts.BackoffMax)

	cfg.FileProcessingMaxRetries = 0
	assert.Equal(t, 1, OptionsFromConfig(cfg).MaxRetries)
}
