package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memUsageRepo mirrors the upsert semantics of the SQL repository in memory.
type memUsageRepo struct {
	mu   sync.Mutex
	rows map[string]*model.UserUsage
	err  error
}

func newMemUsageRepo() *memUsageRepo {
	return &memUsageRepo{rows: map[string]*model.UserUsage{}}
}

// row returns the user's row, inserting one with the statement's insert-path
// billing cycle when it is missing.
func (m *memUsageRepo) row(userID, insertBillingCycle string) *model.UserUsage {
	u, ok := m.rows[userID]
	if !ok {
		u = &model.UserUsage{UserID: userID, BillingCycle: insertBillingCycle}
		m.rows[userID] = u
	}
	return u
}

func (m *memUsageRepo) CreateEmpty(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.rows[userID]; ok {
		return repository.ErrUsageExists
	}
	m.rows[userID] = &model.UserUsage{UserID: userID}
	return nil
}

func (m *memUsageRepo) GetByUserID(_ context.Context, userID string) (*model.UserUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.rows[userID]
	if !ok {
		return nil, repository.ErrUsageNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsageRepo) IncrementTokenUsage(_ context.Context, userID string, tokens int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	u, ok := m.rows[userID]
	if !ok {
		u = m.row(userID, model.DefaultBillingCycle)
		u.SubscriptionStatus = model.SubscriptionInactive
		u.PaymentStatus = model.PaymentUnpaid
	}
	u.TokenUsage += tokens
	return u.MaxTokenUsage - u.TokenUsage, nil
}

func (m *memUsageRepo) UpsertSubscriptionStatus(_ context.Context, userID, subscriptionStatus, paymentStatus, billingCycle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	u := m.row(userID, billingCycle)
	u.SubscriptionStatus = subscriptionStatus
	u.PaymentStatus = paymentStatus
	u.BillingCycle = billingCycle
	return nil
}

func (m *memUsageRepo) UpsertFailedPayment(_ context.Context, userID, subscriptionStatus, paymentStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	u := m.row(userID, "")
	u.SubscriptionStatus = subscriptionStatus
	u.PaymentStatus = paymentStatus
	return nil
}

func (m *memUsageRepo) SetMaxTokenUsage(_ context.Context, userID string, maxTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.row(userID, model.DefaultBillingCycle).MaxTokenUsage = maxTokens
	return nil
}

func newTestUsageService(repo repository.UsageRepository) (UsageService, *metrics.Recorder) {
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	return NewUsageService(repo, rec, zerolog.Nop()), rec
}

func TestNormalizeTokens(t *testing.T) {
	tests := []struct {
		name   string
		in     float64
		want   int64
		wantOK bool
	}{
		{"integer", 20, 20, true},
		{"fraction floors", 5.7, 5, true},
		{"negative fraction", -5.7, 0, true},
		{"negative", -3, 0, true},
		{"zero", 0, 0, true},
		{"nan", math.NaN(), 0, false},
		{"positive infinity", math.Inf(1), 0, false},
		{"negative infinity", math.Inf(-1), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeTokens(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestIncrementTokenUsage_ReturnsUnclampedRemaining(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	repo.rows["u1"] = &model.UserUsage{UserID: "u1", TokenUsage: 90, MaxTokenUsage: 100}
	svc, rec := newTestUsageService(repo)

	res := svc.IncrementTokenUsage(ctx, "u1", 20)
	assert.Equal(t, -10, res.Remaining)
	assert.False(t, res.UsageError)
	assert.NoError(t, res.Err)

	check := svc.CheckTokenUsage(ctx, "u1")
	assert.Equal(t, 0, check.Remaining)
	assert.False(t, check.UsageError)

	assert.Equal(t, float64(20), testutil.ToFloat64(rec.TokensCounter()))
}

func TestIncrementTokenUsage_CreatesMissingRow(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	svc, _ := newTestUsageService(repo)

	res := svc.IncrementTokenUsage(ctx, "new-user", 15)
	assert.Equal(t, -15, res.Remaining)
	assert.False(t, res.UsageError)

	u, err := svc.GetUserUsage(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, 15, u.TokenUsage)
	assert.Equal(t, 0, u.MaxTokenUsage)
	assert.Equal(t, model.SubscriptionInactive, u.SubscriptionStatus)
	assert.Equal(t, model.PaymentUnpaid, u.PaymentStatus)
}

func TestIncrementTokenUsage_InvalidInputsAddNothing(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	repo.rows["u1"] = &model.UserUsage{UserID: "u1", TokenUsage: 10, MaxTokenUsage: 50}
	svc, _ := newTestUsageService(repo)

	for _, in := range []float64{math.NaN(), math.Inf(1), -5.7} {
		res := svc.IncrementTokenUsage(ctx, "u1", in)
		assert.Equal(t, 40, res.Remaining)
		assert.False(t, res.UsageError)
	}

	res := svc.IncrementTokenUsage(ctx, "u1", 5.7)
	assert.Equal(t, 35, res.Remaining)
	assert.Equal(t, 15, repo.rows["u1"].TokenUsage)
}

func TestIncrementTokenUsage_OutOfRange(t *testing.T) {
	repo := newMemUsageRepo()
	svc, _ := newTestUsageService(repo)

	res := svc.IncrementTokenUsage(context.Background(), "u1", 1e12)
	assert.True(t, res.UsageError)
	assert.Equal(t, 0, res.Remaining)
	assert.ErrorIs(t, res.Err, ErrTokensOutOfRange)
	assert.Empty(t, repo.rows)
}

func TestIncrementTokenUsage_ConcurrentIncrementsAllApplied(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	svc, _ := newTestUsageService(repo)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.IncrementTokenUsage(ctx, "u1", 3)
		}()
	}
	wg.Wait()

	u, err := svc.GetUserUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 150, u.TokenUsage)
}

func TestIncrementTokenUsage_StoreFailure(t *testing.T) {
	repo := newMemUsageRepo()
	repo.err = errors.New("connection refused")
	svc, rec := newTestUsageService(repo)

	res := svc.IncrementTokenUsage(context.Background(), "u1", 10)
	assert.Equal(t, model.UsageResult{Remaining: 0, UsageError: true, Err: repo.err}, res)
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.OperationsCounter("increment_token_usage", metrics.ResultError)))
}

func TestCheckTokenUsage(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	repo.rows["under"] = &model.UserUsage{UserID: "under", TokenUsage: 30, MaxTokenUsage: 100}
	repo.rows["over"] = &model.UserUsage{UserID: "over", TokenUsage: 130, MaxTokenUsage: 100}
	svc, rec := newTestUsageService(repo)

	assert.Equal(t, 70, svc.CheckTokenUsage(ctx, "under").Remaining)
	assert.Equal(t, 0, svc.CheckTokenUsage(ctx, "over").Remaining)

	missing := svc.CheckTokenUsage(ctx, "missing")
	assert.True(t, missing.UsageError)
	assert.True(t, missing.NotFound)
	assert.Equal(t, 0, missing.Remaining)
	assert.ErrorIs(t, missing.Err, repository.ErrUsageNotFound)
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.OperationsCounter("check_token_usage", metrics.ResultNotFound)))
}

func TestCheckTokenUsage_StoreFailure(t *testing.T) {
	repo := newMemUsageRepo()
	repo.err = errors.New("timeout")
	svc, _ := newTestUsageService(repo)

	res := svc.CheckTokenUsage(context.Background(), "u1")
	assert.True(t, res.UsageError)
	assert.False(t, res.NotFound)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheckUserSubscriptionStatus(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		paymentStatus string
		want          bool
	}{
		{"paid", true},
		{"succeeded", true},
		{"unpaid", false},
		{"failed", false},
		{"Paid", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.paymentStatus, func(t *testing.T) {
			repo := newMemUsageRepo()
			svc, _ := newTestUsageService(repo)
			require.NoError(t, svc.CreateOrUpdateUserSubscriptionStatus(ctx, "u1", "active", tt.paymentStatus, "monthly"))

			got, err := svc.CheckUserSubscriptionStatus(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckUserSubscriptionStatus_Missing(t *testing.T) {
	svc, _ := newTestUsageService(newMemUsageRepo())
	got, err := svc.CheckUserSubscriptionStatus(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.False(t, got)
}

func TestCheckUserSubscriptionStatus_StoreFailure(t *testing.T) {
	repo := newMemUsageRepo()
	repo.err = errors.New("boom")
	svc, _ := newTestUsageService(repo)
	got, err := svc.CheckUserSubscriptionStatus(context.Background(), "u1")
	assert.Error(t, err)
	assert.False(t, got)
}

func TestHandleFailedPayment_KeepsBillingCycleAndUsage(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	svc, _ := newTestUsageService(repo)

	require.NoError(t, svc.CreateOrUpdateUserSubscriptionStatus(ctx, "u1", "active", "paid", "monthly"))
	svc.IncrementTokenUsage(ctx, "u1", 40)
	require.NoError(t, svc.HandleFailedPayment(ctx, "u1", "past_due", "failed"))

	u, err := svc.GetUserUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "monthly", u.BillingCycle)
	assert.Equal(t, 40, u.TokenUsage)
	assert.Equal(t, "past_due", u.SubscriptionStatus)
	assert.Equal(t, "failed", u.PaymentStatus)

	paid, err := svc.CheckUserSubscriptionStatus(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestHandleFailedPayment_InsertsBlankBillingCycle(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	svc, _ := newTestUsageService(repo)

	require.NoError(t, svc.HandleFailedPayment(ctx, "u2", "past_due", "failed"))

	u, err := svc.GetUserUsage(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "", u.BillingCycle)
	assert.Equal(t, 0, u.TokenUsage)
	assert.Equal(t, "failed", u.PaymentStatus)
}

func TestCreateOrUpdateUserSubscriptionStatus_TwiceKeepsUsage(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	svc, _ := newTestUsageService(repo)

	require.NoError(t, svc.CreateOrUpdateUserSubscriptionStatus(ctx, "u1", "active", "unpaid", "monthly"))
	res := svc.IncrementTokenUsage(ctx, "u1", 25)
	require.False(t, res.UsageError)
	require.NoError(t, svc.CreateOrUpdateUserSubscriptionStatus(ctx, "u1", "active", "paid", "yearly"))

	assert.Len(t, repo.rows, 1)
	u, err := svc.GetUserUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "paid", u.PaymentStatus)
	assert.Equal(t, "yearly", u.BillingCycle)
	assert.Equal(t, 25, u.TokenUsage)
}

func TestCreateEmptyUserUsage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestUsageService(newMemUsageRepo())

	require.NoError(t, svc.CreateEmptyUserUsage(ctx, "u1"))
	err := svc.CreateEmptyUserUsage(ctx, "u1")
	assert.ErrorIs(t, err, repository.ErrUsageExists)

	res := svc.CheckTokenUsage(ctx, "u1")
	assert.Equal(t, 0, res.Remaining)
	assert.False(t, res.UsageError)
}

func TestSetMaxTokenUsage_ClampsNegative(t *testing.T) {
	ctx := context.Background()
	repo := newMemUsageRepo()
	svc, _ := newTestUsageService(repo)

	require.NoError(t, svc.SetMaxTokenUsage(ctx, "u1", -50))
	assert.Equal(t, 0, repo.rows["u1"].MaxTokenUsage)

	require.NoError(t, svc.SetMaxTokenUsage(ctx, "u1", 500))
	assert.Equal(t, 500, svc.CheckTokenUsage(ctx, "u1").Remaining)
}
