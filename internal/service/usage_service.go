package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/repository"

	"github.com/rs/zerolog"
)

// ErrTokensOutOfRange is returned for increments the integer counter cannot hold.
var ErrTokensOutOfRange = errors.New("tokens_out_of_range")

// UsageService is the token ledger and subscription status API used by request handlers.
//
// Token operations never return an error value: failures are logged and
// reported through model.UsageResult with UsageError set and Err holding
// the cause. Status writes log and return their error.
type UsageService interface {
	CreateEmptyUserUsage(ctx context.Context, userID string) error
	GetUserUsage(ctx context.Context, userID string) (*model.UserUsage, error)
	IncrementTokenUsage(ctx context.Context, userID string, tokens float64) model.UsageResult
	CheckTokenUsage(ctx context.Context, userID string) model.UsageResult
	// CheckUserSubscriptionStatus is true only for payment status "paid" or "succeeded". A missing row is false with no error.
	CheckUserSubscriptionStatus(ctx context.Context, userID string) (bool, error)
	CreateOrUpdateUserSubscriptionStatus(ctx context.Context, userID, subscriptionStatus, paymentStatus, billingCycle string) error
	HandleFailedPayment(ctx context.Context, userID, subscriptionStatus, paymentStatus string) error
	SetMaxTokenUsage(ctx context.Context, userID string, maxTokens int) error
}

type usageService struct {
	repo    repository.UsageRepository
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewUsageService creates a new UsageService with a scoped logger. rec may be nil.
func NewUsageService(repo repository.UsageRepository, rec *metrics.Recorder, logger zerolog.Logger) UsageService {
	return &usageService{
		repo:    repo,
		metrics: rec,
		logger:  logger.With().Str("service", "UsageService").Logger(),
	}
}

// CreateEmptyUserUsage inserts a zeroed row. Unlike the other operations the
// error is the caller's to handle; a second call for the same user returns
// repository.ErrUsageExists.
func (s *usageService) CreateEmptyUserUsage(ctx context.Context, userID string) error {
	err := s.repo.CreateEmpty(ctx, userID)
	s.metrics.ObserveErr("create_empty_user_usage", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create empty user usage")
		return err
	}
	return nil
}

func (s *usageService) GetUserUsage(ctx context.Context, userID string) (*model.UserUsage, error) {
	u, err := s.repo.GetByUserID(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrUsageNotFound) {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch user usage")
	}
	return u, err
}

// IncrementTokenUsage returns the remaining allowance after the increment.
// The value is not clamped and goes negative once usage passes the maximum.
func (s *usageService) IncrementTokenUsage(ctx context.Context, userID string, tokens float64) model.UsageResult {
	n, ok := NormalizeTokens(tokens)
	if !ok {
		s.logger.Warn().Str("user_id", userID).Float64("tokens", tokens).Msg("Invalid token value received, using 0 instead")
	}
	if n > math.MaxInt32 {
		err := fmt.Errorf("increment of %d tokens for user %s: %w", n, userID, ErrTokensOutOfRange)
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error incrementing token usage")
		s.metrics.Observe("increment_token_usage", metrics.ResultError)
		return model.Failed(err)
	}

	remaining, err := s.repo.IncrementTokenUsage(ctx, userID, int(n))
	s.metrics.ObserveErr("increment_token_usage", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error incrementing token usage")
		return model.Failed(err)
	}
	s.metrics.AddTokens(int(n))

	s.logger.Debug().Str("user_id", userID).Int64("tokens", n).Int("remaining", remaining).Msg("Incremented token usage")
	return model.UsageResult{Remaining: remaining}
}

// CheckTokenUsage returns the remaining allowance clamped at zero. A user
// without a usage row gets an explicit not-found result.
func (s *usageService) CheckTokenUsage(ctx context.Context, userID string) model.UsageResult {
	u, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUsageNotFound) {
			s.metrics.Observe("check_token_usage", metrics.ResultNotFound)
			s.logger.Warn().Str("user_id", userID).Msg("No usage row found when checking token usage")
			r := model.Failed(err)
			r.NotFound = true
			return r
		}
		s.metrics.Observe("check_token_usage", metrics.ResultError)
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error checking token usage")
		return model.Failed(err)
	}
	s.metrics.Observe("check_token_usage", metrics.ResultOK)
	return model.UsageResult{Remaining: u.Remaining()}
}

func (s *usageService) CheckUserSubscriptionStatus(ctx context.Context, userID string) (bool, error) {
	u, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUsageNotFound) {
			s.metrics.Observe("check_subscription_status", metrics.ResultNotFound)
			return false, nil
		}
		s.metrics.Observe("check_subscription_status", metrics.ResultError)
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error checking subscription status")
		return false, err
	}
	s.metrics.Observe("check_subscription_status", metrics.ResultOK)
	s.logger.Debug().Str("user_id", userID).Str("payment_status", u.PaymentStatus).Msg("Checked subscription status")
	return u.HasPaid(), nil
}

func (s *usageService) CreateOrUpdateUserSubscriptionStatus(ctx context.Context, userID, subscriptionStatus, paymentStatus, billingCycle string) error {
	err := s.repo.UpsertSubscriptionStatus(ctx, userID, subscriptionStatus, paymentStatus, billingCycle)
	s.metrics.ObserveErr("upsert_subscription_status", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("payment_status", paymentStatus).Msg("Error updating or creating subscription status")
		return err
	}
	s.logger.Info().Str("user_id", userID).Str("subscription_status", subscriptionStatus).Str("payment_status", paymentStatus).Msg("Updated or created subscription status")
	return nil
}

func (s *usageService) HandleFailedPayment(ctx context.Context, userID, subscriptionStatus, paymentStatus string) error {
	err := s.repo.UpsertFailedPayment(ctx, userID, subscriptionStatus, paymentStatus)
	s.metrics.ObserveErr("handle_failed_payment", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("payment_status", paymentStatus).Msg("Error updating or creating failed payment status")
		return err
	}
	s.logger.Info().Str("user_id", userID).Str("payment_status", paymentStatus).Msg("Updated or created failed payment status")
	return nil
}

// SetMaxTokenUsage assigns the allowance. Negative values are stored as 0.
func (s *usageService) SetMaxTokenUsage(ctx context.Context, userID string, maxTokens int) error {
	if maxTokens < 0 {
		maxTokens = 0
	}
	err := s.repo.SetMaxTokenUsage(ctx, userID, maxTokens)
	s.metrics.ObserveErr("set_max_token_usage", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Int("max_token_usage", maxTokens).Msg("Failed to set max token usage")
		return err
	}
	return nil
}

// NormalizeTokens turns an arbitrary token count into a non-negative integer.
// NaN and infinities become 0 and report ok=false; fractions are floored and
// negative values become 0.
func NormalizeTokens(tokens float64) (n int64, ok bool) {
	if math.IsNaN(tokens) || math.IsInf(tokens, 0) {
		return 0, false
	}
	f := math.Floor(tokens)
	if f <= 0 {
		return 0, true
	}
	if f > math.MaxInt64/2 {
		return math.MaxInt64 / 2, true
	}
	return int64(f), true
}
