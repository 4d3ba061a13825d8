package service

import (
	"context"
	"errors"
	"fmt"

	"usageledger/internal/cache"
	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/repository"

	"github.com/rs/zerolog"
)

var ErrInvalidGrant = errors.New("invalid_grant")

// ClaimService tracks the one-time Christmas token grant.
type ClaimService interface {
	// HasClaimedChristmasTokens reports whether a claim row exists. Lookup failures return false with the error.
	HasClaimedChristmasTokens(ctx context.Context, userID string) (bool, error)
	RecordChristmasClaim(ctx context.Context, userID string) (*model.ChristmasClaim, error)
	ClaimChristmasTokens(ctx context.Context, userID string) (*model.ClaimGrant, error)
}

type claimService struct {
	repo    repository.ClaimRepository
	cache   cache.ClaimCache
	grant   int
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewClaimService creates a ClaimService. A nil claimCache disables caching.
func NewClaimService(repo repository.ClaimRepository, claimCache cache.ClaimCache, grant int, rec *metrics.Recorder, logger zerolog.Logger) ClaimService {
	if claimCache == nil {
		claimCache = cache.NopClaimCache{}
	}
	return &claimService{
		repo:    repo,
		cache:   claimCache,
		grant:   grant,
		metrics: rec,
		logger:  logger.With().Str("service", "ClaimService").Logger(),
	}
}

func (s *claimService) HasClaimedChristmasTokens(ctx context.Context, userID string) (bool, error) {
	if hit, err := s.cache.IsClaimed(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Claim cache unavailable, falling back to database")
	} else if hit {
		s.metrics.Observe("has_claimed_christmas_tokens", metrics.ResultOK)
		return true, nil
	}

	claimed, err := s.repo.HasClaimed(ctx, userID)
	s.metrics.ObserveErr("has_claimed_christmas_tokens", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error checking Christmas claim")
		return false, err
	}
	if claimed {
		s.remember(ctx, userID)
	}
	return claimed, nil
}

// RecordChristmasClaim inserts the claim row without granting tokens.
func (s *claimService) RecordChristmasClaim(ctx context.Context, userID string) (*model.ChristmasClaim, error) {
	c, err := s.repo.Create(ctx, userID)
	s.metrics.ObserveErr("record_christmas_claim", err)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			s.remember(ctx, userID)
			return nil, err
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error recording Christmas claim")
		return nil, err
	}
	s.remember(ctx, userID)
	s.logger.Info().Str("user_id", userID).Msg("Recorded Christmas claim")
	return c, nil
}

// ClaimChristmasTokens records the claim and raises the allowance by the configured grant.
func (s *claimService) ClaimChristmasTokens(ctx context.Context, userID string) (*model.ClaimGrant, error) {
	if s.grant <= 0 {
		return nil, fmt.Errorf("grant of %d tokens: %w", s.grant, ErrInvalidGrant)
	}
	g, err := s.repo.ClaimWithGrant(ctx, userID, s.grant)
	s.metrics.ObserveErr("claim_christmas_tokens", err)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			s.remember(ctx, userID)
			s.logger.Info().Str("user_id", userID).Msg("Christmas tokens already claimed")
			return nil, err
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Error claiming Christmas tokens")
		return nil, err
	}
	s.remember(ctx, userID)
	s.logger.Info().Str("user_id", userID).Int("granted", g.Granted).Int("max_token_usage", g.MaxTokenUsage).Msg("Granted Christmas tokens")
	return g, nil
}

func (s *claimService) remember(ctx context.Context, userID string) {
	if err := s.cache.MarkClaimed(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to cache Christmas claim")
	}
}
