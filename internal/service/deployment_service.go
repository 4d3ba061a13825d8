package service

import (
	"context"
	"errors"
	"fmt"

	"usageledger/internal/metrics"
	"usageledger/internal/model"
	"usageledger/internal/repository"
	"usageledger/internal/secrets"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// DeploymentService manages linked deployment accounts and the provider keys they run with.
type DeploymentService interface {
	LinkDeployment(ctx context.Context, t *model.VercelToken) (*model.VercelToken, error)
	ListDeployments(ctx context.Context, userID string) ([]model.VercelToken, error)
	GetDeployment(ctx context.Context, id int64, userID string) (*model.VercelToken, error)
	RecordDeployment(ctx context.Context, id int64, userID string, deploymentURL, projectURL, projectID *string) (*model.VercelToken, error)
	UpdateModelConfig(ctx context.Context, id int64, userID, provider, modelName, visionModelName string) (*model.VercelToken, error)
	StoreProviderAPIKey(ctx context.Context, userID, provider, apiKey string) error
	GetProviderAPIKey(ctx context.Context, userID, provider string) (string, error)
	DeleteProviderAPIKey(ctx context.Context, userID, provider string) error
}

type deploymentService struct {
	repo     repository.VercelTokenRepository
	vault    secrets.Vault
	keys     ProviderKeyValidator
	validate *validator.Validate
	metrics  *metrics.Recorder
	logger   zerolog.Logger
}

// NewDeploymentService creates a DeploymentService. With a nil vault the API key operations return ErrVaultDisabled.
func NewDeploymentService(
	repo repository.VercelTokenRepository,
	vault secrets.Vault,
	keys ProviderKeyValidator,
	validate *validator.Validate,
	rec *metrics.Recorder,
	logger zerolog.Logger,
) DeploymentService {
	return &deploymentService{
		repo:     repo,
		vault:    vault,
		keys:     keys,
		validate: validate,
		metrics:  rec,
		logger:   logger.With().Str("service", "DeploymentService").Logger(),
	}
}

func (s *deploymentService) LinkDeployment(ctx context.Context, t *model.VercelToken) (*model.VercelToken, error) {
	if err := s.validate.Struct(t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t.ApplyModelDefaults()
	if !IsSupportedProvider(t.ModelProvider) {
		return nil, fmt.Errorf("provider %q: %w", t.ModelProvider, ErrUnsupportedProvider)
	}

	created, err := s.repo.Create(ctx, t)
	s.metrics.ObserveErr("link_deployment", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", t.UserID).Msg("Failed to link deployment")
		return nil, err
	}
	s.logger.Info().Str("user_id", created.UserID).Int64("deployment_id", created.ID).Msg("Linked deployment")
	return created, nil
}

func (s *deploymentService) ListDeployments(ctx context.Context, userID string) ([]model.VercelToken, error) {
	tokens, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list deployments")
		return nil, err
	}
	return tokens, nil
}

func (s *deploymentService) GetDeployment(ctx context.Context, id int64, userID string) (*model.VercelToken, error) {
	t, err := s.repo.GetByID(ctx, id, userID)
	if err != nil && !errors.Is(err, repository.ErrDeploymentNotFound) {
		s.logger.Error().Err(err).Str("user_id", userID).Int64("deployment_id", id).Msg("Failed to get deployment")
	}
	return t, err
}

// RecordDeployment stamps last_deployment. Nil identifiers keep their stored values.
func (s *deploymentService) RecordDeployment(ctx context.Context, id int64, userID string, deploymentURL, projectURL, projectID *string) (*model.VercelToken, error) {
	if err := s.validate.Var(deploymentURL, "omitempty,url"); err != nil {
		return nil, fmt.Errorf("%w: deployment url: %v", ErrInvalidInput, err)
	}
	if err := s.validate.Var(projectURL, "omitempty,url"); err != nil {
		return nil, fmt.Errorf("%w: project url: %v", ErrInvalidInput, err)
	}

	t, err := s.repo.RecordDeployment(ctx, id, userID, projectID, deploymentURL, projectURL)
	s.metrics.ObserveErr("record_deployment", err)
	if err != nil {
		if !errors.Is(err, repository.ErrDeploymentNotFound) {
			s.logger.Error().Err(err).Str("user_id", userID).Int64("deployment_id", id).Msg("Failed to record deployment")
		}
		return nil, err
	}
	s.logger.Info().Str("user_id", userID).Int64("deployment_id", id).Msg("Recorded deployment")
	return t, nil
}

// UpdateModelConfig switches the provider and models. Empty values fall back to the defaults.
func (s *deploymentService) UpdateModelConfig(ctx context.Context, id int64, userID, provider, modelName, visionModelName string) (*model.VercelToken, error) {
	cfg := model.VercelToken{ModelProvider: provider, ModelName: modelName, VisionModelName: visionModelName}
	cfg.ApplyModelDefaults()
	if !IsSupportedProvider(cfg.ModelProvider) {
		return nil, fmt.Errorf("provider %q: %w", cfg.ModelProvider, ErrUnsupportedProvider)
	}

	t, err := s.repo.UpdateModelConfig(ctx, id, userID, cfg.ModelProvider, cfg.ModelName, cfg.VisionModelName)
	s.metrics.ObserveErr("update_model_config", err)
	if err != nil {
		if !errors.Is(err, repository.ErrDeploymentNotFound) {
			s.logger.Error().Err(err).Str("user_id", userID).Int64("deployment_id", id).Msg("Failed to update model config")
		}
		return nil, err
	}
	return t, nil
}

// StoreProviderAPIKey validates the key with the provider before storing it,
// then stamps last_api_key_update on all of the user's deployments.
func (s *deploymentService) StoreProviderAPIKey(ctx context.Context, userID, provider, apiKey string) error {
	if s.vault == nil {
		return ErrVaultDisabled
	}
	if err := s.keys.ValidateAPIKey(ctx, provider, apiKey); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Str("provider", provider).Msg("Rejected provider API key")
		return err
	}
	if err := s.vault.StoreAPIKey(ctx, userID, provider, apiKey); err != nil {
		s.metrics.Observe("store_provider_api_key", metrics.ResultError)
		s.logger.Error().Err(err).Str("user_id", userID).Str("provider", provider).Msg("Failed to store provider API key")
		return err
	}

	n, err := s.repo.TouchAPIKeyUpdate(ctx, userID)
	s.metrics.ObserveErr("store_provider_api_key", err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Stored API key but failed to stamp deployments")
		return err
	}
	s.logger.Info().Str("user_id", userID).Str("provider", provider).Int64("deployments", n).Msg("Stored provider API key")
	return nil
}

func (s *deploymentService) GetProviderAPIKey(ctx context.Context, userID, provider string) (string, error) {
	if s.vault == nil {
		return "", ErrVaultDisabled
	}
	if !IsSupportedProvider(provider) {
		return "", fmt.Errorf("provider %q: %w", provider, ErrUnsupportedProvider)
	}
	key, err := s.vault.GetAPIKey(ctx, userID, provider)
	if err != nil && !errors.Is(err, secrets.ErrKeyNotFound) {
		s.logger.Error().Err(err).Str("user_id", userID).Str("provider", provider).Msg("Failed to read provider API key")
	}
	return key, err
}

func (s *deploymentService) DeleteProviderAPIKey(ctx context.Context, userID, provider string) error {
	if s.vault == nil {
		return ErrVaultDisabled
	}
	if !IsSupportedProvider(provider) {
		return fmt.Errorf("provider %q: %w", provider, ErrUnsupportedProvider)
	}
	err := s.vault.DeleteAPIKey(ctx, userID, provider)
	s.metrics.ObserveErr("delete_provider_api_key", err)
	if err != nil && !errors.Is(err, secrets.ErrKeyNotFound) {
		s.logger.Error().Err(err).Str("user_id", userID).Str("provider", provider).Msg("Failed to delete provider API key")
	}
	return err
}
