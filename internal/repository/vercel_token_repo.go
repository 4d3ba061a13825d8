package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"usageledger/internal/model"
)

// VercelTokenRepository stores linked deployment accounts. Users may have several.
type VercelTokenRepository interface {
	Create(ctx context.Context, t *model.VercelToken) (*model.VercelToken, error)
	GetByID(ctx context.Context, id int64, userID string) (*model.VercelToken, error)
	ListByUserID(ctx context.Context, userID string) ([]model.VercelToken, error)
	RecordDeployment(ctx context.Context, id int64, userID string, projectID, deploymentURL, projectURL *string) (*model.VercelToken, error)
	UpdateModelConfig(ctx context.Context, id int64, userID, provider, modelName, visionModelName string) (*model.VercelToken, error)
	// TouchAPIKeyUpdate stamps last_api_key_update on every row of the user and returns how many rows changed.
	TouchAPIKeyUpdate(ctx context.Context, userID string) (int64, error)
}

const vercelTokenColumns = `id, user_id, token, project_id, deployment_url, project_url,
               created_at, updated_at, last_deployment,
               COALESCE(model_provider, 'openai'), COALESCE(model_name, 'gpt-4o'),
               COALESCE(vision_model_name, 'gpt-4o'), last_api_key_update`

type vercelTokenRepo struct {
	db *sql.DB
}

func NewVercelTokenRepo(db *sql.DB) VercelTokenRepository {
	return &vercelTokenRepo{db: db}
}

func scanVercelToken(row rowScanner) (*model.VercelToken, error) {
	var t model.VercelToken
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Token,
		&t.ProjectID,
		&t.DeploymentURL,
		&t.ProjectURL,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.LastDeployment,
		&t.ModelProvider,
		&t.ModelName,
		&t.VisionModelName,
		&t.LastAPIKeyUpdate,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *vercelTokenRepo) Create(ctx context.Context, t *model.VercelToken) (*model.VercelToken, error) {
	t.ApplyModelDefaults()
	q := `
        INSERT INTO vercel_tokens (user_id, token, project_id, deployment_url, project_url,
                                   model_provider, model_name, vision_model_name)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + vercelTokenColumns
	created, err := scanVercelToken(r.db.QueryRowContext(ctx, q,
		t.UserID,
		t.Token,
		t.ProjectID,
		t.DeploymentURL,
		t.ProjectURL,
		t.ModelProvider,
		t.ModelName,
		t.VisionModelName,
	))
	if err != nil {
		return nil, fmt.Errorf("creating vercel token for user %s: %w", t.UserID, err)
	}
	return created, nil
}

func (r *vercelTokenRepo) GetByID(ctx context.Context, id int64, userID string) (*model.VercelToken, error) {
	q := `SELECT ` + vercelTokenColumns + ` FROM vercel_tokens WHERE id = $1 AND user_id = $2`
	t, err := scanVercelToken(r.db.QueryRowContext(ctx, q, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("getting vercel token %d: %w", id, err)
	}
	return t, nil
}

func (r *vercelTokenRepo) ListByUserID(ctx context.Context, userID string) ([]model.VercelToken, error) {
	q := `SELECT ` + vercelTokenColumns + ` FROM vercel_tokens WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("listing vercel tokens for user %s: %w", userID, err)
	}
	defer rows.Close()

	var tokens []model.VercelToken
	for rows.Next() {
		t, err := scanVercelToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vercel token row: %w", err)
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vercel token rows: %w", err)
	}
	return tokens, nil
}

// RecordDeployment stamps last_deployment. Nil identifiers keep their stored values.
func (r *vercelTokenRepo) RecordDeployment(ctx context.Context, id int64, userID string, projectID, deploymentURL, projectURL *string) (*model.VercelToken, error) {
	q := `
        UPDATE vercel_tokens
        SET project_id = COALESCE($3, project_id),
            deployment_url = COALESCE($4, deployment_url),
            project_url = COALESCE($5, project_url),
            last_deployment = NOW(),
            updated_at = NOW()
        WHERE id = $1 AND user_id = $2
        RETURNING ` + vercelTokenColumns
	t, err := scanVercelToken(r.db.QueryRowContext(ctx, q, id, userID, projectID, deploymentURL, projectURL))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("recording deployment for vercel token %d: %w", id, err)
	}
	return t, nil
}

func (r *vercelTokenRepo) UpdateModelConfig(ctx context.Context, id int64, userID, provider, modelName, visionModelName string) (*model.VercelToken, error) {
	q := `
        UPDATE vercel_tokens
        SET model_provider = $3,
            model_name = $4,
            vision_model_name = $5,
            updated_at = NOW()
        WHERE id = $1 AND user_id = $2
        RETURNING ` + vercelTokenColumns
	t, err := scanVercelToken(r.db.QueryRowContext(ctx, q, id, userID, provider, modelName, visionModelName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("updating model config for vercel token %d: %w", id, err)
	}
	return t, nil
}

func (r *vercelTokenRepo) TouchAPIKeyUpdate(ctx context.Context, userID string) (int64, error) {
	const q = `
        UPDATE vercel_tokens
        SET last_api_key_update = NOW(),
            updated_at = NOW()
        WHERE user_id = $1
    `
	res, err := r.db.ExecContext(ctx, q, userID)
	if err != nil {
		return 0, fmt.Errorf("stamping api key update for user %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("api key update rows affected: %w", err)
	}
	return n, nil
}
