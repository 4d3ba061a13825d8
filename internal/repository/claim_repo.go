package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"usageledger/internal/model"
)

// ClaimRepository records one-time Christmas token claims.
type ClaimRepository interface {
	HasClaimed(ctx context.Context, userID string) (bool, error)
	// Create inserts the claim row. Returns ErrAlreadyClaimed on a second attempt.
	Create(ctx context.Context, userID string) (*model.ChristmasClaim, error)
	// ClaimWithGrant records the claim and raises the user's allowance by grant. Returns ErrAlreadyClaimed if the user claimed before.
	ClaimWithGrant(ctx context.Context, userID string, grant int) (*model.ClaimGrant, error)
}

type claimRepo struct {
	db *sql.DB
}

func NewClaimRepo(db *sql.DB) ClaimRepository {
	return &claimRepo{db: db}
}

func (r *claimRepo) HasClaimed(ctx context.Context, userID string) (bool, error) {
	const q = `SELECT 1 FROM christmas_claims WHERE user_id = $1 LIMIT 1`
	var dummy int
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check christmas claim for user %s: %w", userID, err)
	}
	return true, nil
}

func (r *claimRepo) Create(ctx context.Context, userID string) (*model.ChristmasClaim, error) {
	const q = `
        INSERT INTO christmas_claims (user_id)
        VALUES ($1)
        RETURNING id, user_id, claimed_at
    `
	var c model.ChristmasClaim
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&c.ID, &c.UserID, &c.ClaimedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("record christmas claim for user %s: %w", userID, err)
	}
	return &c, nil
}

// ClaimWithGrant runs as a single statement: the usage upsert only sees a
// row from the claim CTE when the claim insert did not conflict, so a user
// can never be granted twice.
func (r *claimRepo) ClaimWithGrant(ctx context.Context, userID string, grant int) (*model.ClaimGrant, error) {
	const q = `
        WITH claim AS (
            INSERT INTO christmas_claims (user_id)
            VALUES ($1)
            ON CONFLICT (user_id) DO NOTHING
            RETURNING user_id
        )
        INSERT INTO user_usage ("userId", "billingCycle", "tokenUsage", "maxTokenUsage")
        SELECT user_id, $2, 0, $3 FROM claim
        ON CONFLICT ("userId") DO UPDATE
        SET "maxTokenUsage" = user_usage."maxTokenUsage" + EXCLUDED."maxTokenUsage"
        RETURNING "maxTokenUsage"
    `
	g := model.ClaimGrant{UserID: userID, Granted: grant}
	if err := r.db.QueryRowContext(ctx, q, userID, model.DefaultBillingCycle, grant).Scan(&g.MaxTokenUsage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("claim christmas grant for user %s: %w", userID, err)
	}
	return &g, nil
}
