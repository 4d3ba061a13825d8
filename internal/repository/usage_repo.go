package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"usageledger/internal/model"
)

// UsageRepository reads and writes the per-user usage row.
type UsageRepository interface {
	// CreateEmpty inserts a zeroed row. Returns ErrUsageExists if the user already has one.
	CreateEmpty(ctx context.Context, userID string) error
	// GetByUserID returns ErrUsageNotFound when the user has no row.
	GetByUserID(ctx context.Context, userID string) (*model.UserUsage, error)
	// IncrementTokenUsage adds tokens to the counter, creating the row on first use, and returns maxTokenUsage - tokenUsage after the update.
	IncrementTokenUsage(ctx context.Context, userID string, tokens int) (int, error)
	UpsertSubscriptionStatus(ctx context.Context, userID, subscriptionStatus, paymentStatus, billingCycle string) error
	UpsertFailedPayment(ctx context.Context, userID, subscriptionStatus, paymentStatus string) error
	SetMaxTokenUsage(ctx context.Context, userID string, maxTokens int) error
}

type usageRepo struct {
	db *sql.DB
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(db *sql.DB) UsageRepository {
	return &usageRepo{db: db}
}

func (r *usageRepo) CreateEmpty(ctx context.Context, userID string) error {
	const q = `
        INSERT INTO user_usage ("userId", "billingCycle", "tokenUsage", "maxTokenUsage")
        VALUES ($1, '', 0, 0)
    `
	if _, err := r.db.ExecContext(ctx, q, userID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating usage for user %s: %w", userID, ErrUsageExists)
		}
		return fmt.Errorf("creating usage for user %s: %w", userID, err)
	}
	return nil
}

func (r *usageRepo) GetByUserID(ctx context.Context, userID string) (*model.UserUsage, error) {
	const q = `
        SELECT id, "userId", "createdAt", "billingCycle", "tokenUsage", "maxTokenUsage",
               "subscriptionStatus", "paymentStatus", "lastPayment",
               "currentProduct", "currentPlan", "hasCatalystAccess"
        FROM user_usage
        WHERE "userId" = $1
        LIMIT 1
    `
	var u model.UserUsage
	err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&u.ID,
		&u.UserID,
		&u.CreatedAt,
		&u.BillingCycle,
		&u.TokenUsage,
		&u.MaxTokenUsage,
		&u.SubscriptionStatus,
		&u.PaymentStatus,
		&u.LastPayment,
		&u.CurrentProduct,
		&u.CurrentPlan,
		&u.HasCatalystAccess,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("fetch usage for user %s: %w", userID, err)
	}
	return &u, nil
}

// IncrementTokenUsage creates the row and applies the increment in one
// statement. The addition happens server side so concurrent increments on
// the same row never lose updates, and there is no window between an
// existence check and the insert.
func (r *usageRepo) IncrementTokenUsage(ctx context.Context, userID string, tokens int) (int, error) {
	const q = `
        INSERT INTO user_usage ("userId", "billingCycle", "tokenUsage", "maxTokenUsage", "subscriptionStatus", "paymentStatus")
        VALUES ($1, $2, $3, 0, $4, $5)
        ON CONFLICT ("userId") DO UPDATE
        SET "tokenUsage" = user_usage."tokenUsage" + EXCLUDED."tokenUsage"
        RETURNING "maxTokenUsage" - COALESCE("tokenUsage", 0)
    `
	var remaining int
	err := r.db.QueryRowContext(ctx, q,
		userID,
		model.DefaultBillingCycle,
		tokens,
		model.SubscriptionInactive,
		model.PaymentUnpaid,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("incrementing token usage for user %s: %w", userID, err)
	}
	return remaining, nil
}

// UpsertSubscriptionStatus creates a zeroed row with the given statuses, or
// updates only the status and billing cycle fields of an existing row.
func (r *usageRepo) UpsertSubscriptionStatus(ctx context.Context, userID, subscriptionStatus, paymentStatus, billingCycle string) error {
	const q = `
        INSERT INTO user_usage ("userId", "subscriptionStatus", "paymentStatus", "billingCycle", "tokenUsage", "createdAt")
        VALUES ($1, $2, $3, $4, 0, NOW())
        ON CONFLICT ("userId") DO UPDATE
        SET "subscriptionStatus" = EXCLUDED."subscriptionStatus",
            "paymentStatus" = EXCLUDED."paymentStatus",
            "billingCycle" = EXCLUDED."billingCycle"
    `
	if _, err := r.db.ExecContext(ctx, q, userID, subscriptionStatus, paymentStatus, billingCycle); err != nil {
		return fmt.Errorf("upsert subscription status for user %s: %w", userID, err)
	}
	return nil
}

// UpsertFailedPayment is UpsertSubscriptionStatus without touching the billing cycle.
func (r *usageRepo) UpsertFailedPayment(ctx context.Context, userID, subscriptionStatus, paymentStatus string) error {
	const q = `
        INSERT INTO user_usage ("userId", "subscriptionStatus", "paymentStatus", "billingCycle", "tokenUsage", "createdAt")
        VALUES ($1, $2, $3, '', 0, NOW())
        ON CONFLICT ("userId") DO UPDATE
        SET "subscriptionStatus" = EXCLUDED."subscriptionStatus",
            "paymentStatus" = EXCLUDED."paymentStatus"
    `
	if _, err := r.db.ExecContext(ctx, q, userID, subscriptionStatus, paymentStatus); err != nil {
		return fmt.Errorf("upsert failed payment for user %s: %w", userID, err)
	}
	return nil
}

func (r *usageRepo) SetMaxTokenUsage(ctx context.Context, userID string, maxTokens int) error {
	const q = `
        INSERT INTO user_usage ("userId", "billingCycle", "tokenUsage", "maxTokenUsage")
        VALUES ($1, $2, 0, $3)
        ON CONFLICT ("userId") DO UPDATE
        SET "maxTokenUsage" = EXCLUDED."maxTokenUsage"
    `
	if _, err := r.db.ExecContext(ctx, q, userID, model.DefaultBillingCycle, maxTokens); err != nil {
		return fmt.Errorf("setting max token usage for user %s: %w", userID, err)
	}
	return nil
}
