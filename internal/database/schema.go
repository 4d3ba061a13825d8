package database

import (
	"context"
	"database/sql"
	"fmt"
)

// user_usage keeps the camelCase column names of the deployed schema.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS user_usage (
    id SERIAL PRIMARY KEY,
    "userId" TEXT NOT NULL,
    "createdAt" TIMESTAMP NOT NULL DEFAULT NOW(),
    "billingCycle" TEXT NOT NULL,
    "tokenUsage" INTEGER NOT NULL DEFAULT 0,
    "maxTokenUsage" INTEGER NOT NULL DEFAULT 0,
    "subscriptionStatus" TEXT NOT NULL DEFAULT 'inactive',
    "paymentStatus" TEXT NOT NULL DEFAULT 'unpaid',
    "lastPayment" TIMESTAMP,
    "currentProduct" TEXT,
    "currentPlan" TEXT,
    "hasCatalystAccess" BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS unique_user_idx ON user_usage ("userId")`,

	`CREATE TABLE IF NOT EXISTS christmas_claims (
    id SERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    claimed_at TIMESTAMP NOT NULL DEFAULT NOW()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS unique_christmas_claim_idx ON christmas_claims (user_id)`,

	`CREATE TABLE IF NOT EXISTS vercel_tokens (
    id SERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    token TEXT NOT NULL,
    project_id TEXT,
    deployment_url TEXT,
    project_url TEXT,
    created_at TIMESTAMP DEFAULT NOW(),
    updated_at TIMESTAMP DEFAULT NOW(),
    last_deployment TIMESTAMP,
    model_provider TEXT DEFAULT 'openai',
    model_name TEXT DEFAULT 'gpt-4o',
    vision_model_name TEXT DEFAULT 'gpt-4o',
    last_api_key_update TIMESTAMP
)`,

	`CREATE TABLE IF NOT EXISTS uploaded_files (
    id SERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    blob_url TEXT NOT NULL,
    file_type TEXT NOT NULL,
    original_name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    text_content TEXT,
    tokens_used INTEGER,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
    error TEXT
)`,
}

// Migrate applies the bootstrap schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
