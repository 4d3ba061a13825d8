package model

import "time"

// ChristmasClaim marks that a user redeemed the one-time Christmas token grant.
type ChristmasClaim struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ClaimedAt time.Time `db:"claimed_at" json:"claimed_at"`
}

// ClaimGrant is returned when a claim is recorded together with its token grant.
type ClaimGrant struct {
	UserID        string `json:"user_id"`
	Granted       int    `json:"granted"`
	MaxTokenUsage int    `json:"max_token_usage"`
}
