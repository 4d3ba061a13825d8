package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasClaimed(t *testing.T) {
	db, mock := newMock(t)
	claims := NewClaimRepo(db)

	mock.ExpectQuery(`SELECT 1 FROM christmas_claims`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`SELECT 1 FROM christmas_claims`).
		WithArgs("u2").
		WillReturnError(sql.ErrNoRows)

	claimed, err := claims.HasClaimed(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = claims.HasClaimed(context.Background(), "u2")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestHasClaimedError(t *testing.T) {
	db, mock := newMock(t)
	claims := NewClaimRepo(db)

	mock.ExpectQuery(`SELECT 1 FROM christmas_claims`).
		WillReturnError(errors.New("relation does not exist"))

	claimed, err := claims.HasClaimed(context.Background(), "u1")
	require.Error(t, err)
	assert.False(t, claimed)
}

func TestCreateClaimTwice(t *testing.T) {
	db, mock := newMock(t)
	claims := NewClaimRepo(db)

	at := time.Date(2024, 12, 25, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO christmas_claims`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "claimed_at"}).AddRow(1, "u1", at))
	mock.ExpectQuery(`INSERT INTO christmas_claims`).
		WithArgs("u1").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "unique_christmas_claim_idx"})

	c, err := claims.Create(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.True(t, at.Equal(c.ClaimedAt))

	_, err = claims.Create(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimWithGrant(t *testing.T) {
	db, mock := newMock(t)
	claims := NewClaimRepo(db)

	mock.ExpectQuery(`WITH claim AS (.+) INSERT INTO user_usage`).
		WithArgs("u1", "default", 1000).
		WillReturnRows(sqlmock.NewRows([]string{"maxTokenUsage"}).AddRow(1500))

	g, err := claims.ClaimWithGrant(context.Background(), "u1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, g.Granted)
	assert.Equal(t, 1500, g.MaxTokenUsage)
}

func TestClaimWithGrantAlreadyClaimed(t *testing.T) {
	db, mock := newMock(t)
	claims := NewClaimRepo(db)

	mock.ExpectQuery(`WITH claim AS`).
		WithArgs("u1", "default", 1000).
		WillReturnRows(sqlmock.NewRows([]string{"maxTokenUsage"}))

	g, err := claims.ClaimWithGrant(context.Background(), "u1", 1000)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}
