package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUsageNotFound is returned when a user has no usage row yet.
	ErrUsageNotFound = errors.New("usage_not_found")
	// ErrUsageExists is returned when creating a usage row for a user that already has one.
	ErrUsageExists = errors.New("usage_exists")
	// ErrAlreadyClaimed is returned when a user claims the Christmas grant a second time.
	ErrAlreadyClaimed     = errors.New("already_claimed")
	ErrDeploymentNotFound = errors.New("deployment_not_found")
	ErrFileNotFound       = errors.New("file_not_found")
	// ErrInvalidTransition is returned when a file status update does not apply to its current status.
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}
