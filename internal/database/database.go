package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"usageledger/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// Connect opens the Postgres pool through the pgx stdlib driver and verifies it.
func Connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	dsn := NormalizeDSN(cfg.DBConnectionString, cfg.Environment)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleSec) * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info().Str("environment", cfg.Environment).Msg("Database connection successful")
	return db, nil
}

// NormalizeDSN adjusts the connection string for the environment.
//
// Local databases run without TLS, so development DSNs get sslmode=disable
// unless they set it. Every other environment sits behind a transaction
// pooler, which breaks server-side prepared statements, so those DSNs are
// switched to the simple query protocol.
func NormalizeDSN(dsn, env string) string {
	if env == "development" && !strings.Contains(dsn, "sslmode") {
		dsn = appendParam(dsn, "sslmode=disable")
	}
	if env != "development" && !strings.Contains(dsn, "default_query_exec_mode") {
		dsn = appendParam(dsn, "default_query_exec_mode=simple_protocol")
	}
	return dsn
}

func appendParam(dsn, param string) string {
	if !isURL(dsn) {
		return dsn + " " + param
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func isURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
