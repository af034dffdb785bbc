package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vladimiradmaev/health-importer/internal/config"
	"github.com/vladimiradmaev/health-importer/internal/database/migrations"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Postgres SQLSTATE codes the pipeline reacts to.
const (
	codeInvalidPassword       = "28P01"
	codeInvalidAuthorization  = "28000"
	codeInvalidCatalogName    = "3D000"
	codeDuplicateTable        = "42P07"
	codeDuplicateObject       = "42710"
	codeUniqueViolation       = "23505"
	defaultConnectPingTimeout = 10 * time.Second
)

// NewPostgresDB opens a single-connection pool to the destination described
// by cfg and verifies it with a ping. Failures come back as connection errors.
func NewPostgresDB(ctx context.Context, cfg config.DBConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, ClassifyConnectError(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	// One run, one connection: the pool never hands out a second one.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, ClassifyConnectError(err)
	}

	return db, nil
}

// Migrate applies pending schema migrations.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := migrations.RunMigrations(ctx, db, IsAlreadyExists); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeConnection, "MIGRATION", "Failed to apply schema migrations")
	}
	return nil
}

// ClassifyConnectError maps driver errors raised while connecting to
// connection-type AppErrors.
func ClassifyConnectError(err error) *apperrors.AppError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInvalidPassword, codeInvalidAuthorization:
			return apperrors.NewConnectionError(err, apperrors.ErrBadCredentials.Code, apperrors.ErrBadCredentials.Message)
		case codeInvalidCatalogName:
			return apperrors.NewConnectionError(err, apperrors.ErrUnknownDatabase.Code, apperrors.ErrUnknownDatabase.Message)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewConnectionError(err, apperrors.ErrUnreachable.Code, apperrors.ErrUnreachable.Message)
	}
	return apperrors.NewConnectionError(err, "CONNECT_FAILED", fmt.Sprintf("Failed to connect to database: %v", err))
}

// IsAlreadyExists reports whether err is Postgres refusing to create an object
// that already exists, including the unique violation on the catalog that
// concurrent CREATE ... IF NOT EXISTS statements can race into.
func IsAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeDuplicateTable, codeDuplicateObject:
		return true
	case codeUniqueViolation:
		// Only a clash on a system catalog counts; a clash on our own index
		// means the table holds duplicate data.
		return strings.HasPrefix(pgErr.ConstraintName, "pg_")
	}
	return false
}
