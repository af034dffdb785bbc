package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vladimiradmaev/health-importer/internal/config"
	"github.com/vladimiradmaev/health-importer/internal/database"
	"github.com/vladimiradmaev/health-importer/internal/domain"
	"github.com/vladimiradmaev/health-importer/internal/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dedup constraints. uq_health_sample always exists; the other two only under
// the skip duplicate policy.
const (
	createSampleIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_health_sample
		ON health_sample (user_id, sample_type, start_time, end_time)`
	createWorkoutIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_workout_natural
		ON workout (user_id, activity_type, start_date, end_date)`
	createSummaryIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_activity_summary_day
		ON activity_summary (user_id, date)`

	upsertSample = `INSERT INTO health_sample
		(user_id, sample_type, start_time, end_time, avg_value, min_value, max_value, unit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, sample_type, start_time, end_time) DO NOTHING`
)

// PostgresStore writes to Postgres through gorm.
type PostgresStore struct {
	db     *gorm.DB
	policy string
	log    *slog.Logger
}

// NewPostgresStore wraps an open connection. policy is one of the
// config.DuplicatePolicy* values.
func NewPostgresStore(db *gorm.DB, policy string, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = logger.Nop()
	}
	return &PostgresStore{db: db, policy: policy, log: log}
}

func (s *PostgresStore) schemaStatements() []string {
	stmts := []string{createSampleIndex}
	if s.policy == config.DuplicatePolicySkip {
		stmts = append(stmts, createWorkoutIndex, createSummaryIndex)
	}
	return stmts
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schemaStatements() {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			if database.IsAlreadyExists(err) {
				s.log.DebugContext(ctx, "Dedup index created concurrently", "error", err)
				continue
			}
			return fmt.Errorf("failed to ensure dedup index: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (domain.Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return &postgresTx{tx: tx, skipDuplicates: s.policy == config.DuplicatePolicySkip}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type postgresTx struct {
	tx             *gorm.DB
	skipDuplicates bool
}

func (t *postgresTx) InsertHealthRecord(ctx context.Context, rec *domain.HealthRecord) (uint64, error) {
	if err := t.tx.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (t *postgresTx) UpsertSample(ctx context.Context, s *domain.HealthSample) (bool, error) {
	res := t.tx.WithContext(ctx).Exec(upsertSample,
		s.UserID, s.SampleType, s.StartTime, s.EndTime, s.AvgValue, s.MinValue, s.MaxValue, s.Unit)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *postgresTx) InsertMetadata(ctx context.Context, entries []domain.MetadataEntry) error {
	return t.tx.WithContext(ctx).Create(&entries).Error
}

func (t *postgresTx) InsertWorkout(ctx context.Context, w *domain.Workout) (bool, error) {
	return t.create(ctx, w)
}

func (t *postgresTx) InsertActivitySummary(ctx context.Context, s *domain.ActivitySummary) (bool, error) {
	return t.create(ctx, s)
}

func (t *postgresTx) create(ctx context.Context, row interface{}) (bool, error) {
	db := t.tx.WithContext(ctx)
	if t.skipDuplicates {
		db = db.Clauses(clause.OnConflict{DoNothing: true})
	}
	res := db.Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit().Error
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback().Error
}

// PostgresConnector opens a PostgresStore per run and applies migrations.
type PostgresConnector struct {
	Policy string
	Logger *slog.Logger
}

func (c PostgresConnector) Connect(ctx context.Context, cfg config.DBConfig) (domain.Store, error) {
	db, err := database.NewPostgresDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return NewPostgresStore(db, c.Policy, c.Logger), nil
}
