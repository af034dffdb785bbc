package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Migration represents a database migration
type Migration struct {
	ID string
	Up func(*gorm.DB) error
}

// MigrationRecord represents a record of executed migrations
type MigrationRecord struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt int64
}

func (MigrationRecord) TableName() string { return "migration_records" }

const createRecordsTable = `CREATE TABLE IF NOT EXISTS migration_records (
	id         text PRIMARY KEY,
	created_at bigint
)`

const recordMigration = `INSERT INTO migration_records (id, created_at) VALUES (?, ?) ON CONFLICT DO NOTHING`

// Registry holds migrations by id; they run in id order.
type Registry struct {
	migrations map[string]Migration
}

func NewRegistry() *Registry {
	return &Registry{migrations: make(map[string]Migration)}
}

// Register adds a new migration to the registry
func (r *Registry) Register(id string, up func(*gorm.DB) error) {
	r.migrations[id] = Migration{ID: id, Up: up}
}

// IDs returns the registered ids in execution order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.migrations))
	for id := range r.migrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadSQL registers every *.sql file under dir in fsys, keyed by file name.
func (r *Registry) LoadSQL(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}
		stmt := string(content)
		r.Register(strings.TrimSuffix(entry.Name(), ".sql"), func(db *gorm.DB) error {
			return db.Exec(stmt).Error
		})
	}
	return nil
}

// Default returns a registry with the embedded schema migrations.
func Default() (*Registry, error) {
	r := NewRegistry()
	if err := r.LoadSQL(sqlFiles, "sql"); err != nil {
		return nil, err
	}
	return r, nil
}

// RunMigrations executes the embedded migrations that have not run yet.
// tolerated reports DDL errors caused by a concurrent run creating the same
// objects first; those count as success.
func RunMigrations(ctx context.Context, db *gorm.DB, tolerated func(error) bool) error {
	r, err := Default()
	if err != nil {
		return err
	}
	return r.Run(ctx, db, tolerated)
}

// Run executes all pending migrations in the registry.
func (r *Registry) Run(ctx context.Context, db *gorm.DB, tolerated func(error) bool) error {
	db = db.WithContext(ctx)
	if err := db.Exec(createRecordsTable).Error; err != nil && !tolerated(err) {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var executed []MigrationRecord
	if err := db.Find(&executed).Error; err != nil {
		return fmt.Errorf("failed to get executed migrations: %w", err)
	}
	done := make(map[string]bool, len(executed))
	for _, m := range executed {
		done[m.ID] = true
	}

	for _, id := range r.IDs() {
		if done[id] {
			continue
		}
		slog.Info("Running migration", "id", id)
		if err := r.migrations[id].Up(db); err != nil && !tolerated(err) {
			return fmt.Errorf("failed to run migration %s: %w", id, err)
		}
		if err := db.Exec(recordMigration, id, time.Now().Unix()).Error; err != nil {
			return fmt.Errorf("failed to record migration %s: %w", id, err)
		}
	}
	return nil
}
