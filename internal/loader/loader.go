// Package loader writes mapped rows to a Store in batches, committing every
// N data elements.
package loader

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vladimiradmaev/health-importer/internal/config"
	"github.com/vladimiradmaev/health-importer/internal/domain"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
	"github.com/vladimiradmaev/health-importer/internal/logger"
	"github.com/vladimiradmaev/health-importer/internal/observability"
)

var errLoaderFailed = errors.New("loader already failed")

// Options configures a Loader.
type Options struct {
	// CommitEvery is the number of data elements per batch. Values below 1
	// fall back to config.DefaultCommitEvery.
	CommitEvery int
	Logger      *slog.Logger
}

// Stats counts rows handled during a run.
type Stats struct {
	HealthRecords     int64
	MetadataEntries   int64
	Workouts          int64
	ActivitySummaries int64
	// SamplesInserted and SamplesCoalesced split health_sample writes by
	// whether the dedup key was new.
	SamplesInserted  int64
	SamplesCoalesced int64
	// DuplicatesSkipped counts workout/activity_summary rows dropped by the skip policy.
	DuplicatesSkipped int64
	Commits           int64
	Rollbacks         int64
}

// Loader owns the transaction boundaries of one ingestion run. It is not
// safe for concurrent use.
type Loader struct {
	store       domain.Store
	commitEvery int
	log         *slog.Logger

	tx        domain.Tx
	pending   int
	committed int64
	failed    error
	stats     Stats
}

func New(store domain.Store, opts Options) *Loader {
	commitEvery := opts.CommitEvery
	if commitEvery < 1 {
		commitEvery = config.DefaultCommitEvery
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Loader{store: store, commitEvery: commitEvery, log: log}
}

// EnsureSchema provisions the dedup constraints idempotently.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	if err := l.store.EnsureSchema(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeConnection, "SCHEMA", "Failed to provision dedup constraints")
	}
	return nil
}

// InsertHealthRecord inserts rec and its sample row and returns the record id.
func (l *Loader) InsertHealthRecord(ctx context.Context, rec *domain.HealthRecord) (uint64, error) {
	tx, err := l.begin(ctx)
	if err != nil {
		return 0, err
	}

	id, err := tx.InsertHealthRecord(ctx, rec)
	if err != nil {
		return 0, l.abort(apperrors.NewInsertError(err, "health_record"))
	}
	rec.ID = id
	l.stats.HealthRecords++
	observability.RecordRowsInserted("health_record", 1)

	sample, ok := domain.SampleFromRecord(rec)
	if !ok {
		return id, nil
	}
	inserted, err := tx.UpsertSample(ctx, &sample)
	if err != nil {
		return 0, l.abort(apperrors.NewInsertError(err, "health_sample"))
	}
	if inserted {
		l.stats.SamplesInserted++
		observability.RecordRowsInserted("health_sample", 1)
	} else {
		l.stats.SamplesCoalesced++
	}
	return id, nil
}

// InsertMetadata inserts entries for the record recordID. The record must have
// been inserted in the current batch.
func (l *Loader) InsertMetadata(ctx context.Context, recordID uint64, entries []domain.MetadataEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.begin(ctx)
	if err != nil {
		return err
	}

	for i := range entries {
		entries[i].RecordID = recordID
	}
	if err := tx.InsertMetadata(ctx, entries); err != nil {
		return l.abort(apperrors.NewInsertError(err, "metadata_entry"))
	}
	l.stats.MetadataEntries += int64(len(entries))
	observability.RecordRowsInserted("metadata_entry", len(entries))
	return nil
}

func (l *Loader) InsertWorkout(ctx context.Context, w *domain.Workout) error {
	tx, err := l.begin(ctx)
	if err != nil {
		return err
	}

	inserted, err := tx.InsertWorkout(ctx, w)
	if err != nil {
		return l.abort(apperrors.NewInsertError(err, "workout"))
	}
	if !inserted {
		l.stats.DuplicatesSkipped++
		return nil
	}
	l.stats.Workouts++
	observability.RecordRowsInserted("workout", 1)
	return nil
}

func (l *Loader) InsertActivitySummary(ctx context.Context, s *domain.ActivitySummary) error {
	tx, err := l.begin(ctx)
	if err != nil {
		return err
	}

	inserted, err := tx.InsertActivitySummary(ctx, s)
	if err != nil {
		return l.abort(apperrors.NewInsertError(err, "activity_summary"))
	}
	if !inserted {
		l.stats.DuplicatesSkipped++
		return nil
	}
	l.stats.ActivitySummaries++
	observability.RecordRowsInserted("activity_summary", 1)
	return nil
}

// Tick marks one data element as written. When the batch reaches CommitEvery
// elements it is committed and Tick reports true.
func (l *Loader) Tick(ctx context.Context) (bool, error) {
	if l.failed != nil {
		return false, errLoaderFailed
	}
	l.pending++
	if l.pending < l.commitEvery {
		return false, nil
	}
	if err := l.commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Finish commits whatever is left in the current batch. Call it exactly once,
// after the last element.
func (l *Loader) Finish(ctx context.Context) error {
	if l.failed != nil {
		return errLoaderFailed
	}
	if l.tx == nil {
		return nil
	}
	return l.commit(ctx)
}

// Rollback discards the uncommitted batch. It is safe to call at any time
// and more than once.
func (l *Loader) Rollback() error {
	if l.tx == nil {
		return nil
	}
	tx := l.tx
	lost := l.pending
	l.tx = nil
	l.pending = 0
	l.stats.Rollbacks++
	observability.RecordRollback()
	l.log.Warn("Rolled back uncommitted batch", "elements", lost, "committed_total", l.committed)
	return tx.Rollback()
}

// Due reports whether the next Tick will commit the batch.
func (l *Loader) Due() bool {
	return l.pending+1 >= l.commitEvery
}

// Committed is the number of data elements made durable so far.
func (l *Loader) Committed() int64 {
	return l.committed
}

// Pending is the number of data elements in the open batch.
func (l *Loader) Pending() int {
	return l.pending
}

func (l *Loader) Stats() Stats {
	return l.stats
}

func (l *Loader) begin(ctx context.Context) (domain.Tx, error) {
	if l.failed != nil {
		return nil, errLoaderFailed
	}
	if l.tx != nil {
		return l.tx, nil
	}
	tx, err := l.store.Begin(ctx)
	if err != nil {
		l.failed = err
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInsert, "BEGIN_FAILED", "Failed to start batch")
	}
	l.tx = tx
	return tx, nil
}

func (l *Loader) commit(ctx context.Context) error {
	if l.tx == nil {
		l.pending = 0
		return nil
	}
	tx := l.tx
	l.tx = nil
	if err := tx.Commit(); err != nil {
		l.failed = err
		l.pending = 0
		l.stats.Rollbacks++
		observability.RecordRollback()
		return apperrors.NewCommitError(err).WithContext("committed_total", l.committed)
	}

	l.committed += int64(l.pending)
	l.log.DebugContext(ctx, "Committed batch", "elements", l.pending, "committed_total", l.committed)
	l.pending = 0
	l.stats.Commits++
	observability.RecordCommit()
	return nil
}

// abort rolls back the open batch after a failed insert and poisons the loader.
func (l *Loader) abort(err *apperrors.AppError) error {
	l.failed = err
	if rbErr := l.Rollback(); rbErr != nil {
		err.WithContext("rollback_error", rbErr.Error())
	}
	return err
}
