package loader

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vladimiradmaev/health-importer/internal/config"
	"github.com/vladimiradmaev/health-importer/internal/domain"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
	"github.com/vladimiradmaev/health-importer/internal/repository"
)

var errInjected = errors.New("injected failure")

// failingStore wraps a store and fails the n-th insert (1-based) or any commit.
type failingStore struct {
	domain.Store
	failInsertAt int
	failCommit   bool
	inserts      int
}

func (s *failingStore) Begin(ctx context.Context) (domain.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, store: s}, nil
}

type failingTx struct {
	domain.Tx
	store *failingStore
}

func (t *failingTx) fail() bool {
	t.store.inserts++
	return t.store.inserts == t.store.failInsertAt
}

func (t *failingTx) InsertHealthRecord(ctx context.Context, rec *domain.HealthRecord) (uint64, error) {
	if t.fail() {
		return 0, errInjected
	}
	return t.Tx.InsertHealthRecord(ctx, rec)
}

func (t *failingTx) InsertWorkout(ctx context.Context, w *domain.Workout) (bool, error) {
	if t.fail() {
		return false, errInjected
	}
	return t.Tx.InsertWorkout(ctx, w)
}

func (t *failingTx) Commit() error {
	if t.store.failCommit {
		_ = t.Tx.Rollback()
		return errInjected
	}
	return t.Tx.Commit()
}

func stepCount(n int64) *domain.HealthRecord {
	at := time.Date(2024, 6, 29, 10, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Minute)
	return &domain.HealthRecord{
		UserID:    1,
		Type:      "HKQuantityTypeIdentifierStepCount",
		Unit:      sql.NullString{String: "count", Valid: true},
		Value:     decimal.NewNullDecimal(decimal.NewFromInt(n)),
		StartDate: sql.NullTime{Time: at, Valid: true},
		EndDate:   sql.NullTime{Time: at, Valid: true},
	}
}

func writeRecords(t *testing.T, l *Loader, n int) (commits int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := l.InsertHealthRecord(ctx, stepCount(int64(i)))
		require.NoError(t, err)
		committed, err := l.Tick(ctx)
		require.NoError(t, err)
		if committed {
			commits++
		}
	}
	return commits
}

func TestLoader_CommitsEveryN(t *testing.T) {
	store := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	l := New(store, Options{CommitEvery: 2})
	require.NoError(t, l.EnsureSchema(context.Background()))

	commits := writeRecords(t, l, 5)
	assert.Equal(t, 2, commits)
	assert.Equal(t, int64(4), l.Committed())
	assert.Equal(t, 1, l.Pending())
	assert.Len(t, store.Records(), 4, "the tail batch is not visible before Finish")

	require.NoError(t, l.Finish(context.Background()))
	assert.Equal(t, int64(5), l.Committed())
	assert.Equal(t, 0, l.Pending())
	assert.Len(t, store.Records(), 5)

	stats := l.Stats()
	assert.Equal(t, int64(5), stats.HealthRecords)
	assert.Equal(t, int64(5), stats.SamplesInserted)
	assert.Equal(t, int64(3), stats.Commits)
	assert.Equal(t, int64(0), stats.Rollbacks)
}

func TestLoader_CommitEveryOne(t *testing.T) {
	store := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	l := New(store, Options{CommitEvery: 1})

	assert.Equal(t, 3, writeRecords(t, l, 3))
	require.NoError(t, l.Finish(context.Background()))
	assert.Equal(t, int64(3), l.Stats().Commits, "Finish with an empty batch commits nothing")
}

func TestLoader_DefaultCommitEvery(t *testing.T) {
	l := New(repository.NewMemoryStore(config.DuplicatePolicyAppend), Options{})
	assert.Equal(t, config.DefaultCommitEvery, l.commitEvery)
}

func TestLoader_MetadataFollowsRecord(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	l := New(store, Options{CommitEvery: 10})

	id, err := l.InsertHealthRecord(ctx, stepCount(1))
	require.NoError(t, err)
	entries := []domain.MetadataEntry{{Key: "HKWasUserEntered", Value: "1"}, {Key: "HKWasUserEntered", Value: "0"}}
	require.NoError(t, l.InsertMetadata(ctx, id, entries))
	require.NoError(t, l.InsertMetadata(ctx, id, nil))
	_, err = l.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx))

	meta := store.Metadata()
	require.Len(t, meta, 2)
	for _, m := range meta {
		assert.Equal(t, id, m.RecordID)
	}
	assert.Equal(t, int64(2), l.Stats().MetadataEntries)
}

func TestLoader_SampleCoalescing(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	l := New(store, Options{CommitEvery: 10})
	require.NoError(t, l.EnsureSchema(ctx))

	for i := 0; i < 3; i++ {
		_, err := l.InsertHealthRecord(ctx, stepCount(7))
		require.NoError(t, err)
		_, err = l.Tick(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, l.Finish(ctx))

	assert.Len(t, store.Records(), 3)
	assert.Len(t, store.Samples(), 1)
	assert.Equal(t, int64(1), l.Stats().SamplesInserted)
	assert.Equal(t, int64(2), l.Stats().SamplesCoalesced)
}

func TestLoader_InsertFailureRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	// The fourth insert is the workout, second element of the second batch.
	store := &failingStore{Store: mem, failInsertAt: 4}
	l := New(store, Options{CommitEvery: 2})

	writeRecords(t, l, 2)
	_, err := l.InsertHealthRecord(ctx, stepCount(2))
	require.NoError(t, err)
	_, err = l.Tick(ctx)
	require.NoError(t, err)

	err = l.InsertWorkout(ctx, &domain.Workout{UserID: 1})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInsert))
	assert.ErrorIs(t, err, errInjected)

	assert.Len(t, mem.Records(), 2, "only the first batch is durable")
	assert.Empty(t, mem.Workouts())
	assert.Equal(t, int64(2), l.Committed())
	assert.Equal(t, int64(1), l.Stats().Rollbacks)

	_, err = l.Tick(ctx)
	assert.ErrorIs(t, err, errLoaderFailed)
	assert.ErrorIs(t, l.Finish(ctx), errLoaderFailed)
	_, err = l.InsertHealthRecord(ctx, stepCount(9))
	assert.ErrorIs(t, err, errLoaderFailed)
	assert.NoError(t, l.Rollback())
}

func TestLoader_CommitFailure(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	store := &failingStore{Store: mem, failCommit: true}
	l := New(store, Options{CommitEvery: 2})

	_, err := l.InsertHealthRecord(ctx, stepCount(1))
	require.NoError(t, err)
	_, err = l.Tick(ctx)
	require.NoError(t, err)
	_, err = l.InsertHealthRecord(ctx, stepCount(2))
	require.NoError(t, err)

	committed, err := l.Tick(ctx)
	require.Error(t, err)
	assert.False(t, committed)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCommit))
	assert.Equal(t, int64(0), l.Committed())
	assert.Empty(t, mem.Records())
}

func TestLoader_RollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	l := New(mem, Options{CommitEvery: 10})

	assert.NoError(t, l.Rollback(), "nothing open yet")

	_, err := l.InsertHealthRecord(ctx, stepCount(1))
	require.NoError(t, err)
	_, err = l.Tick(ctx)
	require.NoError(t, err)

	assert.NoError(t, l.Rollback())
	assert.NoError(t, l.Rollback())
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, int64(1), l.Stats().Rollbacks)
	assert.Empty(t, mem.Records())
}

func TestLoader_SkipPolicyCountsDuplicates(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore(config.DuplicatePolicySkip)
	l := New(mem, Options{CommitEvery: 10})
	require.NoError(t, l.EnsureSchema(ctx))

	day := sql.NullTime{Time: time.Date(2024, 6, 29, 0, 0, 0, 0, time.UTC), Valid: true}
	for i := 0; i < 2; i++ {
		require.NoError(t, l.InsertActivitySummary(ctx, &domain.ActivitySummary{UserID: 1, Date: day}))
		_, err := l.Tick(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, l.Finish(ctx))

	assert.Len(t, mem.ActivitySummaries(), 1)
	assert.Equal(t, int64(1), l.Stats().ActivitySummaries)
	assert.Equal(t, int64(1), l.Stats().DuplicatesSkipped)
	assert.Equal(t, int64(2), l.Committed(), "skipped rows still count as handled elements")
}

func TestLoader_Due(t *testing.T) {
	ctx := context.Background()
	l := New(repository.NewMemoryStore(config.DuplicatePolicyAppend), Options{CommitEvery: 2})

	assert.False(t, l.Due())
	_, err := l.InsertHealthRecord(ctx, stepCount(1))
	require.NoError(t, err)
	_, err = l.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, l.Due())

	_, err = l.InsertHealthRecord(ctx, stepCount(2))
	require.NoError(t, err)
	committed, err := l.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.False(t, l.Due())
}
