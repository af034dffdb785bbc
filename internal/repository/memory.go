package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vladimiradmaev/health-importer/internal/config"
	"github.com/vladimiradmaev/health-importer/internal/domain"
)

var (
	ErrStoreClosed = errors.New("store is closed")
	ErrTxOpen      = errors.New("a transaction is already open")
	ErrTxDone      = errors.New("transaction has already been committed or rolled back")
)

type workoutKey struct {
	userID       uint64
	activityType string
	start, end   time.Time
}

type summaryKey struct {
	userID uint64
	date   time.Time
}

// MemoryStore is a Store kept in process memory. It mirrors the Postgres
// constraints that matter to the pipeline: the sample dedup index once
// EnsureSchema has run, the metadata foreign key, and the skip-policy indexes.
// Used for dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	policy string

	nextID    uint64
	records   []domain.HealthRecord
	metadata  []domain.MetadataEntry
	workouts  []domain.Workout
	summaries []domain.ActivitySummary
	samples   []domain.HealthSample

	recordIDs   map[uint64]struct{}
	sampleKeys  map[domain.SampleKey]struct{}
	workoutKeys map[workoutKey]struct{}
	summaryKeys map[summaryKey]struct{}

	schemaCalls int
	txOpen      bool
	closed      bool
}

func NewMemoryStore(policy string) *MemoryStore {
	return &MemoryStore{
		policy:    policy,
		recordIDs: make(map[uint64]struct{}),
	}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.schemaCalls++
	if s.sampleKeys == nil {
		s.sampleKeys = make(map[domain.SampleKey]struct{})
		for _, sample := range s.samples {
			s.sampleKeys[sample.Key()] = struct{}{}
		}
	}
	if s.policy == config.DuplicatePolicySkip {
		if s.workoutKeys == nil {
			s.workoutKeys = make(map[workoutKey]struct{})
			for _, w := range s.workouts {
				if key, ok := keyOfWorkout(&w); ok {
					s.workoutKeys[key] = struct{}{}
				}
			}
		}
		if s.summaryKeys == nil {
			s.summaryKeys = make(map[summaryKey]struct{})
			for _, sum := range s.summaries {
				if key, ok := keyOfSummary(&sum); ok {
					s.summaryKeys[key] = struct{}{}
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) Begin(ctx context.Context) (domain.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.txOpen {
		return nil, ErrTxOpen
	}
	s.txOpen = true
	return &memoryTx{
		store:     s,
		recordIDs: make(map[uint64]struct{}),
	}, nil
}

// Close marks the store closed. Committed rows stay readable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reopen lets a closed store serve another run, as a new connection to the
// same database would.
func (s *MemoryStore) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}

// SchemaCalls is how many times EnsureSchema ran.
func (s *MemoryStore) SchemaCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaCalls
}

// Records returns a copy of the committed health records.
func (s *MemoryStore) Records() []domain.HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HealthRecord(nil), s.records...)
}

func (s *MemoryStore) Metadata() []domain.MetadataEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MetadataEntry(nil), s.metadata...)
}

func (s *MemoryStore) Workouts() []domain.Workout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Workout(nil), s.workouts...)
}

func (s *MemoryStore) ActivitySummaries() []domain.ActivitySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ActivitySummary(nil), s.summaries...)
}

func (s *MemoryStore) Samples() []domain.HealthSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HealthSample(nil), s.samples...)
}

// keyOfWorkout reports false when a key column is NULL. Postgres treats
// NULLs as distinct, so such rows never conflict.
func keyOfWorkout(w *domain.Workout) (workoutKey, bool) {
	if !w.ActivityType.Valid || !w.StartDate.Valid || !w.EndDate.Valid {
		return workoutKey{}, false
	}
	return workoutKey{userID: w.UserID, activityType: w.ActivityType.String, start: w.StartDate.Time, end: w.EndDate.Time}, true
}

func keyOfSummary(sum *domain.ActivitySummary) (summaryKey, bool) {
	if !sum.Date.Valid {
		return summaryKey{}, false
	}
	return summaryKey{userID: sum.UserID, date: sum.Date.Time}, true
}

// memoryTx buffers writes until Commit. Writes only touch the tx's own
// buffers; the store lock is taken to allocate ids, check committed keys and
// publish on Commit.
type memoryTx struct {
	store *MemoryStore
	done  bool

	records   []domain.HealthRecord
	metadata  []domain.MetadataEntry
	workouts  []domain.Workout
	summaries []domain.ActivitySummary
	samples   []domain.HealthSample

	recordIDs   map[uint64]struct{}
	sampleKeys  map[domain.SampleKey]struct{}
	workoutKeys map[workoutKey]struct{}
	summaryKeys map[summaryKey]struct{}
}

func (t *memoryTx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (t *memoryTx) InsertHealthRecord(ctx context.Context, rec *domain.HealthRecord) (uint64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	s := t.store
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	rec.ID = id
	t.records = append(t.records, *rec)
	t.recordIDs[id] = struct{}{}
	return id, nil
}

func (t *memoryTx) UpsertSample(ctx context.Context, sample *domain.HealthSample) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	s := t.store
	key := sample.Key()

	s.mu.Lock()
	indexed := s.sampleKeys != nil
	_, committed := s.sampleKeys[key]
	s.mu.Unlock()

	if indexed {
		if _, pending := t.sampleKeys[key]; pending || committed {
			return false, nil
		}
		if t.sampleKeys == nil {
			t.sampleKeys = make(map[domain.SampleKey]struct{})
		}
		t.sampleKeys[key] = struct{}{}
	}
	t.samples = append(t.samples, *sample)
	return true, nil
}

func (t *memoryTx) InsertMetadata(ctx context.Context, entries []domain.MetadataEntry) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		_, pending := t.recordIDs[e.RecordID]
		_, committed := s.recordIDs[e.RecordID]
		if !pending && !committed {
			return fmt.Errorf("metadata_entry.record_id %d violates foreign key: no such health_record", e.RecordID)
		}
	}
	for _, e := range entries {
		s.nextID++
		e.ID = s.nextID
		t.metadata = append(t.metadata, e)
	}
	return nil
}

func (t *memoryTx) InsertWorkout(ctx context.Context, w *domain.Workout) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := keyOfWorkout(w); ok && s.workoutKeys != nil {
		_, pending := t.workoutKeys[key]
		_, committed := s.workoutKeys[key]
		if pending || committed {
			return false, nil
		}
		if t.workoutKeys == nil {
			t.workoutKeys = make(map[workoutKey]struct{})
		}
		t.workoutKeys[key] = struct{}{}
	}
	s.nextID++
	w.ID = s.nextID
	t.workouts = append(t.workouts, *w)
	return true, nil
}

func (t *memoryTx) InsertActivitySummary(ctx context.Context, sum *domain.ActivitySummary) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := keyOfSummary(sum); ok && s.summaryKeys != nil {
		_, pending := t.summaryKeys[key]
		_, committed := s.summaryKeys[key]
		if pending || committed {
			return false, nil
		}
		if t.summaryKeys == nil {
			t.summaryKeys = make(map[summaryKey]struct{})
		}
		t.summaryKeys[key] = struct{}{}
	}
	s.nextID++
	sum.ID = s.nextID
	t.summaries = append(t.summaries, *sum)
	return true, nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txOpen = false

	if s.closed {
		return ErrStoreClosed
	}
	s.records = append(s.records, t.records...)
	for id := range t.recordIDs {
		s.recordIDs[id] = struct{}{}
	}
	s.metadata = append(s.metadata, t.metadata...)
	s.workouts = append(s.workouts, t.workouts...)
	s.summaries = append(s.summaries, t.summaries...)
	s.samples = append(s.samples, t.samples...)
	for k := range t.sampleKeys {
		s.sampleKeys[k] = struct{}{}
	}
	for k := range t.workoutKeys {
		s.workoutKeys[k] = struct{}{}
	}
	for k := range t.summaryKeys {
		s.summaryKeys[k] = struct{}{}
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txOpen = false
	return nil
}

// MemoryConnector hands out the same MemoryStore to every run.
type MemoryConnector struct {
	Store *MemoryStore
}

func (c MemoryConnector) Connect(ctx context.Context, cfg config.DBConfig) (domain.Store, error) {
	c.Store.Reopen()
	return c.Store, nil
}
