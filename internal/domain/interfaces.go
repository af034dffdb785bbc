package domain

import "context"

// Store is a destination the batch loader writes to. One Store serves exactly
// one ingestion run and hands out at most one open Tx at a time.
type Store interface {
	// EnsureSchema provisions the dedup constraints. Calling it repeatedly, or
	// concurrently from runs for other owners, is not an error.
	EnsureSchema(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one unit of work. Nothing written through it is visible to other
// readers until Commit succeeds.
type Tx interface {
	InsertHealthRecord(ctx context.Context, rec *HealthRecord) (uint64, error)
	// UpsertSample inserts the sample unless its key already exists; inserted
	// reports which happened.
	UpsertSample(ctx context.Context, sample *HealthSample) (inserted bool, err error)
	InsertMetadata(ctx context.Context, entries []MetadataEntry) error
	InsertWorkout(ctx context.Context, w *Workout) (inserted bool, err error)
	InsertActivitySummary(ctx context.Context, s *ActivitySummary) (inserted bool, err error)
	Commit() error
	Rollback() error
}
