// Package ingest runs one ingestion of an Apple Health export into a
// destination store: connect, stream, map, load in batches, report.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vladimiradmaev/health-importer/internal/config"
	"github.com/vladimiradmaev/health-importer/internal/domain"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
	"github.com/vladimiradmaev/health-importer/internal/loader"
	"github.com/vladimiradmaev/health-importer/internal/logger"
	"github.com/vladimiradmaev/health-importer/internal/mapper"
	"github.com/vladimiradmaev/health-importer/internal/notify"
	"github.com/vladimiradmaev/health-importer/internal/observability"
	"github.com/vladimiradmaev/health-importer/internal/runstate"
	"github.com/vladimiradmaev/health-importer/internal/scanner"
	"github.com/vladimiradmaev/health-importer/internal/source"
)

// State is a step of a run.
type State string

const (
	StateIdle       State = "idle"
	StateConnected  State = "connected"
	StateStreaming  State = "streaming"
	StateCommitting State = "committing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether a run ends in s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Connector opens the destination store for one run.
type Connector interface {
	Connect(ctx context.Context, cfg config.DBConfig) (domain.Store, error)
}

// Opener opens the export document at path.
type Opener func(path string) (io.ReadCloser, error)

// Request is one invocation of the pipeline.
type Request struct {
	SourcePath string
	// DB is passed to the Connector untouched.
	DB     config.DBConfig
	UserID uint64
	// CommitEvery defaults to config.DefaultCommitEvery when below 1.
	CommitEvery int
}

// Result is the outcome of a run. RowsImported counts data elements made
// durable, including those of batches committed before a failure.
type Result struct {
	RunID        string
	Status       State
	RowsImported int64
	Err          error
	Stats        loader.Stats
	FieldErrors  map[string]int64
	Duration     time.Duration
}

// Options configures an Orchestrator. Zero values get in-process defaults.
type Options struct {
	Tracker        runstate.Tracker
	Notifier       notify.Notifier
	Opener         Opener
	StrictIntegers bool
	Logger         *slog.Logger
	// OnState, when set, observes every state the run enters.
	OnState func(State)
}

// Orchestrator runs ingestions. Runs for different owners may execute
// concurrently; a second run for the same owner is rejected.
type Orchestrator struct {
	connector Connector
	tracker   runstate.Tracker
	notifier  notify.Notifier
	open      Opener
	strict    bool
	log       *slog.Logger
	onState   func(State)
}

func New(connector Connector, opts Options) *Orchestrator {
	o := &Orchestrator{
		connector: connector,
		tracker:   opts.Tracker,
		notifier:  opts.Notifier,
		open:      opts.Opener,
		strict:    opts.StrictIntegers,
		log:       opts.Logger,
		onState:   opts.OnState,
	}
	if o.tracker == nil {
		o.tracker = runstate.NewManager()
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}
	if o.open == nil {
		o.open = source.Open
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	return o
}

// Tracker returns the tracker holding run locks and statuses.
func (o *Orchestrator) Tracker() runstate.Tracker {
	return o.tracker
}

// run carries the mutable state of a single Run call.
type run struct {
	req   Request
	id    string
	state State
	log   *slog.Logger

	loader *loader.Loader
	mapper *mapper.Mapper
}

// Run executes req to completion, failure or cancellation. Cancelling ctx
// stops the run at the next element boundary and rolls back the open batch.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	started := time.Now()
	r := &run{
		req:   req,
		id:    uuid.NewString(),
		state: StateIdle,
	}
	r.log = o.log.With("run_id", r.id, "user_id", req.UserID)
	o.enter(r, StateIdle)

	err := o.execute(ctx, r)
	if err != nil && ctx.Err() != nil && !apperrors.IsType(err, apperrors.ErrorTypeCancelled) {
		err = apperrors.NewCancelledError(err)
	}

	res := Result{RunID: r.id, Err: err, Duration: time.Since(started)}
	if r.loader != nil {
		res.RowsImported = r.loader.Committed()
		res.Stats = r.loader.Stats()
	}
	if r.mapper != nil {
		res.FieldErrors = r.mapper.FieldErrors()
	}
	switch {
	case err == nil:
		o.enter(r, StateCompleted)
	case apperrors.IsType(err, apperrors.ErrorTypeCancelled):
		o.enter(r, StateCancelled)
	default:
		o.enter(r, StateFailed)
	}
	res.Status = r.state

	o.report(context.WithoutCancel(ctx), r, res, started)
	return res
}

func (o *Orchestrator) enter(r *run, s State) {
	if s != r.state {
		r.log.Info("Run state changed", "from", r.state, "to", s)
	}
	r.state = s
	if o.onState != nil {
		o.onState(s)
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if r.req.UserID == 0 {
		return apperrors.NewValidationError("owner identity is required")
	}
	if r.req.SourcePath == "" {
		return apperrors.NewValidationError("source path is required")
	}
	commitEvery := r.req.CommitEvery
	if commitEvery < 1 {
		commitEvery = config.DefaultCommitEvery
	}

	if err := o.tracker.Acquire(ctx, r.req.UserID, r.id); err != nil {
		return err
	}
	defer func() {
		if err := o.tracker.Release(context.WithoutCancel(ctx), r.req.UserID, r.id); err != nil {
			r.log.Warn("Failed to release run lock", "error", err)
		}
	}()
	o.saveStatus(ctx, r, runstate.Status{State: runstate.StateRunning, StartedAt: time.Now().UTC()})

	if err := ctx.Err(); err != nil {
		return apperrors.NewCancelledError(err)
	}
	store, err := o.connector.Connect(ctx, r.req.DB)
	if err != nil {
		if apperrors.TypeOf(err) == "" {
			err = apperrors.NewConnectionError(err, "CONNECT_FAILED", "Failed to connect to destination")
		}
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.log.Warn("Failed to close destination", "error", err)
		}
	}()
	o.enter(r, StateConnected)

	r.loader = loader.New(store, loader.Options{CommitEvery: commitEvery, Logger: r.log})
	r.mapper = mapper.New(r.req.UserID, mapper.Options{StrictIntegers: o.strict, Logger: r.log})

	if err := r.loader.EnsureSchema(ctx); err != nil {
		return err
	}

	rc, err := o.open(r.req.SourcePath)
	if err != nil {
		if apperrors.TypeOf(err) == "" {
			err = apperrors.NewSourceError(err, r.req.SourcePath)
		}
		return err
	}
	defer rc.Close()

	if err := o.stream(ctx, r, scanner.New(rc)); err != nil {
		if rbErr := r.loader.Rollback(); rbErr != nil {
			r.log.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) stream(ctx context.Context, r *run, sc *scanner.Scanner) error {
	o.enter(r, StateStreaming)

	for sc.Next() {
		if err := ctx.Err(); err != nil {
			return apperrors.NewCancelledError(err)
		}
		el := sc.Element()
		observability.RecordElement(el.Tag)

		res, err := r.mapper.Map(el)
		if err != nil {
			return err
		}
		if res.Kind == mapper.KindSkip {
			continue
		}
		if err := load(ctx, r.loader, res); err != nil {
			return err
		}

		due := r.loader.Due()
		if due {
			o.enter(r, StateCommitting)
		}
		if _, err := r.loader.Tick(ctx); err != nil {
			return err
		}
		if due {
			o.enter(r, StateStreaming)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return apperrors.NewCancelledError(err)
	}
	if r.loader.Pending() > 0 {
		o.enter(r, StateCommitting)
	}
	return r.loader.Finish(ctx)
}

// load writes the rows of one mapped element.
func load(ctx context.Context, ld *loader.Loader, res mapper.Result) error {
	switch res.Kind {
	case mapper.KindHealthRecord:
		id, err := ld.InsertHealthRecord(ctx, res.Record)
		if err != nil {
			return err
		}
		return ld.InsertMetadata(ctx, id, res.Metadata)
	case mapper.KindWorkout:
		return ld.InsertWorkout(ctx, res.Workout)
	case mapper.KindActivitySummary:
		return ld.InsertActivitySummary(ctx, res.Summary)
	}
	return apperrors.NewInternalError(errors.New("unhandled element kind " + res.Kind.String()))
}

func (o *Orchestrator) saveStatus(ctx context.Context, r *run, status runstate.Status) {
	status.RunID = r.id
	status.UserID = r.req.UserID
	if err := o.tracker.SetStatus(ctx, status); err != nil {
		r.log.Warn("Failed to record run status", "error", err)
	}
}

// report publishes the outcome: logs, metrics, run status and notification.
func (o *Orchestrator) report(ctx context.Context, r *run, res Result, started time.Time) {
	observability.RecordRun(string(res.Status), res.Duration)

	var bad int64
	for _, n := range res.FieldErrors {
		bad += n
	}
	if bad > 0 {
		r.log.Warn("Some fields could not be decoded and were stored as NULL", "count", bad, "fields", res.FieldErrors)
	}

	status := runstate.Status{
		State:        string(res.Status),
		RowsImported: res.RowsImported,
		StartedAt:    started.UTC(),
		FinishedAt:   time.Now().UTC(),
	}
	if res.Err != nil {
		status.Error = res.Err.Error()
		apperrors.NewHandler(r.log).Handle(ctx, res.Err)
		r.log.Info("Rows committed before the run stopped", "rows_imported", res.RowsImported)
	} else {
		r.log.Info("Import completed",
			"rows_imported", res.RowsImported,
			"health_records", res.Stats.HealthRecords,
			"metadata_entries", res.Stats.MetadataEntries,
			"workouts", res.Stats.Workouts,
			"activity_summaries", res.Stats.ActivitySummaries,
			"samples_inserted", res.Stats.SamplesInserted,
			"samples_coalesced", res.Stats.SamplesCoalesced,
			"duplicates_skipped", res.Stats.DuplicatesSkipped,
			"commits", res.Stats.Commits,
			"duration", res.Duration,
		)
	}
	o.saveStatus(ctx, r, status)

	if err := o.notifier.NotifyRun(ctx, notify.Report{
		RunID:        res.RunID,
		UserID:       r.req.UserID,
		Status:       string(res.Status),
		RowsImported: res.RowsImported,
		Duration:     res.Duration,
		Error:        status.Error,
	}); err != nil {
		r.log.Warn("Run notification not delivered", "error", err)
	}
}
