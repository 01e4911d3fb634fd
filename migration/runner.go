package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

const tracerName = "github.com/GoCodeAlone/listingtracker/migration"

// Runner applies pending migrations from a Registry exactly once across
// every process sharing the store.
type Runner struct {
	store    docstore.Store
	registry *Registry
	locks    *LockManager
	records  string
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLockManager replaces the default LockManager.
func WithLockManager(locks *LockManager) Option {
	return func(r *Runner) { r.locks = locks }
}

// WithRecordCollection sets the collection completion records live in.
func WithRecordCollection(collection string) Option {
	return func(r *Runner) {
		if collection != "" {
			r.records = collection
		}
	}
}

// WithMetrics makes the runner update m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the tracer used for run and apply spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithClock replaces the wall clock used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a Runner over store for the migrations in registry.
func NewRunner(store docstore.Store, registry *Registry, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		registry: registry,
		records:  DefaultRecordCollection,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locks == nil {
		r.locks = NewLockManager(store, WithLockLogger(r.logger))
	}
	return r
}

// Locks returns the runner's LockManager.
func (r *Runner) Locks() *LockManager { return r.locks }

// Registry returns the runner's Registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Run processes every registered migration in order. Individual failures
// are reported in the Report and never stop later migrations. An error is
// returned only when the store is unreachable (*StoreUnavailableError) or
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "migration.Run")
	defer span.End()

	if err := r.store.Ping(ctx); err != nil {
		unavailable := &StoreUnavailableError{Err: err}
		span.RecordError(unavailable)
		span.SetStatus(codes.Error, "store unavailable")
		return nil, unavailable
	}

	report := &Report{Started: r.now()}
	for _, def := range r.registry.List() {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return report, fmt.Errorf("migration run interrupted before %s: %w", def.ID, err)
		}
		res := r.runOne(ctx, def)
		report.Results = append(report.Results, res)
		r.metrics.recordResult(res)
		r.logResult(res)
	}
	report.Finished = r.now()
	r.metrics.recordRun(report, report.Finished)

	failed := report.Count(OutcomeFailed)
	span.SetAttributes(
		attribute.Int("migration.applied", report.Count(OutcomeApplied)),
		attribute.Int("migration.failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d migrations failed", failed))
	}

	r.logger.Info("migrations finished",
		"registered", len(report.Results),
		"applied", report.Count(OutcomeApplied),
		"already_applied", report.Count(OutcomeAlreadyApplied)+report.Count(OutcomeAppliedByPeer),
		"lock_busy", report.Count(OutcomeLockBusy),
		"failed", failed,
		"duration", report.Finished.Sub(report.Started))
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, def Definition) (res Result) {
	res.ID = def.ID

	ctx, span := r.tracer.Start(ctx, "migration.Apply",
		trace.WithAttributes(attribute.String("migration.id", def.ID)))
	defer func() {
		span.SetAttributes(attribute.String("migration.outcome", res.Outcome.String()))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	fail := func(stage string, err error) Result {
		res.Outcome = OutcomeFailed
		res.Err = &ApplyError{ID: def.ID, Stage: stage, Err: err}
		return res
	}

	// Steady state: a completion record means no lock interaction at all.
	applied, err := r.isApplied(ctx, def.ID)
	if err != nil {
		return fail(StageCheck, err)
	}
	if applied {
		res.Outcome = OutcomeAlreadyApplied
		return res
	}

	lock, err := r.locks.TryAcquire(ctx, def.ID)
	if err != nil {
		return fail(StageLock, err)
	}
	if !lock.Acquired {
		res.Outcome = OutcomeLockBusy
		res.LockHolder = lock.Holder
		return res
	}
	res.TookOverLock = lock.TookOver
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), def.ID); err != nil {
			r.logger.Warn("failed to release migration lock",
				"migration", def.ID,
				"error", err)
		}
	}()

	applied, err = r.isApplied(ctx, def.ID)
	if err != nil {
		return fail(StageCheck, err)
	}
	if applied {
		res.Outcome = OutcomeAppliedByPeer
		return res
	}

	r.logger.Info("applying migration",
		"migration", def.ID,
		"description", def.Description,
		"took_over_lock", lock.TookOver)

	start := r.now()
	if err := r.apply(ctx, def); err != nil {
		return fail(StageApply, err)
	}
	res.Duration = max(r.now().Sub(start), 0)

	rec := Record{
		ID:          def.ID,
		Description: def.Description,
		AppliedAt:   r.now(),
		DurationMs:  res.Duration.Milliseconds(),
	}
	created, err := r.store.CreateIfAbsent(ctx, r.records, def.ID, rec.document())
	if err != nil {
		return fail(StageRecord, err)
	}
	if !created {
		r.logger.Warn("completion record already written by another process",
			"migration", def.ID)
	}
	res.Outcome = OutcomeApplied
	return res
}

// apply runs def.Apply, converting a panic into an error.
func (r *Runner) apply(ctx context.Context, def Definition) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return def.Apply(ctx, r.store)
}

// isApplied reports whether a completion record exists for id.
func (r *Runner) isApplied(ctx context.Context, id string) (bool, error) {
	doc, err := r.store.Get(ctx, r.records, id)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

func (r *Runner) logResult(res Result) {
	switch res.Outcome {
	case OutcomeApplied:
		r.logger.Info("migration applied",
			"migration", res.ID,
			"duration_ms", res.Duration.Milliseconds())
	case OutcomeAlreadyApplied:
		r.logger.Debug("migration already applied", "migration", res.ID)
	case OutcomeAppliedByPeer:
		r.logger.Info("migration applied by another process", "migration", res.ID)
	case OutcomeLockBusy:
		r.logger.Info("migration locked by another process, skipping",
			"migration", res.ID,
			"holder", res.LockHolder)
	case OutcomeFailed:
		r.logger.Error("migration failed",
			"migration", res.ID,
			"error", res.Err)
	}
}
