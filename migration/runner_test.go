package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

// spyStore wraps a Store, recording lock-collection creates and letting
// tests inject failures.
type spyStore struct {
	docstore.Store

	mu      sync.Mutex
	creates []string

	pingErr     error
	getErr      func(collection, id string) error
	afterCreate func(collection, id string)
}

func (s *spyStore) Ping(ctx context.Context) error {
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.Store.Ping(ctx)
}

func (s *spyStore) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if s.getErr != nil {
		if err := s.getErr(collection, id); err != nil {
			return nil, err
		}
	}
	return s.Store.Get(ctx, collection, id)
}

func (s *spyStore) CreateIfAbsent(ctx context.Context, collection, id string, data docstore.Document) (bool, error) {
	s.mu.Lock()
	s.creates = append(s.creates, collection+"/"+id)
	s.mu.Unlock()
	created, err := s.Store.CreateIfAbsent(ctx, collection, id, data)
	if err == nil && created && s.afterCreate != nil {
		s.afterCreate(collection, id)
	}
	return created, err
}

func (s *spyStore) created(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.creates {
		if k == key {
			return true
		}
	}
	return false
}

func (s *spyStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates)
}

func newTestRunner(t *testing.T, store docstore.Store, clock *fakeClock, defs ...Definition) *Runner {
	t.Helper()
	reg, err := NewRegistry(defs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	return NewRunner(store, reg,
		WithLogger(logger),
		WithClock(clock.Now),
		WithLockManager(NewLockManager(store,
			WithHolder("test-holder"),
			WithLockClock(clock.Now),
			WithLockLogger(logger))))
}

// counting returns a definition whose Apply increments *n.
func counting(id string, n *atomic.Int32) Definition {
	return Definition{
		ID:          id,
		Description: "counting migration " + id,
		Apply: func(context.Context, docstore.Store) error {
			n.Add(1)
			return nil
		},
	}
}

func failing(id string, err error) Definition {
	return Definition{
		ID:          id,
		Description: "failing migration " + id,
		Apply: func(context.Context, docstore.Store) error {
			return err
		},
	}
}

func readRecord(t *testing.T, store docstore.Store, id string) *Record {
	t.Helper()
	doc, err := store.Get(context.Background(), DefaultRecordCollection, id)
	if err != nil {
		t.Fatalf("get record %s: %v", id, err)
	}
	if doc == nil {
		return nil
	}
	rec, err := recordFromDocument(id, doc)
	if err != nil {
		t.Fatalf("decode record %s: %v", id, err)
	}
	return &rec
}

func TestMigrationRunner_AppliesPendingInOrder(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()

	var order []string
	mk := func(id string) Definition {
		return Definition{ID: id, Description: "desc " + id, Apply: func(context.Context, docstore.Store) error {
			order = append(order, id)
			clock.Advance(1500 * time.Millisecond)
			return nil
		}}
	}
	runner := newTestRunner(t, store, clock,
		mk("20241209_status_sold_expired_to_ended"),
		mk("20241210_backfill_status_changed_at"))

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Results) != 2 || report.Count(OutcomeApplied) != 2 {
		t.Fatalf("expected 2 applied, got %+v", report.Results)
	}
	if order[0] != "20241209_status_sold_expired_to_ended" || order[1] != "20241210_backfill_status_changed_at" {
		t.Errorf("unexpected apply order %v", order)
	}

	for _, id := range order {
		rec := readRecord(t, store, id)
		if rec == nil {
			t.Fatalf("expected record for %s", id)
		}
		if rec.Description != "desc "+id {
			t.Errorf("record %s description = %q", id, rec.Description)
		}
		if rec.DurationMs != 1500 {
			t.Errorf("record %s durationMs = %d, want 1500", id, rec.DurationMs)
		}
		if rec.AppliedAt.IsZero() || rec.AppliedAt.After(clock.Now()) {
			t.Errorf("record %s has implausible appliedAt %v", id, rec.AppliedAt)
		}
		// Lock released after completion.
		lock, err := runner.Locks().Inspect(context.Background(), id)
		if err != nil || lock != nil {
			t.Errorf("expected lock for %s released, got %+v err=%v", id, lock, err)
		}
	}
}

func TestMigrationRunner_Idempotent(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	var a, b atomic.Int32
	runner := newTestRunner(t, store, clock, counting("20241209_a", &a), counting("20241210_b", &b))

	for i := range 3 {
		report, err := runner.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		if i > 0 && report.Count(OutcomeAlreadyApplied) != 2 {
			t.Fatalf("run %d: expected all already applied, got %+v", i+1, report.Results)
		}
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("expected each migration applied once, got a=%d b=%d", a.Load(), b.Load())
	}
}

func TestMigrationRunner_CompletedSkipsLock(t *testing.T) {
	base := newTestStore(t)
	clock := newFakeClock()
	ctx := context.Background()
	const id = "20241209_status_sold_expired_to_ended"

	rec := Record{ID: id, Description: "done", AppliedAt: clock.Now(), DurationMs: 12}
	if _, err := base.CreateIfAbsent(ctx, DefaultRecordCollection, id, rec.document()); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	spy := &spyStore{Store: base}
	var n atomic.Int32
	runner := newTestRunner(t, spy, clock, counting(id, &n))

	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.Results[0].Outcome; got != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied, got %v", got)
	}
	if n.Load() != 0 {
		t.Fatal("apply should not run for a recorded migration")
	}
	if spy.created(DefaultLockCollection + "/" + id + lockSuffix) {
		t.Fatal("lock should not be created for a recorded migration")
	}
	if spy.createCount() != 0 {
		t.Fatalf("expected no creates at all, got %v", spy.creates)
	}
}

func TestMigrationRunner_FailureDoesNotStopLaterMigrations(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	boom := errors.New("boom")
	var n atomic.Int32
	runner := newTestRunner(t, store, clock,
		failing("20241209_a", boom),
		counting("20241210_b", &n))

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run should not return per-migration failures: %v", err)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].ID != "20241209_a" {
		t.Fatalf("expected 20241209_a failed, got %+v", report.Results)
	}
	var applyErr *ApplyError
	if !errors.As(failed[0].Err, &applyErr) {
		t.Fatalf("expected *ApplyError, got %T", failed[0].Err)
	}
	if applyErr.Stage != StageApply || !errors.Is(applyErr, boom) {
		t.Errorf("unexpected apply error %v", applyErr)
	}
	if report.Results[1].Outcome != OutcomeApplied || n.Load() != 1 {
		t.Fatalf("expected 20241210_b applied, got %+v", report.Results[1])
	}
	if readRecord(t, store, "20241209_a") != nil {
		t.Fatal("failed migration must not be recorded")
	}
	if lock, _ := runner.Locks().Inspect(context.Background(), "20241209_a"); lock != nil {
		t.Fatalf("lock for failed migration not released: %+v", lock)
	}

	// A later run retries only the failed one.
	report, err = runner.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Results[0].Outcome != OutcomeFailed || report.Results[1].Outcome != OutcomeAlreadyApplied {
		t.Fatalf("unexpected second run results %+v", report.Results)
	}
}

func TestMigrationRunner_RecoversPanic(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	var n atomic.Int32
	runner := newTestRunner(t, store, clock,
		Definition{ID: "20241209_panics", Description: "panics", Apply: func(context.Context, docstore.Store) error {
			panic("kaboom")
		}},
		counting("20241210_b", &n))

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Results[0].Outcome != OutcomeFailed {
		t.Fatalf("expected panic to fail the migration, got %v", report.Results[0].Outcome)
	}
	if n.Load() != 1 {
		t.Fatal("expected later migration applied after panic")
	}
	if lock, _ := runner.Locks().Inspect(context.Background(), "20241209_panics"); lock != nil {
		t.Fatalf("lock not released after panic: %+v", lock)
	}
}

func TestMigrationRunner_LockBusy(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	seedLock(t, store, "20241209_a", "other-host", clock.Now().Add(-time.Minute))

	var a, b atomic.Int32
	runner := newTestRunner(t, store, clock, counting("20241209_a", &a), counting("20241210_b", &b))
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := report.Results[0]
	if res.Outcome != OutcomeLockBusy || res.LockHolder != "other-host" || res.Err != nil {
		t.Fatalf("expected silent lock_busy, got %+v", res)
	}
	if a.Load() != 0 || b.Load() != 1 {
		t.Fatalf("unexpected apply counts a=%d b=%d", a.Load(), b.Load())
	}
	if lock, _ := runner.Locks().Inspect(context.Background(), "20241209_a"); lock == nil || lock.Holder != "other-host" {
		t.Fatalf("foreign lock should be untouched, got %+v", lock)
	}
}

func TestMigrationRunner_StaleLockTakenOver(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	seedLock(t, store, "20241209_a", "crashed-host", clock.Now().Add(-6*time.Minute))

	var n atomic.Int32
	runner := newTestRunner(t, store, clock, counting("20241209_a", &n))
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := report.Results[0]
	if res.Outcome != OutcomeApplied || !res.TookOverLock {
		t.Fatalf("expected takeover and apply, got %+v", res)
	}
	if readRecord(t, store, "20241209_a") == nil {
		t.Fatal("expected record after takeover")
	}
}

func TestMigrationRunner_AppliedByPeer(t *testing.T) {
	base := newTestStore(t)
	clock := newFakeClock()
	const id = "20241209_a"

	spy := &spyStore{Store: base}
	// A peer finishes between our first check and our lock acquisition.
	spy.afterCreate = func(collection, key string) {
		if key != id+lockSuffix {
			return
		}
		rec := Record{ID: id, Description: "peer", AppliedAt: clock.Now()}
		_, _ = base.CreateIfAbsent(context.Background(), DefaultRecordCollection, id, rec.document())
	}

	var n atomic.Int32
	runner := newTestRunner(t, spy, clock, counting(id, &n))
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Results[0].Outcome != OutcomeAppliedByPeer {
		t.Fatalf("expected applied_by_peer, got %v", report.Results[0].Outcome)
	}
	if n.Load() != 0 {
		t.Fatal("apply should not run when a peer recorded completion")
	}
	if lock, _ := runner.Locks().Inspect(context.Background(), id); lock != nil {
		t.Fatalf("lock not released: %+v", lock)
	}
}

func TestMigrationRunner_StoreUnavailable(t *testing.T) {
	spy := &spyStore{Store: newTestStore(t), pingErr: errors.New("connection refused")}
	var n atomic.Int32
	runner := newTestRunner(t, spy, newFakeClock(), counting("20241209_a", &n))

	report, err := runner.Run(context.Background())
	if report != nil {
		t.Fatalf("expected nil report, got %+v", report)
	}
	var unavailable *StoreUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected *StoreUnavailableError, got %v", err)
	}
	if n.Load() != 0 || spy.createCount() != 0 {
		t.Fatal("nothing should run against an unavailable store")
	}
}

func TestMigrationRunner_ClosedStoreUnavailable(t *testing.T) {
	store := docstore.NewMemoryStore()
	store.Close()
	var n atomic.Int32
	runner := newTestRunner(t, store, newFakeClock(), counting("20241209_a", &n))

	_, err := runner.Run(context.Background())
	var unavailable *StoreUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected *StoreUnavailableError, got %v", err)
	}
}

func TestMigrationRunner_StoreErrorFailsOnlyThatMigration(t *testing.T) {
	spy := &spyStore{Store: newTestStore(t)}
	spy.getErr = func(collection, id string) error {
		if collection == DefaultRecordCollection && id == "20241209_a" {
			return errors.New("read timeout")
		}
		return nil
	}
	var a, b atomic.Int32
	runner := newTestRunner(t, spy, newFakeClock(), counting("20241209_a", &a), counting("20241210_b", &b))

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var applyErr *ApplyError
	if !errors.As(report.Results[0].Err, &applyErr) || applyErr.Stage != StageCheck {
		t.Fatalf("expected check-stage failure, got %+v", report.Results[0])
	}
	if report.Results[1].Outcome != OutcomeApplied {
		t.Fatalf("expected 20241210_b applied, got %+v", report.Results[1])
	}
}

func TestMigrationRunner_ConcurrentRunnersApplyOnce(t *testing.T) {
	store := newTestStore(t)
	var n atomic.Int32
	def := Definition{
		ID:          "20241209_a",
		Description: "slow",
		Apply: func(ctx context.Context, _ docstore.Store) error {
			n.Add(1)
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	}
	reg := MustRegistry(def)
	logger := slog.New(slog.DiscardHandler)

	const workers = 8
	reports := make([]*Report, workers)
	var g errgroup.Group
	for i := range workers {
		runner := NewRunner(store, reg,
			WithLogger(logger),
			WithLockManager(NewLockManager(store,
				WithHolder(fmt.Sprintf("worker-%d", i)),
				WithLockLogger(logger))))
		g.Go(func() error {
			report, err := runner.Run(context.Background())
			reports[i] = report
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := n.Load(); got != 1 {
		t.Fatalf("expected exactly one apply, got %d", got)
	}
	applied := 0
	for i, r := range reports {
		switch r.Results[0].Outcome {
		case OutcomeApplied:
			applied++
		case OutcomeAlreadyApplied, OutcomeAppliedByPeer, OutcomeLockBusy:
		default:
			t.Errorf("worker %d: unexpected outcome %v", i, r.Results[0].Outcome)
		}
	}
	if applied != 1 {
		t.Fatalf("expected one worker to report applied, got %d", applied)
	}
	if readRecord(t, store, "20241209_a") == nil {
		t.Fatal("expected completion record")
	}
}

func TestMigrationRunner_ContextCancelled(t *testing.T) {
	store := newTestStore(t)
	var n atomic.Int32
	runner := newTestRunner(t, store, newFakeClock(), counting("20241209_a", &n))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := runner.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report == nil || len(report.Results) != 0 {
		t.Fatalf("expected empty partial report, got %+v", report)
	}
	if n.Load() != 0 {
		t.Fatal("apply should not run after cancellation")
	}
}

func TestMigrationRunner_Metrics(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	seedLock(t, store, "20241211_c", "other", clock.Now().Add(-10*time.Minute))

	var n atomic.Int32
	reg := MustRegistry(
		counting("20241209_a", &n),
		failing("20241210_b", errors.New("nope")),
		counting("20241211_c", &n))
	m := NewMetrics("tracker")
	runner := NewRunner(store, reg,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithClock(clock.Now),
		WithMetrics(m),
		WithLockManager(NewLockManager(store, WithLockClock(clock.Now), WithLockLogger(slog.New(slog.DiscardHandler)))))

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := testutil.ToFloat64(m.Outcomes.WithLabelValues("20241209_a", "applied")); got != 1 {
		t.Errorf("applied counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Outcomes.WithLabelValues("20241210_b", "failed")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LockTakeovers); got != 1 {
		t.Errorf("takeovers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Pending); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LastRun); got != float64(clock.Now().Unix()) {
		t.Errorf("last run = %v, want %v", got, clock.Now().Unix())
	}
}

func TestMigrationRunner_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := newTestStore(t)
	var n atomic.Int32
	reg := MustRegistry(counting("20241209_a", &n), failing("20241210_b", errors.New("nope")))
	runner := NewRunner(store, reg,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithTracer(tp.Tracer("test")))

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	spans := exporter.GetSpans()
	var runSpans, applySpans int
	outcomes := map[string]string{}
	for _, s := range spans {
		switch s.Name {
		case "migration.Run":
			runSpans++
		case "migration.Apply":
			applySpans++
			var id, outcome string
			for _, kv := range s.Attributes {
				switch kv.Key {
				case "migration.id":
					id = kv.Value.AsString()
				case "migration.outcome":
					outcome = kv.Value.AsString()
				}
			}
			outcomes[id] = outcome
		}
	}
	if runSpans != 1 || applySpans != 2 {
		t.Fatalf("expected 1 run span and 2 apply spans, got %d and %d", runSpans, applySpans)
	}
	if outcomes["20241209_a"] != "applied" || outcomes["20241210_b"] != "failed" {
		t.Errorf("unexpected span outcomes %v", outcomes)
	}
}
