package migration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

func TestRunnerStatus_NothingApplied(t *testing.T) {
	spy := &spyStore{Store: newTestStore(t)}
	var n atomic.Int32
	runner := newTestRunner(t, spy, newFakeClock(),
		counting("20241209_status_sold_expired_to_ended", &n),
		counting("20241210_backfill_status_changed_at", &n))

	statuses, err := runner.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	for i, want := range []string{"20241209_status_sold_expired_to_ended", "20241210_backfill_status_changed_at"} {
		st := statuses[i]
		if st.ID != want || st.Applied || st.AppliedAt != nil || st.DurationMs != nil {
			t.Errorf("status %d: unexpected %+v", i, st)
		}
	}
	if spy.createCount() != 0 || n.Load() != 0 {
		t.Fatal("status must not acquire locks or apply migrations")
	}

	pending, err := runner.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %v", pending)
	}
}

func TestRunnerStatus_AfterRun(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	var n atomic.Int32
	runner := newTestRunner(t, store, clock,
		counting("20241209_a", &n),
		failing("20241210_b", context.DeadlineExceeded),
		Definition{ID: "20241211_c", Description: "slow", Apply: func(context.Context, docstore.Store) error {
			clock.Advance(250 * time.Millisecond)
			return nil
		}})

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	statuses, err := runner.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected one status per registered migration, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || statuses[0].DurationMs == nil {
		t.Errorf("expected 20241209_a applied with details, got %+v", statuses[0])
	}
	if statuses[1].Applied {
		t.Errorf("expected 20241210_b pending, got %+v", statuses[1])
	}
	c := statuses[2]
	if !c.Applied || *c.DurationMs != 250 || !c.AppliedAt.Equal(clock.Now()) {
		t.Errorf("unexpected status for 20241211_c: %+v", c)
	}

	pending, err := runner.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "20241210_b" {
		t.Fatalf("expected only 20241210_b pending, got %v", pending)
	}
}

func TestRunnerStatus_MalformedRecordStillApplied(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CreateIfAbsent(context.Background(), DefaultRecordCollection, "20241209_a",
		docstore.Document{"id": "20241209_a", "appliedAt": "not a time"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var n atomic.Int32
	runner := newTestRunner(t, store, newFakeClock(), counting("20241209_a", &n))

	statuses, err := runner.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !statuses[0].Applied || statuses[0].AppliedAt != nil {
		t.Fatalf("expected applied without timestamp, got %+v", statuses[0])
	}
}
