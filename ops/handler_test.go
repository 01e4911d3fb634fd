package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoCodeAlone/listingtracker/docstore"
	"github.com/GoCodeAlone/listingtracker/migration"
)

type statusFunc func(context.Context) ([]migration.Status, error)

func (f statusFunc) Status(ctx context.Context) ([]migration.Status, error) { return f(ctx) }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRunner(t *testing.T) (*docstore.MemoryStore, *migration.Runner, *migration.Metrics) {
	t.Helper()
	store := docstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	reg := migration.MustRegistry(
		migration.Definition{ID: "20241209_a", Description: "first", Apply: func(context.Context, docstore.Store) error { return nil }},
		migration.Definition{ID: "20241210_b", Description: "second", Apply: func(context.Context, docstore.Store) error { return nil }},
	)
	m := migration.NewMetrics("tracker")
	logger := slog.New(slog.DiscardHandler)
	return store, migration.NewRunner(store, reg, migration.WithLogger(logger), migration.WithMetrics(m)), m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	store, runner, _ := newTestRunner(t)
	h := NewHandler(store, runner, nil, WithLogger(slog.New(slog.DiscardHandler)))

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	_, runner, _ := newTestRunner(t)
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })
	h := NewHandler(down, runner, nil, WithLogger(slog.New(slog.DiscardHandler)))

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("expected error in body, got %s", rec.Body.String())
	}
}

func TestLivez(t *testing.T) {
	down := pingFunc(func(context.Context) error { return errors.New("down") })
	h := NewHandler(down, statusFunc(func(context.Context) ([]migration.Status, error) { return nil, nil }), nil)
	if rec := get(t, h, "/livez"); rec.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on the store, got %d", rec.Code)
	}
}

func TestMigrationStatus(t *testing.T) {
	store, runner, _ := newTestRunner(t)
	h := NewHandler(store, runner, nil)

	rec := get(t, h, "/migrations/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var before []migration.Status
	if err := json.NewDecoder(rec.Body).Decode(&before); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(before) != 2 || before[0].Applied || before[1].Applied {
		t.Fatalf("expected two pending migrations, got %+v", before)
	}
	if strings.Contains(rec.Body.String(), "appliedAt") {
		t.Errorf("pending entries must omit appliedAt: %s", rec.Body.String())
	}

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec = get(t, h, "/migrations/status")
	var after []migration.Status
	if err := json.NewDecoder(rec.Body).Decode(&after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, st := range after {
		if !st.Applied || st.AppliedAt == nil || st.DurationMs == nil {
			t.Errorf("expected %s applied with details, got %+v", st.ID, st)
		}
	}
}

func TestMigrationStatus_Error(t *testing.T) {
	failing := statusFunc(func(context.Context) ([]migration.Status, error) {
		return nil, errors.New("read failed")
	})
	h := NewHandler(pingFunc(func(context.Context) error { return nil }), failing, nil,
		WithLogger(slog.New(slog.DiscardHandler)))
	if rec := get(t, h, "/migrations/status"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	store, runner, m := newTestRunner(t)
	h := NewHandler(store, runner, m.Handler())
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tracker_migration_outcomes_total") {
		t.Errorf("expected migration metrics in output")
	}
}

func TestMetrics_NotConfigured(t *testing.T) {
	store, runner, _ := newTestRunner(t)
	h := NewHandler(store, runner, nil)
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	store, runner, _ := newTestRunner(t)
	h := NewHandler(store, runner, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
