// Package storetest holds the behavioural suite shared by every
// docstore backend's tests.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) docstore.Store

// Run exercises the docstore.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore(t)) })
	t.Run("InvalidKey", func(t *testing.T) { testInvalidKey(t, newStore(t)) })
	t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, newStore(t)) })
	t.Run("QueryIsolatesCollections", func(t *testing.T) { testQueryIsolatesCollections(t, newStore(t)) })
	t.Run("BatchWriteChunks", func(t *testing.T) { testBatchWriteChunks(t, newStore(t)) })
	t.Run("BatchWriteMerge", func(t *testing.T) { testBatchWriteMerge(t, newStore(t)) })
	t.Run("BatchWriteSkipsAbsent", func(t *testing.T) { testBatchWriteSkipsAbsent(t, newStore(t)) })
	t.Run("BatchWriteInvalidSize", func(t *testing.T) { testBatchWriteInvalidSize(t, newStore(t)) })
	t.Run("NormalisesValues", func(t *testing.T) { testNormalisesValues(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) {
		if err := newStore(t).Ping(context.Background()); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})
}

func testGetMissing(t *testing.T, s docstore.Store) {
	doc, err := s.Get(context.Background(), "listings", "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document, got %v", doc)
	}
}

func testCreateIfAbsent(t *testing.T, s docstore.Store) {
	ctx := context.Background()

	created, err := s.CreateIfAbsent(ctx, "locks", "a", docstore.Document{"holder": "one"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Fatal("expected first create to win")
	}

	created, err = s.CreateIfAbsent(ctx, "locks", "a", docstore.Document{"holder": "two"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("expected second create to lose")
	}

	doc, err := s.Get(ctx, "locks", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc["holder"] != "one" {
		t.Errorf("expected holder one, got %v", doc["holder"])
	}
}

func testDeleteIdempotent(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	if _, err := s.CreateIfAbsent(ctx, "locks", "a", docstore.Document{"x": "y"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := range 2 {
		if err := s.Delete(ctx, "locks", "a"); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	doc, err := s.Get(ctx, "locks", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected document to be gone, got %v", doc)
	}

	// A deleted id can be created again.
	created, err := s.CreateIfAbsent(ctx, "locks", "a", docstore.Document{"x": "z"})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !created {
		t.Fatal("expected recreate after delete to succeed")
	}
}

func testInvalidKey(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "", "a"); !errors.Is(err, docstore.ErrInvalidKey) {
		t.Errorf("get with empty collection: expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.CreateIfAbsent(ctx, "c", "", docstore.Document{}); !errors.Is(err, docstore.ErrInvalidKey) {
		t.Errorf("create with empty id: expected ErrInvalidKey, got %v", err)
	}
	if err := s.Delete(ctx, "", ""); !errors.Is(err, docstore.ErrInvalidKey) {
		t.Errorf("delete with empty key: expected ErrInvalidKey, got %v", err)
	}
	err := s.BatchWrite(ctx, []docstore.WriteOp{docstore.DeleteOp("c", "")}, 10)
	if !errors.Is(err, docstore.ErrInvalidKey) {
		t.Errorf("batch with empty id: expected ErrInvalidKey, got %v", err)
	}
}

func seedListings(t *testing.T, s docstore.Store, docs map[string]docstore.Document) {
	t.Helper()
	for id, doc := range docs {
		created, err := s.CreateIfAbsent(context.Background(), "listings", id, doc)
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
		if !created {
			t.Fatalf("seed %s: already exists", id)
		}
	}
}

func ids(items []docstore.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func equalIDs(got []docstore.Item, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func testQueryFilters(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	seedListings(t, s, map[string]docstore.Document{
		"c": {"status": "sold", "price": 1200},
		"a": {"status": "ACTIVE", "price": 900, "statusChangedAt": "2024-12-01T00:00:00Z"},
		"b": {"status": "sold", "statusChangedAt": nil},
		"d": {"status": "EXPIRED"},
	})

	all, err := s.Query(ctx, "listings")
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if !equalIDs(all, "a", "b", "c", "d") {
		t.Errorf("query all: expected [a b c d] in id order, got %v", ids(all))
	}

	tests := []struct {
		name    string
		filters []docstore.Filter
		want    []string
	}{
		{"eq string", []docstore.Filter{docstore.Eq("status", "sold")}, []string{"b", "c"}},
		{"eq is case sensitive", []docstore.Filter{docstore.Eq("status", "SOLD")}, nil},
		{"eq number", []docstore.Filter{docstore.Eq("price", 900)}, []string{"a"}},
		{"in", []docstore.Filter{docstore.In("status", "ACTIVE", "EXPIRED")}, []string{"a", "d"}},
		{"missing treats null as absent", []docstore.Filter{docstore.Missing("statusChangedAt")}, []string{"b", "c", "d"}},
		{"and", []docstore.Filter{docstore.Eq("status", "sold"), docstore.Missing("price")}, []string{"b"}},
		{"no match on absent field", []docstore.Filter{docstore.Eq("color", "red")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, "listings", tt.filters...)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if !equalIDs(got, tt.want...) {
				t.Errorf("expected %v, got %v", tt.want, ids(got))
			}
		})
	}
}

func testQueryIsolatesCollections(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	if _, err := s.CreateIfAbsent(ctx, "migrations", "m1", docstore.Document{"status": "sold"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Query(ctx, "listings", docstore.Eq("status", "sold"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no listings, got %v", ids(got))
	}
	got, err = s.Query(ctx, "empty")
	if err != nil {
		t.Fatalf("query empty collection: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", got)
	}
}

func testBatchWriteChunks(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	var ops []docstore.WriteOp
	for _, id := range []string{"l1", "l2", "l3", "l4", "l5"} {
		if _, err := s.CreateIfAbsent(ctx, "listings", id, docstore.Document{"status": "sold"}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
		ops = append(ops, docstore.Update("listings", id, docstore.Document{"status": "ENDED"}))
	}
	if err := s.BatchWrite(ctx, ops, 2); err != nil {
		t.Fatalf("batch write: %v", err)
	}
	got, err := s.Query(ctx, "listings", docstore.Eq("status", "ENDED"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !equalIDs(got, "l1", "l2", "l3", "l4", "l5") {
		t.Errorf("expected all five documents written, got %v", ids(got))
	}

	if err := s.BatchWrite(ctx, nil, 2); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func testBatchWriteMerge(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	seedListings(t, s, map[string]docstore.Document{
		"x": {"status": "sold", "lastSeenAt": "2024-11-30T10:00:00Z", "note": "keep"},
		"y": {"status": "ACTIVE"},
	})

	ops := []docstore.WriteOp{
		docstore.Update("listings", "x", docstore.Document{"status": "ENDED", "note": nil}),
		docstore.DeleteOp("listings", "y"),
		docstore.DeleteOp("listings", "never-existed"),
	}
	if err := s.BatchWrite(ctx, ops, docstore.DefaultMaxBatchSize); err != nil {
		t.Fatalf("batch write: %v", err)
	}

	x, err := s.Get(ctx, "listings", "x")
	if err != nil {
		t.Fatalf("get x: %v", err)
	}
	if x["status"] != "ENDED" {
		t.Errorf("expected status ENDED, got %v", x["status"])
	}
	if x["lastSeenAt"] != "2024-11-30T10:00:00Z" {
		t.Errorf("expected untouched lastSeenAt, got %v", x["lastSeenAt"])
	}
	if _, ok := x["note"]; ok {
		t.Errorf("expected note removed, got %v", x["note"])
	}

	y, err := s.Get(ctx, "listings", "y")
	if err != nil {
		t.Fatalf("get y: %v", err)
	}
	if y != nil {
		t.Errorf("expected y deleted, got %v", y)
	}
}

func testBatchWriteSkipsAbsent(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	seedListings(t, s, map[string]docstore.Document{"kept": {"status": "sold"}})

	ops := []docstore.WriteOp{
		docstore.Update("listings", "gone", docstore.Document{"status": "ENDED"}),
		docstore.Update("listings", "kept", docstore.Document{"status": "ENDED"}),
		docstore.DeleteOp("listings", "kept2"),
		docstore.Update("listings", "kept2", docstore.Document{"status": "ENDED"}),
	}
	if err := s.BatchWrite(ctx, ops, docstore.DefaultMaxBatchSize); err != nil {
		t.Fatalf("batch write: %v", err)
	}

	for _, id := range []string{"gone", "kept2"} {
		doc, err := s.Get(ctx, "listings", id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if doc != nil {
			t.Errorf("update must not create %s, got %v", id, doc)
		}
	}
	kept, err := s.Get(ctx, "listings", "kept")
	if err != nil {
		t.Fatalf("get kept: %v", err)
	}
	if kept["status"] != "ENDED" {
		t.Errorf("expected kept updated in the same chunk, got %v", kept)
	}
	all, err := s.Query(ctx, "listings")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !equalIDs(all, "kept") {
		t.Errorf("expected only kept in the collection, got %v", ids(all))
	}
}

func testBatchWriteInvalidSize(t *testing.T, s docstore.Store) {
	ops := []docstore.WriteOp{docstore.Update("listings", "a", docstore.Document{"status": "ENDED"})}
	for _, size := range []int{0, -1} {
		if err := s.BatchWrite(context.Background(), ops, size); !errors.Is(err, docstore.ErrInvalidBatchSize) {
			t.Errorf("size %d: expected ErrInvalidBatchSize, got %v", size, err)
		}
	}
	doc, err := s.Get(context.Background(), "listings", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc != nil {
		t.Errorf("expected nothing written, got %v", doc)
	}
}

func testNormalisesValues(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	if _, err := s.CreateIfAbsent(ctx, "migrations", "m", docstore.Document{
		"durationMs": int64(42),
		"applied":    true,
		"tags":       []string{"a", "b"},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := s.Get(ctx, "migrations", "m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, ok := doc["durationMs"].(float64); !ok || v != 42 {
		t.Errorf("expected durationMs float64(42), got %T %v", doc["durationMs"], doc["durationMs"])
	}
	if doc["applied"] != true {
		t.Errorf("expected applied true, got %v", doc["applied"])
	}
	tags, ok := doc["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Errorf("expected tags [a b], got %#v", doc["tags"])
	}

	// Mutating a returned document must not affect the store.
	doc["applied"] = false
	again, err := s.Get(ctx, "migrations", "m")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again["applied"] != true {
		t.Error("store state changed through a returned document")
	}
}
