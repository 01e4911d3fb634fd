package docstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is a thread-safe in-memory document store, useful for tests
// and local runs. Values are JSON-normalised on the way in and copied on
// the way out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	closed      bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Document)}
}

var _ Store = (*MemoryStore)(nil)

// Get returns a copy of the document, or nil, nil when it does not exist.
func (m *MemoryStore) Get(_ context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return copyDocument(doc), nil
}

// CreateIfAbsent stores data unless the id is already present.
func (m *MemoryStore) CreateIfAbsent(_ context.Context, collection, id string, data Document) (bool, error) {
	if err := checkKey(collection, id); err != nil {
		return false, err
	}
	stored, err := normalizeDocument(data)
	if err != nil {
		return false, fmt.Errorf("docstore.memory: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	coll := m.collection(collection)
	if _, exists := coll[id]; exists {
		return false, nil
	}
	coll[id] = stored
	return true, nil
}

// Delete removes the document. Does not error if it does not exist.
func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	delete(m.collections[collection], id)
	return nil
}

// Query returns copies of the matching documents ordered by id.
func (m *MemoryStore) Query(_ context.Context, collection string, filters ...Filter) ([]Item, error) {
	if collection == "" {
		return nil, ErrInvalidKey
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	coll := m.collections[collection]
	items := []Item{}
	for _, id := range slices.Sorted(maps.Keys(coll)) {
		doc := coll[id]
		if !matchesAll(doc, filters) {
			continue
		}
		items = append(items, Item{ID: id, Data: copyDocument(doc)})
	}
	return items, nil
}

// BatchWrite applies each chunk under a single write lock.
func (m *MemoryStore) BatchWrite(ctx context.Context, ops []WriteOp, maxBatchSize int) error {
	return writeChunks(ctx, ops, maxBatchSize, 0, m.commit)
}

func (m *MemoryStore) commit(_ context.Context, chunk []WriteOp) error {
	// Normalise first so a bad value leaves the chunk uncommitted.
	fields := make([]Document, len(chunk))
	for i, op := range chunk {
		if op.Kind != OpUpdate {
			continue
		}
		f, err := normalizeDocument(op.Fields)
		if err != nil {
			return fmt.Errorf("docstore.memory: %s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
		}
		fields[i] = f
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for i, op := range chunk {
		switch op.Kind {
		case OpUpdate:
			if doc, ok := m.collections[op.Collection][op.ID]; ok {
				mergeFields(doc, fields[i])
			}
		case OpDelete:
			delete(m.collections[op.Collection], op.ID)
		}
	}
	return nil
}

// Ping reports an error once the store has been closed.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

// Close marks the store closed. Subsequent calls fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// collection returns the named collection, creating it. Callers hold mu.
func (m *MemoryStore) collection(name string) map[string]Document {
	coll, ok := m.collections[name]
	if !ok {
		coll = make(map[string]Document)
		m.collections[name] = coll
	}
	return coll
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("docstore.memory: store is closed")
	}
	return nil
}

// copyDocument deep-copies a normalised document.
func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = copyValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = copyValue(vv)
		}
		return s
	default:
		return v
	}
}
