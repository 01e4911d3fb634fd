// Package migration applies ordered, one-time document migrations to a
// shared docstore.Store. A Registry holds the compiled-in definitions, a
// LockManager provides per-migration mutual exclusion across processes, and
// a Runner applies pending migrations and records their completion.
package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

// idDateLayout is the layout of the date prefix every migration id carries.
const idDateLayout = "20060102"

// Definition is a named, idempotent transformation of the document store.
// Apply must be safe to re-run after a partial or complete earlier run and
// must write in bounded batches.
type Definition struct {
	ID          string
	Description string
	Apply       func(ctx context.Context, store docstore.Store) error
}

func (d Definition) validate() error {
	if len(d.ID) < len(idDateLayout)+2 || d.ID[len(idDateLayout)] != '_' {
		return fmt.Errorf("%w: id %q must look like YYYYMMDD_description", ErrInvalidDefinition, d.ID)
	}
	if _, err := time.Parse(idDateLayout, d.ID[:len(idDateLayout)]); err != nil {
		return fmt.Errorf("%w: id %q has an invalid date prefix", ErrInvalidDefinition, d.ID)
	}
	if strings.HasSuffix(d.ID, lockSuffix) {
		return fmt.Errorf("%w: id %q must not end in %q", ErrInvalidDefinition, d.ID, lockSuffix)
	}
	if d.Description == "" {
		return fmt.Errorf("%w: %s has no description", ErrInvalidDefinition, d.ID)
	}
	if d.Apply == nil {
		return fmt.Errorf("%w: %s has no apply function", ErrInvalidDefinition, d.ID)
	}
	return nil
}

// Registry is the ordered, immutable set of known migrations.
type Registry struct {
	defs []Definition
	byID map[string]int
}

// NewRegistry validates defs and returns a Registry that lists them in the
// given order. Ids must be unique and lexically ascending.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs: make([]Definition, 0, len(defs)),
		byID: make(map[string]int, len(defs)),
	}
	for i, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		if i > 0 && d.ID < defs[i-1].ID {
			return nil, fmt.Errorf("%w: %s registered after %s", ErrOutOfOrder, d.ID, defs[i-1].ID)
		}
		r.byID[d.ID] = len(r.defs)
		r.defs = append(r.defs, d)
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on an invalid definition set.
func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// List returns the definitions in registration order.
func (r *Registry) List() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Lookup returns the definition with the given id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Len returns the number of registered migrations.
func (r *Registry) Len() int { return len(r.defs) }
