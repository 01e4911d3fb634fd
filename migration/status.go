package migration

import (
	"context"
	"fmt"
	"time"
)

// Status is the completion state of one registered migration.
type Status struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Applied     bool       `json:"applied"`
	AppliedAt   *time.Time `json:"appliedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
}

// Status returns one entry per registered migration in registry order.
// It only reads completion records and never touches locks.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	defs := r.registry.List()
	out := make([]Status, 0, len(defs))
	for _, def := range defs {
		st := Status{ID: def.ID, Description: def.Description}

		doc, err := r.store.Get(ctx, r.records, def.ID)
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", def.ID, err)
		}
		if doc != nil {
			st.Applied = true
			rec, err := recordFromDocument(def.ID, doc)
			if err != nil {
				r.logger.Warn("malformed migration record",
					"migration", def.ID,
					"error", err)
			} else {
				appliedAt, ms := rec.AppliedAt, rec.DurationMs
				st.AppliedAt = &appliedAt
				st.DurationMs = &ms
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// Pending returns the ids of registered migrations without a completion record.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	statuses, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, st := range statuses {
		if !st.Applied {
			pending = append(pending, st.ID)
		}
	}
	return pending, nil
}
