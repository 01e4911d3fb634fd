// Package migrations holds the listing-tracker's compiled-in document
// migrations. Ids are date-prefixed and sort in the order they must run;
// new migrations are appended to All.
package migrations

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/listingtracker/docstore"
	"github.com/GoCodeAlone/listingtracker/migration"
)

// Listing collection and field names.
const (
	ListingsCollection   = "listings"
	FieldStatus          = "status"
	FieldLastSeenAt      = "lastSeenAt"
	FieldStatusChangedAt = "statusChangedAt"

	StatusActive = "ACTIVE"
	StatusEnded  = "ENDED"
)

// Options tunes the concrete migrations.
type Options struct {
	// BatchSize caps the number of writes per committed batch.
	// Zero means docstore.DefaultMaxBatchSize.
	BatchSize int
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = docstore.DefaultMaxBatchSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// All returns every listing migration in the order it must run.
func All(opts Options) []migration.Definition {
	opts = opts.withDefaults()
	return []migration.Definition{
		StatusSoldExpiredToEnded(opts),
		BackfillStatusChangedAt(opts),
	}
}

// Registry validates All(opts) into a migration.Registry.
func Registry(opts Options) (*migration.Registry, error) {
	return migration.NewRegistry(All(opts)...)
}

// rewrite queries collection with filters and writes one update for each
// item that fn returns fields for, batchSize writes at a time. It returns
// how many documents were updated.
func rewrite(ctx context.Context, store docstore.Store, batchSize int, collection string,
	fn func(docstore.Item) (docstore.Document, bool), filters ...docstore.Filter) (int, error) {
	items, err := store.Query(ctx, collection, filters...)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", collection, err)
	}
	ops := make([]docstore.WriteOp, 0, len(items))
	for _, item := range items {
		fields, ok := fn(item)
		if !ok {
			continue
		}
		ops = append(ops, docstore.Update(collection, item.ID, fields))
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := store.BatchWrite(ctx, ops, batchSize); err != nil {
		return 0, fmt.Errorf("update %s: %w", collection, err)
	}
	return len(ops), nil
}
