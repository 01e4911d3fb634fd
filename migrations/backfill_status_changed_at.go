package migrations

import (
	"context"

	"github.com/GoCodeAlone/listingtracker/docstore"
	"github.com/GoCodeAlone/listingtracker/migration"
)

// BackfillStatusChangedAt sets statusChangedAt on ended listings that lack
// it, using the listing's lastSeenAt. Listings without lastSeenAt are left
// as they are.
func BackfillStatusChangedAt(opts Options) migration.Definition {
	opts = opts.withDefaults()
	return migration.Definition{
		ID:          "20241210_backfill_status_changed_at",
		Description: "Backfill statusChangedAt from lastSeenAt on ended listings",
		Apply: func(ctx context.Context, store docstore.Store) error {
			skipped := 0
			copyLastSeen := func(item docstore.Item) (docstore.Document, bool) {
				v, ok := item.Data[FieldLastSeenAt]
				if !ok || v == nil {
					skipped++
					return nil, false
				}
				return docstore.Document{FieldStatusChangedAt: v}, true
			}
			n, err := rewrite(ctx, store, opts.BatchSize, ListingsCollection, copyLastSeen,
				docstore.Eq(FieldStatus, StatusEnded),
				docstore.Missing(FieldStatusChangedAt))
			if err != nil {
				return err
			}
			opts.Logger.Info("statusChangedAt backfill complete",
				"updated", n,
				"skipped_without_last_seen", skipped)
			return nil
		},
	}
}
