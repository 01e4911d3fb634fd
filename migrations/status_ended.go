package migrations

import (
	"context"

	"github.com/GoCodeAlone/listingtracker/docstore"
	"github.com/GoCodeAlone/listingtracker/migration"
)

// legacyEndedStatuses are the status values older scrapers wrote for
// listings that are no longer live.
var legacyEndedStatuses = []string{"sold", "expired", "SOLD", "EXPIRED"}

// StatusSoldExpiredToEnded folds the legacy sold and expired statuses into
// ENDED. Only documents still carrying a legacy value are touched, so a
// rerun after a partial apply picks up where it stopped.
func StatusSoldExpiredToEnded(opts Options) migration.Definition {
	opts = opts.withDefaults()
	return migration.Definition{
		ID:          "20241209_status_sold_expired_to_ended",
		Description: "Normalise sold and expired listing statuses to ENDED",
		Apply: func(ctx context.Context, store docstore.Store) error {
			setEnded := func(docstore.Item) (docstore.Document, bool) {
				return docstore.Document{FieldStatus: StatusEnded}, true
			}
			total := 0
			for _, old := range legacyEndedStatuses {
				n, err := rewrite(ctx, store, opts.BatchSize, ListingsCollection, setEnded,
					docstore.Eq(FieldStatus, old))
				if err != nil {
					return err
				}
				if n > 0 {
					opts.Logger.Info("normalised listing status",
						"from", old,
						"to", StatusEnded,
						"count", n)
				}
				total += n
			}
			opts.Logger.Info("status normalisation complete", "updated", total)
			return nil
		},
	}
}
