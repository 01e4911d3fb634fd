package migration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

// DefaultLockTimeout is the age after which a lock is presumed abandoned.
const DefaultLockTimeout = 5 * time.Minute

// LockManager provides per-migration mutual exclusion across processes
// sharing one document store. Acquisition relies on the store's atomic
// CreateIfAbsent; a lock older than the timeout may be taken over.
type LockManager struct {
	store      docstore.Store
	collection string
	timeout    time.Duration
	holder     string
	now        func() time.Time
	logger     *slog.Logger
}

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockTimeout sets the staleness threshold. Non-positive values are ignored.
func WithLockTimeout(d time.Duration) LockOption {
	return func(l *LockManager) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithHolder sets the identity written into lock records.
func WithHolder(holder string) LockOption {
	return func(l *LockManager) {
		if holder != "" {
			l.holder = holder
		}
	}
}

// WithLockCollection sets the collection lock records live in.
func WithLockCollection(collection string) LockOption {
	return func(l *LockManager) {
		if collection != "" {
			l.collection = collection
		}
	}
}

// WithLockClock replaces the wall clock, for tests.
func WithLockClock(now func() time.Time) LockOption {
	return func(l *LockManager) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLockLogger sets the logger.
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(l *LockManager) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLockManager creates a LockManager over store.
func NewLockManager(store docstore.Store, opts ...LockOption) *LockManager {
	l := &LockManager{
		store:      store,
		collection: DefaultLockCollection,
		timeout:    DefaultLockTimeout,
		holder:     DefaultHolder(),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultHolder returns a process identity of the form <hostname>-<uuid>.
func DefaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}

// Holder returns the identity this manager writes into lock records.
func (l *LockManager) Holder() string { return l.holder }

// Timeout returns the staleness threshold.
func (l *LockManager) Timeout() time.Duration { return l.timeout }

func (l *LockManager) key(id string) string { return id + lockSuffix }

// LockResult is the outcome of one acquisition attempt. When Acquired is
// false, Holder and AcquiredAt describe the current holder if known.
type LockResult struct {
	Acquired   bool
	TookOver   bool
	Holder     string
	AcquiredAt time.Time
}

// TryAcquire makes a single attempt to take the lock for migration id. It
// never waits. A busy lock is reported through LockResult, not an error.
func (l *LockManager) TryAcquire(ctx context.Context, id string) (LockResult, error) {
	now := l.now()
	mine := LockRecord{MigrationID: id, Holder: l.holder, AcquiredAt: now}
	acquired := LockResult{Acquired: true, Holder: l.holder, AcquiredAt: now}

	created, err := l.store.CreateIfAbsent(ctx, l.collection, l.key(id), mine.document())
	if err != nil {
		return LockResult{}, fmt.Errorf("create lock %s: %w", id, err)
	}
	if created {
		return acquired, nil
	}

	doc, err := l.store.Get(ctx, l.collection, l.key(id))
	if err != nil {
		return LockResult{}, fmt.Errorf("read lock %s: %w", id, err)
	}
	if doc == nil {
		// Released between our create and read; one more attempt.
		created, err = l.store.CreateIfAbsent(ctx, l.collection, l.key(id), mine.document())
		if err != nil {
			return LockResult{}, fmt.Errorf("create lock %s: %w", id, err)
		}
		if created {
			return acquired, nil
		}
		return LockResult{}, nil
	}

	current, parseErr := lockFromDocument(doc)
	if parseErr == nil && now.Sub(current.AcquiredAt) < l.timeout {
		return LockResult{Holder: current.Holder, AcquiredAt: current.AcquiredAt}, nil
	}

	// Two processes can both reach this point for the same stale lock and
	// both end up running the migration.
	l.logger.Warn("taking over stale migration lock",
		"migration", id,
		"previous_holder", current.Holder,
		"acquired_at", current.AcquiredAt,
		"timeout", l.timeout,
		"parse_error", parseErr)

	if err := l.store.Delete(ctx, l.collection, l.key(id)); err != nil {
		return LockResult{}, fmt.Errorf("clear stale lock %s: %w", id, err)
	}
	created, err = l.store.CreateIfAbsent(ctx, l.collection, l.key(id), mine.document())
	if err != nil {
		return LockResult{}, fmt.Errorf("create lock %s: %w", id, err)
	}
	if !created {
		return LockResult{}, nil
	}
	acquired.TookOver = true
	return acquired, nil
}

// Release removes the lock for migration id if this manager holds it.
// Releasing a lock that is absent or held by someone else is a no-op.
func (l *LockManager) Release(ctx context.Context, id string) error {
	doc, err := l.store.Get(ctx, l.collection, l.key(id))
	if err != nil {
		return fmt.Errorf("read lock %s: %w", id, err)
	}
	if doc == nil {
		return nil
	}
	if current, err := lockFromDocument(doc); err == nil && current.Holder != l.holder {
		l.logger.Warn("migration lock now held by another process, leaving it",
			"migration", id,
			"holder", current.Holder)
		return nil
	}
	if err := l.store.Delete(ctx, l.collection, l.key(id)); err != nil {
		return fmt.Errorf("delete lock %s: %w", id, err)
	}
	return nil
}

// ForceRelease removes the lock for migration id whoever holds it.
func (l *LockManager) ForceRelease(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, l.collection, l.key(id)); err != nil {
		return fmt.Errorf("delete lock %s: %w", id, err)
	}
	return nil
}

// Inspect returns the current lock record for migration id, or nil. A lock
// document that cannot be decoded yields an error wrapping ErrMalformedLock.
func (l *LockManager) Inspect(ctx context.Context, id string) (*LockRecord, error) {
	doc, err := l.store.Get(ctx, l.collection, l.key(id))
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", id, err)
	}
	if doc == nil {
		return nil, nil
	}
	rec, err := lockFromDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("decode lock %s: %w: %v", id, ErrMalformedLock, err)
	}
	return &rec, nil
}
