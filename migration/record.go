package migration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

// Default collections and the lock key suffix.
const (
	DefaultRecordCollection = "migrations"
	DefaultLockCollection   = "migration_locks"
	lockSuffix              = "_lock"
)

// Record is the persisted proof that a migration completed.
type Record struct {
	ID          string
	Description string
	AppliedAt   time.Time
	DurationMs  int64
}

func (r Record) document() docstore.Document {
	return docstore.Document{
		"id":          r.ID,
		"description": r.Description,
		"appliedAt":   r.AppliedAt.UTC().Format(time.RFC3339Nano),
		"durationMs":  r.DurationMs,
	}
}

func recordFromDocument(id string, doc docstore.Document) (Record, error) {
	r := Record{ID: id}
	if s, ok := doc["id"].(string); ok && s != "" {
		r.ID = s
	}
	r.Description, _ = doc["description"].(string)

	appliedAt, err := timeField(doc, "appliedAt")
	if err != nil {
		return r, err
	}
	r.AppliedAt = appliedAt

	ms, err := int64Field(doc, "durationMs")
	if err != nil {
		return r, err
	}
	r.DurationMs = ms
	return r, nil
}

// LockRecord is the persisted marker of an in-flight migration attempt.
type LockRecord struct {
	MigrationID string
	Holder      string
	AcquiredAt  time.Time
}

func (l LockRecord) document() docstore.Document {
	return docstore.Document{
		"migrationId": l.MigrationID,
		"holder":      l.Holder,
		"acquiredAt":  l.AcquiredAt.UTC().Format(time.RFC3339Nano),
	}
}

func lockFromDocument(doc docstore.Document) (LockRecord, error) {
	var l LockRecord
	l.MigrationID, _ = doc["migrationId"].(string)
	l.Holder, _ = doc["holder"].(string)
	at, err := timeField(doc, "acquiredAt")
	if err != nil {
		return l, err
	}
	l.AcquiredAt = at
	return l, nil
}

func timeField(doc docstore.Document, key string) (time.Time, error) {
	switch v := doc[key].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", key, err)
		}
		return t, nil
	case time.Time:
		return v, nil
	case nil:
		return time.Time{}, fmt.Errorf("field %s: missing", key)
	default:
		return time.Time{}, fmt.Errorf("field %s: unexpected type %T", key, v)
	}
}

func int64Field(doc docstore.Document, key string) (int64, error) {
	switch v := doc[key].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case nil:
		return 0, fmt.Errorf("field %s: missing", key)
	default:
		return 0, fmt.Errorf("field %s: unexpected type %T", key, v)
	}
}
