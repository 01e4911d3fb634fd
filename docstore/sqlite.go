package docstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on a single SQLite table. Filters run on
// the JSON document with json_extract and json_type.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dsn and ensures the documents table
// exists. Use ":memory:" for an in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore.sqlite: open: %w", err)
	}

	// One connection serialises writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore.sqlite: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the document, or nil, nil when it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docstore.sqlite: get %s/%s: %w", collection, id, err)
	}
	return decodeDocument(raw)
}

// CreateIfAbsent inserts the document unless the key already exists.
func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, collection, id string, data Document) (bool, error) {
	if err := checkKey(collection, id); err != nil {
		return false, err
	}
	raw, err := encodeDocument(data)
	if err != nil {
		return false, fmt.Errorf("docstore.sqlite: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, raw)
	if err != nil {
		return false, fmt.Errorf("docstore.sqlite: create %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("docstore.sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

// Delete removes the document. Does not error if it does not exist.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("docstore.sqlite: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query returns matching documents ordered by id.
func (s *SQLiteStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Item, error) {
	if collection == "" {
		return nil, ErrInvalidKey
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	where := []string{"collection = ?"}
	args := []any{collection}
	for _, f := range filters {
		clause, fargs, err := sqliteClause(f)
		if err != nil {
			return nil, fmt.Errorf("docstore.sqlite: %w", err)
		}
		where = append(where, clause)
		args = append(args, fargs...)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE `+strings.Join(where, " AND ")+` ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("docstore.sqlite: query %s: %w", collection, err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			id  string
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("docstore.sqlite: scan: %w", err)
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{ID: id, Data: doc})
	}
	return items, rows.Err()
}

// BatchWrite commits each chunk in its own transaction.
func (s *SQLiteStore) BatchWrite(ctx context.Context, ops []WriteOp, maxBatchSize int) error {
	return writeChunks(ctx, ops, maxBatchSize, 0, s.commit)
}

func (s *SQLiteStore) commit(ctx context.Context, chunk []WriteOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore.sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range chunk {
		query, args, err := sqliteWrite(op)
		if err != nil {
			return fmt.Errorf("docstore.sqlite: %s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("docstore.sqlite: %s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore.sqlite: commit: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("docstore.sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteWrite(op WriteOp) (string, []any, error) {
	if op.Kind == OpDelete {
		return `DELETE FROM documents WHERE collection = ? AND id = ?`, []any{op.Collection, op.ID}, nil
	}

	set, remove := splitFields(op.Fields)
	var args []any
	expr := "data"
	if len(set) > 0 {
		expr = "json_set(" + expr + strings.Repeat(", ?, json(?)", len(set)) + ")"
		for _, k := range set {
			v, err := json.Marshal(op.Fields[k])
			if err != nil {
				return "", nil, fmt.Errorf("encode field %q: %w", k, err)
			}
			args = append(args, jsonPath(k), string(v))
		}
	}
	if len(remove) > 0 {
		expr = "json_remove(" + expr + strings.Repeat(", ?", len(remove)) + ")"
		for _, k := range remove {
			args = append(args, jsonPath(k))
		}
	}
	args = append(args, op.Collection, op.ID)

	// Matches no row when the document is absent.
	return `UPDATE documents SET data = ` + expr + `, updated_at = CURRENT_TIMESTAMP
		WHERE collection = ? AND id = ?`, args, nil
}

func sqliteClause(f Filter) (string, []any, error) {
	path := jsonPath(f.Field)
	if f.Kind == FilterMissing {
		return `COALESCE(json_type(data, ?), 'null') = 'null'`, []any{path}, nil
	}

	parts := make([]string, 0, len(f.Values))
	var args []any
	for _, v := range f.Values {
		nv, err := normalizeValue(v)
		if err != nil {
			return "", nil, fmt.Errorf("filter %v: %w", f, err)
		}
		switch t := nv.(type) {
		case nil:
			parts = append(parts, `json_type(data, ?) = 'null'`)
			args = append(args, path)
		case string:
			parts = append(parts, `(json_type(data, ?) = 'text' AND json_extract(data, ?) = ?)`)
			args = append(args, path, path, t)
		case float64:
			parts = append(parts, `(json_type(data, ?) IN ('integer', 'real') AND json_extract(data, ?) = ?)`)
			args = append(args, path, path, t)
		case bool:
			parts = append(parts, `json_type(data, ?) = ?`)
			args = append(args, path, fmt.Sprint(t))
		default:
			return "", nil, fmt.Errorf("filter %v: unsupported value type %T", f, v)
		}
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, nil
}

// jsonPath addresses a top-level member by name.
func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

func encodeDocument(doc Document) (string, error) {
	if doc == nil {
		doc = Document{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

func decodeDocument(raw string) (Document, error) {
	doc := Document{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
