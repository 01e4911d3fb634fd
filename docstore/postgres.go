package docstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	URL      string `yaml:"url" json:"url"`
	MaxConns int32  `yaml:"maxConns" json:"maxConns"`
	MinConns int32  `yaml:"minConns" json:"minConns"`
}

// PostgresStore implements Store on a JSONB table reached through a pgx
// connection pool. The table is created on first use.
type PostgresStore struct {
	pool *pgxpool.Pool

	schemaMu    sync.Mutex
	schemaReady bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a pool for cfg without connecting. An unreachable
// server surfaces on the first call, Ping included.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("docstore.postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("docstore.postgres: create pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool and creates the documents
// table immediately. Closing the store closes the pool.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureSchema runs the schema script once it first succeeds; a failed
// attempt is retried by the next call.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("docstore.postgres: create schema: %w", err)
	}
	s.schemaReady = true
	return nil
}

// Get returns the document, or nil, nil when it does not exist.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docstore.postgres: get %s/%s: %w", collection, id, err)
	}
	return decodeDocument(string(raw))
}

// CreateIfAbsent inserts the document unless the key already exists.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, collection, id string, data Document) (bool, error) {
	if err := checkKey(collection, id); err != nil {
		return false, err
	}
	raw, err := encodeDocument(data)
	if err != nil {
		return false, fmt.Errorf("docstore.postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, raw)
	if err != nil {
		return false, fmt.Errorf("docstore.postgres: create %s/%s: %w", collection, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes the document. Does not error if it does not exist.
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("docstore.postgres: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query returns matching documents ordered by id.
func (s *PostgresStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Item, error) {
	if collection == "" {
		return nil, ErrInvalidKey
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	args := []any{collection}
	where := []string{"collection = $1"}
	for _, f := range filters {
		clause, err := postgresClause(f, &args)
		if err != nil {
			return nil, fmt.Errorf("docstore.postgres: %w", err)
		}
		where = append(where, clause)
	}

	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, data FROM documents WHERE `+strings.Join(where, " AND ")+` ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("docstore.postgres: query %s: %w", collection, err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("docstore.postgres: scan: %w", err)
		}
		doc, err := decodeDocument(string(raw))
		if err != nil {
			return nil, err
		}
		items = append(items, Item{ID: id, Data: doc})
	}
	return items, rows.Err()
}

// BatchWrite sends each chunk as one pgx.Batch inside its own transaction.
func (s *PostgresStore) BatchWrite(ctx context.Context, ops []WriteOp, maxBatchSize int) error {
	return writeChunks(ctx, ops, maxBatchSize, 0, s.commit)
}

func (s *PostgresStore) commit(ctx context.Context, chunk []WriteOp) error {
	batch := &pgx.Batch{}
	for _, op := range chunk {
		if op.Kind == OpDelete {
			batch.Queue(`DELETE FROM documents WHERE collection = $1 AND id = $2`, op.Collection, op.ID)
			continue
		}
		set, remove := splitFields(op.Fields)
		fields := make(Document, len(set))
		for _, k := range set {
			fields[k] = op.Fields[k]
		}
		raw, err := encodeDocument(fields)
		if err != nil {
			return fmt.Errorf("docstore.postgres: %s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
		}
		if remove == nil {
			remove = []string{}
		}
		// Matches no row when the document is absent.
		batch.Queue(`UPDATE documents SET data = (data || $3::jsonb) - $4::text[], updated_at = now()
			WHERE collection = $1 AND id = $2`,
			op.Collection, op.ID, raw, remove)
	}

	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("docstore.postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := tx.SendBatch(ctx, batch)
	for i := range chunk {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			op := chunk[i]
			return fmt.Errorf("docstore.postgres: %s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("docstore.postgres: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("docstore.postgres: commit: %w", err)
	}
	return nil
}

// Ping checks the pool can reach the server and that the schema exists.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("docstore.postgres: ping: %w", err)
	}
	return s.ensureSchema(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// postgresClause renders f against the data column, appending its
// parameters to args.
func postgresClause(f Filter, args *[]any) (string, error) {
	param := func(v any) string {
		*args = append(*args, v)
		return "$" + strconv.Itoa(len(*args))
	}

	field := param(f.Field) + "::text"
	if f.Kind == FilterMissing {
		return "COALESCE(jsonb_typeof(data->" + field + "), 'null') = 'null'", nil
	}

	values := make([]string, 0, len(f.Values))
	for _, v := range f.Values {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("filter %v: %w", f, err)
		}
		values = append(values, param(string(b))+"::jsonb")
	}
	return "data->" + field + " IN (" + strings.Join(values, ", ") + ")", nil
}
