package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// redisTxRetries bounds optimistic retries of a WATCHed batch chunk.
const redisTxRetries = 5

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// RedisStore implements Store on Redis. Each document is a JSON string and
// each collection keeps a set of its ids for queries. Filters are evaluated
// client side.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a client for cfg. It does not dial; an unreachable
// server surfaces on the first call, Ping included.
func NewRedisStore(_ context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("docstore.redis: address is required")
	}
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), cfg.Prefix), nil
}

// NewRedisStoreWithClient creates a RedisStore backed by a pre-built client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) docKey(collection, id string) string {
	return s.prefix + "doc:" + collection + ":" + id
}

func (s *RedisStore) indexKey(collection string) string {
	return s.prefix + "idx:" + collection
}

// Get returns the document, or nil, nil when it does not exist.
func (s *RedisStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.docKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docstore.redis: get %s/%s: %w", collection, id, err)
	}
	return decodeDocument(raw)
}

// CreateIfAbsent runs SETNX and the index update in one MULTI block.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, collection, id string, data Document) (bool, error) {
	if err := checkKey(collection, id); err != nil {
		return false, err
	}
	raw, err := encodeDocument(data)
	if err != nil {
		return false, fmt.Errorf("docstore.redis: %w", err)
	}

	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		created = p.SetNX(ctx, s.docKey(collection, id), raw, 0)
		p.SAdd(ctx, s.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("docstore.redis: create %s/%s: %w", collection, id, err)
	}
	return created.Val(), nil
}

// Delete removes the document and its index entry.
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.docKey(collection, id))
		p.SRem(ctx, s.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("docstore.redis: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query loads every document of the collection and filters locally.
func (s *RedisStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Item, error) {
	if collection == "" {
		return nil, ErrInvalidKey
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore.redis: list %s: %w", collection, err)
	}
	items := []Item{}
	if len(ids) == 0 {
		return items, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(collection, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore.redis: load %s: %w", collection, err)
	}

	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a document.
			continue
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("docstore.redis: %s/%s: %w", collection, ids[i], err)
		}
		if matchesAll(doc, filters) {
			items = append(items, Item{ID: ids[i], Data: doc})
		}
	}
	return items, nil
}

// BatchWrite commits each chunk as a WATCHed transaction over the touched
// keys, retrying when a concurrent writer changes one of them.
func (s *RedisStore) BatchWrite(ctx context.Context, ops []WriteOp, maxBatchSize int) error {
	return writeChunks(ctx, ops, maxBatchSize, 0, s.commit)
}

type redisTarget struct {
	collection string
	id         string
	key        string
}

func (s *RedisStore) commit(ctx context.Context, chunk []WriteOp) error {
	var targets []redisTarget
	index := make(map[string]int)
	for _, op := range chunk {
		key := s.docKey(op.Collection, op.ID)
		if _, seen := index[key]; !seen {
			index[key] = len(targets)
			targets = append(targets, redisTarget{collection: op.Collection, id: op.ID, key: key})
		}
	}
	keys := make([]string, len(targets))
	for i, t := range targets {
		keys[i] = t.key
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		docs := make([]Document, len(targets))
		for i, v := range current {
			if raw, ok := v.(string); ok {
				if docs[i], err = decodeDocument(raw); err != nil {
					return fmt.Errorf("%s: %w", keys[i], err)
				}
			}
		}

		for _, op := range chunk {
			i := index[s.docKey(op.Collection, op.ID)]
			switch op.Kind {
			case OpDelete:
				docs[i] = nil
			case OpUpdate:
				fields, err := normalizeDocument(op.Fields)
				if err != nil {
					return fmt.Errorf("%s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
				}
				// Absent documents are not created.
				if docs[i] != nil {
					mergeFields(docs[i], fields)
				}
			}
		}

		encoded := make([]string, len(targets))
		for i, doc := range docs {
			if doc == nil {
				continue
			}
			if encoded[i], err = encodeDocument(doc); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for i, t := range targets {
				if docs[i] == nil {
					p.Del(ctx, t.key)
					p.SRem(ctx, s.indexKey(t.collection), t.id)
					continue
				}
				p.Set(ctx, t.key, encoded[i], 0)
				p.SAdd(ctx, s.indexKey(t.collection), t.id)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("docstore.redis: commit: %w", err)
		}
	}
	return fmt.Errorf("docstore.redis: commit: %w after %d attempts", redis.TxFailedErr, redisTxRetries)
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("docstore.redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
