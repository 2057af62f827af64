// Package redisstore persists records in Redis.
//
// Layout under a key prefix:
//
//	{prefix}record:{id}   JSON-encoded memory.Record
//	{prefix}scope:{scope} set of record IDs in the scope
//	{prefix}ids           set of every record ID
//
// Record writes and their index sets change together inside MULTI/EXEC.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/becomeliminal/nim-memory/memory"
)

// Options holds configuration for connecting to a Redis server.
type Options struct {
	// Address is the host:port of the Redis server.
	Address  string
	Password string
	DB       int

	// Prefix namespaces every key. Default: "memory:".
	Prefix string
}

// DefaultOptions returns localhost defaults.
func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
		Prefix:  "memory:",
	}
}

// Store is a Redis-backed memory.RecordStore.
type Store struct {
	client  *redis.Client
	prefix  string
	isOwner bool
}

var _ memory.RecordStore = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Address == "" {
		opts.Address = DefaultOptions().Address
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping redis: %w", memory.ErrBackendUnavailable, err)
	}
	s := New(client, opts.Prefix)
	s.isOwner = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultOptions().Prefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) recordKey(id string) string { return s.prefix + "record:" + id }
func (s *Store) scopeKey(scope string) string { return s.prefix + "scope:" + scope }
func (s *Store) idsKey() string { return s.prefix + "ids" }

func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	key := s.recordKey(rec.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("put %s: %w", rec.ID, memory.ErrDuplicateID)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.SAdd(ctx, s.scopeKey(rec.OwnerScope), rec.ID)
			p.SAdd(ctx, s.idsKey(), rec.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the key between WATCH and EXEC.
		return fmt.Errorf("put %s: %w", rec.ID, memory.ErrDuplicateID)
	}
	return wrap("put record", err)
}

func (s *Store) Update(ctx context.Context, rec *memory.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	ok, err := s.client.SetXX(ctx, s.recordKey(rec.ID), data, 0).Result()
	if err != nil {
		return wrap("update record", err)
	}
	if !ok {
		return fmt.Errorf("update %s: %w", rec.ID, memory.ErrNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get record", err)
	}
	return decode(id, data)
}

func decode(id string, data []byte) (*memory.Record, error) {
	var rec memory.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode record %s: %w", memory.ErrTamperedOrCorrupted, id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("%w: key %s holds record %s", memory.ErrTamperedOrCorrupted, id, rec.ID)
	}
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return false, nil
	}
	scope := ""
	if err == nil {
		scope = rec.OwnerScope
	} else if !errors.Is(err, memory.ErrTamperedOrCorrupted) {
		return false, err
	}

	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.recordKey(id))
		if scope != "" {
			p.SRem(ctx, s.scopeKey(scope), id)
		}
		p.SRem(ctx, s.idsKey(), id)
		return nil
	})
	if err != nil {
		return false, wrap("delete record", err)
	}
	return del.Val() > 0, nil
}

func (s *Store) ListByScope(ctx context.Context, ownerScope string, filter memory.Filter) ([]*memory.Record, error) {
	ids, err := s.client.SMembers(ctx, s.scopeKey(ownerScope)).Result()
	if err != nil {
		return nil, wrap("list scope", err)
	}
	filter.OwnerScope = ownerScope

	var out []*memory.Record
	err = s.load(ctx, ids, func(rec *memory.Record) error {
		if filter.MatchesRecord(rec) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Scan walks the ID set in batches.
func (s *Store) Scan(ctx context.Context, fn func(*memory.Record) error) error {
	const batch = 100
	iter := s.client.SScan(ctx, s.idsKey(), 0, "", batch).Iterator()
	ids := make([]string, 0, batch)
	flush := func() error {
		err := s.load(ctx, ids, fn)
		ids = ids[:0]
		return err
	}
	for iter.Next(ctx) {
		ids = append(ids, iter.Val())
		if len(ids) == batch {
			if err := flush(); err != nil {
				return stopped(err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return wrap("scan ids", err)
	}
	return stopped(flush())
}

// load fetches ids with MGET and calls fn for each decodable record.
func (s *Store) load(ctx context.Context, ids []string, fn func(*memory.Record) error) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return wrap("load records", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted since the ID was listed.
			continue
		}
		rec, err := decode(ids[i], []byte(str))
		if err != nil {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func stopped(err error) error {
	if errors.Is(err, memory.ErrStopScan) {
		return nil
	}
	return err
}

// Close closes the connection when the store opened it.
func (s *Store) Close() error {
	if !s.isOwner {
		return nil
	}
	return s.client.Close()
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, memory.Unavailable(err))
}
