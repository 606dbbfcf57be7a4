// Package cachestore is the persistent key/value cache of synchronized
// entities. Each record holds a payload with the time it was stored, and a
// read never fails: missing, unreadable or corrupt records are reported as
// absent.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/telemetry"
)

// errNotFound is returned by records drivers for a missing key.
var errNotFound = errors.New("record not found")

// Entry is a cached payload with its freshness timestamp.
type Entry struct {
	Key      string
	Payload  []byte
	StoredAt time.Time
	Digest   medsync.Digest
}

// Decode unmarshals the JSON payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Stats summarises the cache contents.
type Stats struct {
	Entries      int       `json:"entries"`
	Corrupt      int       `json:"corrupt"`
	StoredBytes  int64     `json:"stored_bytes"`
	PayloadBytes int64     `json:"payload_bytes"`
	Oldest       time.Time `json:"oldest,omitzero"`
	Newest       time.Time `json:"newest,omitzero"`
}

// Store is the contract the synchronizer consumes.
type Store interface {
	// Get returns the entry at key. Missing and corrupt entries are absent.
	Get(ctx context.Context, key string) (Entry, bool)
	// Set stores payload at key with StoredAt set to now.
	Set(ctx context.Context, key string, payload []byte) (Entry, error)
	// Remove deletes key. Removing a missing key succeeds.
	Remove(ctx context.Context, key string) error
	// Keys lists stored keys that start with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Stats summarises the stored entries.
	Stats(ctx context.Context) (Stats, error)
}

// records is the raw byte storage under a Cache.
type records interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
	close() error
}

// Cache implements Store over a records driver.
type Cache struct {
	records records
	codec   *codec
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithNoSync disables fsync per bolt transaction.
// Use only for tests; a crash may lose recent writes.
func WithNoSync(noSync bool) Option {
	return func(c *Cache) {
		c.noSync = noSync
	}
}

func newCache(opts []Option) (*Cache, error) {
	c := &Cache{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	codec, err := newCodec()
	if err != nil {
		return nil, err
	}
	c.codec = codec
	c.logger = c.logger.With("component", "cachestore")
	return c, nil
}

// Open opens a cache using the named driver: "bolt" treats path as the
// database file, "fs" treats it as the record directory.
func Open(driver, path string, opts ...Option) (*Cache, error) {
	switch driver {
	case "bolt", "":
		return OpenBolt(path, opts...)
	case "fs":
		return OpenFilesystem(path, opts...)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", driver)
	}
}

// Get implements Store.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	kind := kindOf(key)

	raw, err := c.records.get(ctx, key)
	if err != nil {
		if errors.Is(err, errNotFound) {
			telemetry.RecordCacheLookup(ctx, kind, "miss")
			return Entry{}, false
		}
		c.ioError(ctx, "read failed", key, err)
		telemetry.RecordCacheLookup(ctx, kind, "error")
		return Entry{}, false
	}

	env, err := unmarshalEnvelope(raw)
	if err == nil {
		var payload []byte
		if payload, err = c.codec.open(env); err == nil {
			telemetry.RecordCacheLookup(ctx, kind, "hit")
			return Entry{
				Key:      key,
				Payload:  payload,
				StoredAt: env.storedAt(),
				Digest:   env.Digest,
			}, true
		}
	}

	c.ioError(ctx, "corrupt record treated as absent", key, err)
	telemetry.RecordCacheLookup(ctx, kind, "corrupt")
	return Entry{}, false
}

// Set implements Store.
func (c *Cache) Set(ctx context.Context, key string, payload []byte) (Entry, error) {
	kind := kindOf(key)
	storedAt := c.now().Truncate(time.Millisecond)

	env, err := c.codec.seal(payload, storedAt)
	if err != nil {
		telemetry.RecordCacheWrite(ctx, kind, "error", 0)
		return Entry{}, medsync.NewError(medsync.CodeCacheIO, "cachestore.Set", err)
	}

	if err := c.records.put(ctx, key, marshalEnvelope(env)); err != nil {
		telemetry.RecordCacheWrite(ctx, kind, "error", 0)
		return Entry{}, medsync.NewError(medsync.CodeCacheIO, "cachestore.Set", err)
	}

	telemetry.RecordCacheWrite(ctx, kind, "success", int64(len(payload)))
	c.logger.Debug("stored entry",
		"cache_key", key,
		"size", len(payload),
		"encoding", env.Encoding.String(),
		"digest", env.Digest.ShortString(),
	)
	return Entry{Key: key, Payload: payload, StoredAt: storedAt, Digest: env.Digest}, nil
}

// Remove implements Store.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.records.del(ctx, key); err != nil {
		return medsync.NewError(medsync.CodeCacheIO, "cachestore.Remove", err)
	}
	c.logger.Debug("removed entry", "cache_key", key)
	return nil
}

// Keys implements Store.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := c.records.list(ctx, prefix)
	if err != nil {
		return nil, medsync.NewError(medsync.CodeCacheIO, "cachestore.Keys", err)
	}
	return keys, nil
}

// Stats implements Store. Payloads are not decompressed.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.Keys(ctx, "")
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, key := range keys {
		raw, err := c.records.get(ctx, key)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return Stats{}, medsync.NewError(medsync.CodeCacheIO, "cachestore.Stats", err)
		}
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			st.Corrupt++
			continue
		}
		st.Entries++
		st.StoredBytes += int64(len(raw))
		st.PayloadBytes += int64(env.Size)
		at := env.storedAt()
		if st.Oldest.IsZero() || at.Before(st.Oldest) {
			st.Oldest = at
		}
		if at.After(st.Newest) {
			st.Newest = at
		}
	}
	return st, nil
}

// Close releases the driver and codec.
func (c *Cache) Close() error {
	c.codec.close()
	return c.records.close()
}

func (c *Cache) ioError(ctx context.Context, msg, key string, err error) {
	c.logger.WarnContext(ctx, msg,
		"code", string(medsync.CodeCacheIO),
		"cache_key", key,
		"error", err,
	)
}

func kindOf(key string) string {
	if kind, _, ok := medsync.ParseKey(key); ok {
		return string(kind)
	}
	return "unknown"
}

// Load reads and decodes the JSON entry at key into a T.
// A payload that does not decode is treated as absent.
func Load[T any](ctx context.Context, s Store, key string) (T, time.Time, bool) {
	var v T
	entry, ok := s.Get(ctx, key)
	if !ok {
		return v, time.Time{}, false
	}
	if err := entry.Decode(&v); err != nil {
		var zero T
		return zero, time.Time{}, false
	}
	return v, entry.StoredAt, true
}

// Save encodes v as JSON and stores it at key.
func Save[T any](ctx context.Context, s Store, key string, v T) (Entry, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Entry{}, medsync.NewError(medsync.CodeCacheIO, "cachestore.Save", err)
	}
	return s.Set(ctx, key, payload)
}

var _ Store = (*Cache)(nil)
