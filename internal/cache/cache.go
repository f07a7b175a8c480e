// Package cache keeps per-item fetch results across a collection session and,
// when asked, across sessions.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// Entry is one cached fetch result.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Backend persists named caches. Save receives the complete entry set for a
// name and must apply it atomically.
type Backend interface {
	Load(ctx context.Context, name string) (map[string]Entry, error)
	Save(ctx context.Context, name string, entries map[string]Entry) error
	Stats(ctx context.Context) (map[string]int, error)
	Clear(ctx context.Context, name string) (int, error)
	Close() error
}

// Cache is an in-memory key -> Entry map loaded from a Backend at session
// start and flushed back at session end. Entries loaded from disk are only
// served when reuse was requested; entries written during this session are
// always served.
type Cache struct {
	backend Backend
	name    string
	reuse   bool

	mu        sync.RWMutex
	persisted map[string]Entry
	fresh     map[string]Entry

	hits   atomic.Int64
	misses atomic.Int64
	log    *zap.Logger
}

// Open loads the named cache. A load failure still returns a usable empty
// cache together with the error so the caller can record a warning and fall
// back to fetching everything.
func Open(ctx context.Context, backend Backend, name string, reuse bool) (*Cache, error) {
	c := &Cache{
		backend:   backend,
		name:      name,
		reuse:     reuse,
		persisted: map[string]Entry{},
		fresh:     map[string]Entry{},
		log:       zap.L().With(zap.String("component", "cache"), zap.String("cache", name)),
	}
	if backend == nil {
		return c, nil
	}

	loaded, err := backend.Load(ctx, name)
	if err != nil {
		c.log.Warn("cache load failed, starting empty", zap.Error(err))
		return c, eris.Wrapf(err, "cache: load %s", name)
	}
	if loaded != nil {
		c.persisted = loaded
	}
	c.log.Debug("cache loaded", zap.Int("entries", len(c.persisted)), zap.Bool("reuse", reuse))
	return c, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Get looks up a key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.fresh[key]
	if !ok && c.reuse {
		e, ok = c.persisted[key]
	}
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Put stores a payload under key.
func (c *Cache) Put(key string, payload json.RawMessage) {
	e := Entry{Payload: payload, FetchedAt: time.Now().UTC()}
	c.mu.Lock()
	c.fresh[key] = e
	c.mu.Unlock()
}

// GetRecords returns the records cached under key. An undecodable payload is
// treated as a miss.
func (c *Cache) GetRecords(key string) ([]model.Record, bool) {
	e, ok := c.Get(key)
	if !ok {
		return nil, false
	}
	var recs []model.Record
	if err := json.Unmarshal(e.Payload, &recs); err != nil {
		c.log.Debug("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return recs, true
}

// PutRecords caches records under key.
func (c *Cache) PutRecords(key string, recs []model.Record) error {
	if recs == nil {
		recs = []model.Record{}
	}
	payload, err := json.Marshal(recs)
	if err != nil {
		return eris.Wrapf(err, "cache: encode %s", key)
	}
	c.Put(key, payload)
	return nil
}

// Len returns the number of entries that Get can currently serve.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.reuse {
		return len(c.fresh)
	}
	n := len(c.fresh)
	for k := range c.persisted {
		if _, ok := c.fresh[k]; !ok {
			n++
		}
	}
	return n
}

// Hits returns the number of Get calls that found an entry.
func (c *Cache) Hits() int64 { return c.hits.Load() }

// Misses returns the number of Get calls that did not.
func (c *Cache) Misses() int64 { return c.misses.Load() }

// Flush persists persisted and fresh entries together, fresh winning. It is a
// no-op when nothing was written this session.
func (c *Cache) Flush(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}

	c.mu.RLock()
	if len(c.fresh) == 0 {
		c.mu.RUnlock()
		return nil
	}
	merged := make(map[string]Entry, len(c.persisted)+len(c.fresh))
	for k, e := range c.persisted {
		merged[k] = e
	}
	for k, e := range c.fresh {
		merged[k] = e
	}
	c.mu.RUnlock()

	if err := c.backend.Save(ctx, c.name, merged); err != nil {
		return eris.Wrapf(err, "cache: flush %s", c.name)
	}
	c.log.Debug("cache flushed", zap.Int("entries", len(merged)))
	return nil
}

// Key builds the cache key for an item fetched with the given params. Items
// fetched without a date range are keyed by item alone.
func Key(item model.WorkItem, p model.QueryParams) string {
	if !p.HasRange() {
		return item.Key()
	}
	return item.Key() + "@" + p.RangeKey()
}
