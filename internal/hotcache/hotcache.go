// Package hotcache keeps the current value of every metric in Redis,
// keyed by the JSON identity document. The cache survives Mantle
// restarts and is shared with external writers; keyspace notifications
// turn their writes into metric updates.
package hotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/sparkplug"
)

// Entry is the cached document stored per metric.
type Entry struct {
	Value     string `json:"value"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// TypedValue interprets the stringified value through the entry's
// declared type, for rebuilding the topology from cache contents.
func (e Entry) TypedValue() sparkplug.Value {
	if e.Value == "" {
		return sparkplug.NullValue()
	}
	switch sparkplug.ColumnFor(e.Type) {
	case sparkplug.ColumnInt:
		if n, err := strconv.ParseInt(e.Value, 10, 64); err == nil {
			return sparkplug.IntValue(n)
		}
	case sparkplug.ColumnFloat:
		if f, err := strconv.ParseFloat(e.Value, 64); err == nil {
			return sparkplug.FloatValue(f)
		}
	case sparkplug.ColumnBool:
		if b, err := strconv.ParseBool(e.Value); err == nil {
			return sparkplug.BoolValue(b)
		}
	}
	return sparkplug.StringValue(e.Value)
}

// KeyedEntry pairs an entry with its identity, used when rebuilding the
// in-memory hierarchy after a restart.
type KeyedEntry struct {
	Identity identity.Identity
	Entry    Entry
}

// Cache wraps the Redis client. A nil *Cache is a valid no-op cache, so
// callers never branch on whether Redis is configured.
type Cache struct {
	client *redis.Client

	mu      sync.Mutex
	pending map[string]struct{}
}

// Connect dials Redis with a bounded retry loop and enables keyspace
// event notifications. Notification setup is best effort; managed Redis
// deployments often lock the config down.
func Connect(ctx context.Context, url string, maxRetries int, retryDelay time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	for attempt := 1; ; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			break
		}
		if attempt >= maxRetries {
			client.Close()
			return nil, fmt.Errorf("connect redis after %d attempts: %w", attempt, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Redis not reachable, retrying")
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		}
	}

	if err := client.ConfigSet(ctx, "notify-keyspace-events", "KEA").Err(); err != nil {
		log.Debug().Err(err).Msg("Could not enable keyspace notifications")
	}
	log.Info().Str("addr", opts.Addr).Msg("Connected to hot cache")
	return &Cache{client: client, pending: map[string]struct{}{}}, nil
}

// Close releases the client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Set stores the current value for a metric.
func (c *Cache) Set(ctx context.Context, id identity.Identity, e Entry) error {
	if c == nil {
		return nil
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, id.CacheKey(), doc, 0).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", id.Key(), err)
	}
	return nil
}

// Get returns the cached entry for a metric, with ok=false on a miss.
func (c *Cache) Get(ctx context.Context, id identity.Identity) (Entry, bool, error) {
	if c == nil {
		return Entry{}, false, nil
	}
	doc, err := c.client.Get(ctx, id.CacheKey()).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache get %s: %w", id.Key(), err)
	}
	var e Entry
	if err := json.Unmarshal(doc, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry %s: %w", id.Key(), err)
	}
	return e, true, nil
}

// DeleteByScope removes every cached metric under the scope prefix.
func (c *Cache) DeleteByScope(ctx context.Context, sc identity.Scope) error {
	if c == nil {
		return nil
	}
	var batch []string
	iter := c.client.Scan(ctx, 0, "*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id, err := identity.ParseCacheKey(key)
		if err != nil {
			continue
		}
		if sc.Contains(id) {
			batch = append(batch, key)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, batch...).Err(); err != nil {
		return fmt.Errorf("delete cached metrics: %w", err)
	}
	return nil
}

// Hierarchy returns every cached metric, used to rebuild the in-memory
// tree on startup. Keys that do not parse as identities are skipped;
// the cache may hold unrelated keys on a shared instance.
func (c *Cache) Hierarchy(ctx context.Context) ([]KeyedEntry, error) {
	if c == nil {
		return nil, nil
	}
	var out []KeyedEntry
	iter := c.client.Scan(ctx, 0, "*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id, err := identity.ParseCacheKey(key)
		if err != nil {
			continue
		}
		doc, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("cache get %s: %w", key, err)
		}
		var e Entry
		if err := json.Unmarshal(doc, &e); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("Skipping malformed cache entry")
			continue
		}
		out = append(out, KeyedEntry{Identity: id, Entry: e})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}
	return out, nil
}

// Watch subscribes to keyspace set events and reports externally written
// entries through apply. Events are drained once per second so bursts of
// writes to the same key coalesce into one update. Returns when ctx is
// cancelled.
func (c *Cache) Watch(ctx context.Context, apply func(identity.Identity, Entry)) {
	if c == nil {
		return
	}
	sub := c.client.PSubscribe(ctx, "__keyevent@*__:set")
	defer sub.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	events := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if !strings.HasSuffix(msg.Channel, ":set") {
				continue
			}
			c.mu.Lock()
			c.pending[msg.Payload] = struct{}{}
			c.mu.Unlock()
		case <-ticker.C:
			c.drain(ctx, apply)
		}
	}
}

func (c *Cache) drain(ctx context.Context, apply func(identity.Identity, Entry)) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.pending = map[string]struct{}{}
	c.mu.Unlock()

	for _, key := range keys {
		id, err := identity.ParseCacheKey(key)
		if err != nil {
			continue
		}
		doc, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(doc, &e); err != nil {
			continue
		}
		apply(id, e)
	}
}
