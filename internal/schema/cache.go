package schema

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ToolDescriptor is the immutable descriptor of one downstream tool, keyed by
// its fully-qualified name (triple: prefix, downstream-server name, bare
// tool name, joined as "<server>.<tool>" by convention).
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

// Clone returns a deep copy so callers can freely mutate their copy without
// affecting the cached descriptor (ToolDescriptor is otherwise shared by
// reference per the data model).
func (d *ToolDescriptor) Clone() *ToolDescriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.InputSchema = append(json.RawMessage(nil), d.InputSchema...)
	return &out
}

// Fetcher fetches a fresh descriptor from the downstream pool (C8). It is
// implemented by the downstream client pool.
type Fetcher interface {
	FetchToolSchema(ctx context.Context, name string) (*ToolDescriptor, error)
}

type cacheEntry struct {
	descriptor *ToolDescriptor
	expiresAt  time.Time
	elem       *list.Element // position in the LRU list
}

// Cache is the TTL+LRU descriptor cache (C5). A single in-flight fetch per
// tool name is enforced by golang.org/x/sync/singleflight, which is exactly
// the "first caller computes, others await the same future" pattern the
// design calls for.
type Cache struct {
	fetcher Fetcher
	maxSize int
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used

	group singleflight.Group

	diskMu   sync.Mutex // disk-write: serializes persistence
	diskPath string

	logger func(msg string, keyvals ...any)

	now func() time.Time
}

// Config configures a Cache.
type Config struct {
	MaxSize  int
	TTL      time.Duration
	DiskPath string
	// Logger receives warnings, e.g. stale-on-error fallback or corrupt disk
	// cache on load. Optional.
	Logger func(msg string, keyvals ...any)
}

// NewCache constructs a Cache backed by fetcher. It does not load the disk
// snapshot; call LoadFromDisk explicitly during startup.
func NewCache(fetcher Fetcher, cfg Config) *Cache {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &Cache{
		fetcher:  fetcher,
		maxSize:  maxSize,
		ttl:      ttl,
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		diskPath: cfg.DiskPath,
		logger:   logger,
		now:      time.Now,
	}
}

// GetToolSchema returns the descriptor for name, fetching it via the
// configured Fetcher on a cache miss or TTL expiry. Concurrent callers for
// the same name share exactly one fetch.
func (c *Cache) GetToolSchema(ctx context.Context, name string) (*ToolDescriptor, error) {
	if d, ok := c.lookupFresh(name); ok {
		return d, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the entry while we were waiting to enter Do.
		if d, ok := c.lookupFresh(name); ok {
			return d, nil
		}
		descriptor, ferr := c.fetcher.FetchToolSchema(ctx, name)
		if ferr != nil {
			if stale, ok := c.lookupStale(name); ok {
				c.logger("schema cache: stale-on-error", "tool", name, "error", ferr.Error())
				return stale, nil
			}
			return nil, ferr
		}
		descriptor.FetchedAt = c.now()
		c.store(name, descriptor)
		return descriptor, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ToolDescriptor).Clone(), nil
}

// ListAllToolSchemas returns a snapshot of every live, non-expired
// descriptor currently cached.
func (c *Cache) ListAllToolSchemas() []*ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]*ToolDescriptor, 0, len(c.entries))
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			out = append(out, e.descriptor.Clone())
		}
	}
	return out
}

// Clear removes every cached descriptor.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lru = list.New()
}

// Invalidate removes a single cached descriptor, forcing the next
// GetToolSchema call for name to fetch fresh.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, name)
	}
}

func (c *Cache) lookupFresh(name string) (*ToolDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e.descriptor.Clone(), true
}

func (c *Cache) lookupStale(name string) (*ToolDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	return e.descriptor.Clone(), true
}

func (c *Cache) store(name string, descriptor *ToolDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.descriptor = descriptor
		e.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(e.elem)
		return
	}
	elem := c.lru.PushFront(name)
	c.entries[name] = &cacheEntry{
		descriptor: descriptor,
		expiresAt:  c.now().Add(c.ttl),
		elem:       elem,
	}
	c.evictIfOverCapacityLocked()
}

func (c *Cache) evictIfOverCapacityLocked() {
	for len(c.entries) > c.maxSize {
		back := c.lru.Back()
		if back == nil {
			return
		}
		name := back.Value.(string)
		c.lru.Remove(back)
		delete(c.entries, name)
	}
}

// diskSnapshot is the JSON envelope persisted to <state-dir>/schema-cache.json.
type diskSnapshot struct {
	Entries map[string]diskEntry `json:"entries"`
}

type diskEntry struct {
	Descriptor *ToolDescriptor `json:"descriptor"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// PersistToDisk writes the current cache contents to diskPath, serialized
// through a dedicated mutex so concurrent callers (e.g. a periodic
// checkpoint and a shutdown-time flush) never interleave writes.
func (c *Cache) PersistToDisk() error {
	if c.diskPath == "" {
		return nil
	}
	snapshot := diskSnapshot{Entries: make(map[string]diskEntry)}
	c.mu.Lock()
	for name, e := range c.entries {
		snapshot.Entries[name] = diskEntry{Descriptor: e.descriptor, FetchedAt: e.descriptor.FetchedAt}
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("schema cache: marshal snapshot: %w", err)
	}

	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	tmp := c.diskPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.diskPath), 0o755); err != nil {
		return fmt.Errorf("schema cache: create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("schema cache: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.diskPath); err != nil {
		return fmt.Errorf("schema cache: rename snapshot into place: %w", err)
	}
	return nil
}

// LoadFromDisk best-effort loads a previously persisted snapshot. A missing
// or corrupt file is not an error: the cache simply starts empty and a
// warning is logged, per the design's startup semantics.
func (c *Cache) LoadFromDisk() {
	if c.diskPath == "" {
		return
	}
	c.diskMu.Lock()
	data, err := os.ReadFile(c.diskPath)
	c.diskMu.Unlock()
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger("schema cache: failed to read disk snapshot, starting empty", "error", err.Error())
		}
		return
	}

	var snapshot diskSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.logger("schema cache: corrupt disk snapshot, starting empty", "error", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for name, e := range snapshot.Entries {
		if e.Descriptor == nil {
			continue
		}
		expiresAt := e.FetchedAt.Add(c.ttl)
		if !now.Before(expiresAt) {
			// Stale past TTL: skip rather than serve an expired descriptor,
			// per the design's "stale entries past TTL are refetched".
			continue
		}
		elem := c.lru.PushFront(name)
		c.entries[name] = &cacheEntry{descriptor: e.Descriptor, expiresAt: expiresAt, elem: elem}
	}
	c.evictIfOverCapacityLocked()
}
