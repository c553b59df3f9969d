package partial

import (
	"fmt"
	"sync"
	"time"
)

const defaultEntryTTL = 30 * time.Minute

// Key identifies one in-flight optimization: the owning user, the CV, and
// the fingerprint of the job description it was launched with.
type Key struct {
	UserID      string
	CVID        uint
	Fingerprint string
}

// String renders the composite cache key.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.UserID, k.CVID, k.Fingerprint)
}

// Snapshot is the ephemeral progress view published by the runner before it
// is durably persisted. Lost on restart; never written back to the store.
type Snapshot struct {
	Progress      int
	State         string
	StageLabel    string
	OptimizedText string
	UpdatedAt     time.Time
}

type entry struct {
	snapshot   Snapshot
	generation uint64
	timer      *time.Timer
}

// Cache is a process-local key/value store with a per-entry TTL. Eviction is
// pure TTL driven by a timer per entry; reads do not extend lifetimes. It is
// not shared across processes, so a horizontally scaled deployment degrades
// to "no partial results yet" on instances that did not run the job.
type Cache struct {
	mu         sync.Mutex
	entries    map[Key]*entry
	defaultTTL time.Duration
	generation uint64
}

// NewCache constructs a Cache. A non-positive ttl falls back to 30 minutes.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	return &Cache{
		entries:    make(map[Key]*entry),
		defaultTTL: ttl,
	}
}

// Put stores or overwrites the snapshot for key and restarts its TTL clock.
func (c *Cache) Put(key Key, snapshot Snapshot) {
	c.PutWithTTL(key, snapshot, c.defaultTTL)
}

// PutWithTTL stores the snapshot with an explicit time-to-live.
func (c *Cache) PutWithTTL(key Key, snapshot Snapshot, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		existing.timer.Stop()
	}

	c.generation++
	generation := c.generation
	stored := &entry{snapshot: snapshot, generation: generation}
	stored.timer = time.AfterFunc(ttl, func() {
		c.expire(key, generation)
	})
	c.entries[key] = stored
}

// Get returns the snapshot for key, reporting absence after expiry or removal.
func (c *Cache) Get(key Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return stored.snapshot, true
}

// Remove deletes the entry for key, if present, and stops its timer.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stored, ok := c.entries[key]; ok {
		stored.timer.Stop()
		delete(c.entries, key)
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expire removes the entry only if it still belongs to the generation the
// timer was armed for; an overwrite that raced the timer keeps the newer entry.
func (c *Cache) expire(key Key, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.entries[key]
	if !ok || stored.generation != generation {
		return
	}
	delete(c.entries, key)
}
