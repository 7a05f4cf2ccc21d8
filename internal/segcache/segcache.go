// Package segcache holds recently accepted samples in memory so that they can
// be re-served or retried without re-extraction.
//
// The cache enforces a byte ceiling by evicting the oldest entries first and
// drops entries older than a TTL, both lazily on access and from a periodic
// sweep.
package segcache

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicesift/internal/sched"
	"github.com/MrWong99/voicesift/pkg/types"
)

// Defaults for [Config].
const (
	DefaultMaxBytes      = 100 << 20
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Config holds the cache limits.
type Config struct {
	// MaxBytes caps the sum of cached payload sizes.
	MaxBytes int64

	// TTL is how long an entry stays valid after Put.
	TTL time.Duration

	// SweepInterval is the period of the expiry sweep. Zero disables the
	// sweep; expired entries are then only dropped on access.
	SweepInterval time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{MaxBytes: DefaultMaxBytes, TTL: DefaultTTL, SweepInterval: DefaultSweepInterval}
}

// Validate reports invalid limits.
func (c Config) Validate() error {
	var errs []error
	if c.MaxBytes <= 0 {
		errs = append(errs, errors.New("segcache: max bytes must be positive"))
	}
	if c.TTL <= 0 {
		errs = append(errs, errors.New("segcache: ttl must be positive"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("segcache: sweep interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Option configures a [Cache].
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type entry struct {
	seg       *types.ExtractedSegment
	size      int64
	expiresAt time.Time
}

// Cache is a byte-bounded, TTL-limited map of extracted segments keyed by
// segment ID. It is safe for concurrent use.
type Cache struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List
	bytes  int64
	closed bool

	sweep *sched.Task
}

// New creates a Cache and starts its sweep.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:   cfg,
		now:   time.Now,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
	for _, o := range opts {
		o(c)
	}
	c.sweep = sched.Every("segcache-sweep", cfg.SweepInterval, func(time.Time) { c.Sweep() })
	return c, nil
}

// Put stores seg under seg.ID, replacing any earlier entry, and evicts the
// oldest entries until the byte ceiling holds. A segment larger than the
// whole ceiling is not cached and Put returns false.
func (c *Cache) Put(seg *types.ExtractedSegment) bool {
	size := int64(len(seg.Payload))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || size > c.cfg.MaxBytes {
		return false
	}
	if el, ok := c.items[seg.ID]; ok {
		c.removeLocked(el)
	}
	evicted := 0
	for c.bytes+size > c.cfg.MaxBytes {
		c.removeLocked(c.order.Front())
		evicted++
	}
	if evicted > 0 {
		slog.Debug("segcache: evicted oldest entries", "count", evicted, "bytes", c.bytes)
	}
	c.items[seg.ID] = c.order.PushBack(&entry{
		seg:       seg,
		size:      size,
		expiresAt: c.now().Add(c.cfg.TTL),
	})
	c.bytes += size
	return true
}

// Get returns the segment stored under id if it has not expired.
func (c *Cache) Get(id string) (*types.ExtractedSegment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}
	return e.seg, true
}

// Delete removes id and reports whether it was present.
func (c *Cache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// Len returns the number of cached entries, expired ones included until
// they are swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the sum of cached payload sizes.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	// Entries are in insertion order and share one TTL, so expiry is
	// monotonic along the list.
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Before(el.Value.(*entry).expiresAt) {
			break
		}
		c.removeLocked(el)
		removed++
	}
	if removed > 0 {
		slog.Debug("segcache: swept expired entries", "count", removed)
	}
	return removed
}

// Close stops the sweep and empties the cache. Safe to call more than once.
func (c *Cache) Close() {
	c.sweep.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.items)
	c.order.Init()
	c.bytes = 0
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.seg.ID)
	c.bytes -= e.size
}
