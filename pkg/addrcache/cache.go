// Package addrcache resolves (rank, tag) pairs to transport endpoints for one
// group. Entries are filled lazily from an out-of-band lookup, evicted least
// recently used, and dropped eagerly when their rank is declared dead.
package addrcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

const (
	DefaultCapacity      = 1024
	DefaultLookupTimeout = 5 * time.Second
)

type Key struct {
	Rank gossip.Rank
	Tag  uint32
}

// Lookup performs the out-of-band address resolution, usually against the
// group directory.
type Lookup interface {
	LookupAddress(ctx context.Context, group string, rank gossip.Rank, tag uint32) (string, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, group string, rank gossip.Rank, tag uint32) (string, error)

func (f LookupFunc) LookupAddress(ctx context.Context, group string, rank gossip.Rank, tag uint32) (string, error) {
	return f(ctx, group, rank, tag)
}

type entry struct {
	key      Key
	endpoint string
	fresh    bool
}

// Cache is a bounded LRU of resolved endpoints. Concurrent misses for the same
// key share one lookup.
type Cache struct {
	mu      sync.Mutex
	data    map[Key]*list.Element
	ll      *list.List
	cap     int
	gens    map[gossip.Rank]uint64 // bumped on invalidation
	pending map[Key]int            // callers waiting on a lookup

	group         string
	lookup        Lookup
	lookupTimeout time.Duration
	flight        singleflight.Group
	evictable     func(gossip.Rank) bool
	logger        *zap.Logger
}

func New(group string, capacity int, lookup Lookup, logger *zap.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		data:          make(map[Key]*list.Element),
		ll:            list.New(),
		cap:           capacity,
		gens:          make(map[gossip.Rank]uint64),
		pending:       make(map[Key]int),
		group:         group,
		lookup:        lookup,
		lookupTimeout: DefaultLookupTimeout,
		logger:        logger.With(zap.String("group", group)),
	}
}

// Resolve returns the endpoint for (rank, tag), looking it up when the cache
// holds no fresh entry. Failures wrap ErrUnreachable, or ErrTimeout when ctx
// expires first.
func (c *Cache) Resolve(ctx context.Context, rank gossip.Rank, tag uint32) (string, error) {
	key := Key{Rank: rank, Tag: tag}

	c.mu.Lock()
	if el, ok := c.data[key]; ok {
		e := el.Value.(*entry)
		if e.fresh {
			c.ll.MoveToFront(el)
			endpoint := e.endpoint
			c.mu.Unlock()
			telemetry.AddrLookups.WithLabelValues("hit").Inc()
			return endpoint, nil
		}
	}
	// joining the flight under the lock means a caller either sees the entry
	// stored by a finished lookup or shares the running one
	gen := c.gens[rank]
	c.pending[key]++
	ch := c.flight.DoChan(fmt.Sprintf("%d/%d/%d", rank, tag, gen), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
		defer cancel()

		endpoint, err := c.lookup.LookupAddress(lctx, c.group, rank, tag)
		if err != nil {
			return "", err
		}
		c.store(key, gen, endpoint)
		return endpoint, nil
	})
	c.mu.Unlock()
	telemetry.AddrLookups.WithLabelValues("miss").Inc()

	defer func() {
		c.mu.Lock()
		if c.pending[key]--; c.pending[key] <= 0 {
			delete(c.pending, key)
		}
		c.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if res.Err != nil {
			telemetry.AddrLookups.WithLabelValues("error").Inc()
			c.logger.Debug("address lookup failed",
				zap.Stringer("target", rank), zap.Uint32("tag", tag), zap.Error(res.Err))
			return "", fmt.Errorf("resolve rank %d tag %d: %w: %w", rank, tag, zerrors.ErrUnreachable, res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("resolve rank %d tag %d: %w: %w", rank, tag, zerrors.ErrTimeout, ctx.Err())
	}
}

// store inserts a looked-up endpoint unless the rank was invalidated while
// the lookup was running.
func (c *Cache) store(key Key, gen uint64, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key.Rank] != gen {
		return
	}
	if el, ok := c.data[key]; ok {
		e := el.Value.(*entry)
		e.endpoint = endpoint
		e.fresh = true
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{key: key, endpoint: endpoint, fresh: true})
	c.data[key] = el
	c.evictIfNeeded()
}

// Invalidate drops every entry of rank and discards lookups still in flight
// for it.
func (c *Cache) Invalidate(rank gossip.Rank) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[rank]++
	for key, el := range c.data {
		if key.Rank == rank {
			c.removeElement(el)
			telemetry.AddrEvictions.WithLabelValues("dead").Inc()
		}
	}
}

// MarkStale flags an entry the transport could not use; the next Resolve
// looks it up again.
func (c *Cache) MarkStale(rank gossip.Rank, tag uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.data[Key{Rank: rank, Tag: tag}]; ok {
		el.Value.(*entry).fresh = false
		telemetry.AddrEvictions.WithLabelValues("stale").Inc()
	}
}

// OnMemberEvent is a membership listener that invalidates ranks declared dead.
func (c *Cache) OnMemberEvent(ev gossip.Event) {
	if ev.DeadTransition() && ev.Member.Status == gossip.StatusDead {
		c.logger.Debug("invalidating addresses of dead rank", zap.Stringer("target", ev.Member.Rank))
		c.Invalidate(ev.Member.Rank)
	}
}

// SetEvictable limits LRU eviction to entries of ranks fn accepts, typically
// the ranks the membership table holds Alive. fn runs under the cache lock.
func (c *Cache) SetEvictable(fn func(gossip.Rank) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictable = fn
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// evictIfNeeded drops least recently used entries, skipping keys that
// callers are still resolving and ranks that are not evictable. The cache
// may stay over capacity when nothing else is left.
func (c *Cache) evictIfNeeded() {
	el := c.ll.Back()
	for len(c.data) > c.cap && el != nil {
		prev := el.Prev()
		key := el.Value.(*entry).key
		if c.pending[key] == 0 && (c.evictable == nil || c.evictable(key.Rank)) {
			c.removeElement(el)
			telemetry.AddrEvictions.WithLabelValues("lru").Inc()
		}
		el = prev
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.data, e.key)
	c.ll.Remove(el)
}
