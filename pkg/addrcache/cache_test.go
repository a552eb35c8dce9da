package addrcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// directory is a test Lookup backed by a map, counting calls per key.
type directory struct {
	mu    sync.Mutex
	addrs map[Key]string
	calls map[Key]int
	gate  chan struct{} // when set, lookups block until it is closed
	gates map[Key]chan struct{}
}

func newDirectory() *directory {
	return &directory{addrs: map[Key]string{}, calls: map[Key]int{}, gates: map[Key]chan struct{}{}}
}

func (d *directory) set(r gossip.Rank, tag uint32, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[Key{r, tag}] = addr
}

func (d *directory) callsFor(r gossip.Rank, tag uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[Key{r, tag}]
}

func (d *directory) LookupAddress(ctx context.Context, _ string, r gossip.Rank, tag uint32) (string, error) {
	d.mu.Lock()
	d.calls[Key{r, tag}]++
	gate := d.gate
	if g, ok := d.gates[Key{r, tag}]; ok {
		gate = g
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.addrs[Key{r, tag}]
	if !ok {
		return "", zerrors.ErrNotFound
	}
	return addr, nil
}

func TestResolveHitAfterMiss(t *testing.T) {
	dir := newDirectory()
	dir.set(1, 0, "10.0.0.1:7000")
	dir.set(2, 0, "10.0.0.2:7000")
	c := New("primary", 16, dir, nil)

	for range 3 {
		for r, want := range map[gossip.Rank]string{1: "10.0.0.1:7000", 2: "10.0.0.2:7000"} {
			got, err := c.Resolve(context.Background(), r, 0)
			if err != nil {
				t.Fatalf("Resolve(%d) error: %v", r, err)
			}
			if got != want {
				t.Fatalf("Resolve(%d) = %q, want %q", r, got, want)
			}
		}
	}

	if n := dir.callsFor(1, 0); n != 1 {
		t.Fatalf("lookups for rank 1 = %d, want 1", n)
	}
	if got := c.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}

func TestTagsAreSeparateEntries(t *testing.T) {
	dir := newDirectory()
	dir.set(1, 0, "a:1")
	dir.set(1, 1, "a:2")
	c := New("primary", 16, dir, nil)

	a, _ := c.Resolve(context.Background(), 1, 0)
	b, _ := c.Resolve(context.Background(), 1, 1)
	if a == b {
		t.Fatalf("tags 0 and 1 resolved to the same endpoint %q", a)
	}
}

func TestLookupFailureIsUnreachable(t *testing.T) {
	c := New("primary", 16, newDirectory(), nil)

	_, err := c.Resolve(context.Background(), 9, 0)
	if !errors.Is(err, zerrors.ErrUnreachable) {
		t.Fatalf("Resolve error = %v, want ErrUnreachable", err)
	}
	if !errors.Is(err, zerrors.ErrNotFound) {
		t.Fatalf("Resolve error = %v, want wrapped ErrNotFound", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed lookup populated the cache")
	}
}

func TestEvictionByCapacity_LRU(t *testing.T) {
	dir := newDirectory()
	for r := gossip.Rank(1); r <= 3; r++ {
		dir.set(r, 0, fmt.Sprintf("h%d:1", r))
	}
	c := New("primary", 2, dir, nil)
	ctx := context.Background()

	_, _ = c.Resolve(ctx, 1, 0)
	_, _ = c.Resolve(ctx, 2, 0)
	// touch 1 so 2 becomes the LRU victim
	_, _ = c.Resolve(ctx, 1, 0)
	_, _ = c.Resolve(ctx, 3, 0)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	_, _ = c.Resolve(ctx, 1, 0)
	if n := dir.callsFor(1, 0); n != 1 {
		t.Fatalf("rank 1 was evicted (lookups = %d)", n)
	}
	_, _ = c.Resolve(ctx, 2, 0)
	if n := dir.callsFor(2, 0); n != 2 {
		t.Fatalf("rank 2 should have been evicted and looked up again, lookups = %d", n)
	}
}

func TestEvictionSkipsPendingKey(t *testing.T) {
	dir := newDirectory()
	for r := gossip.Rank(1); r <= 3; r++ {
		dir.set(r, 0, fmt.Sprintf("h%d:1", r))
	}
	c := New("primary", 2, dir, nil)
	ctx := context.Background()

	_, _ = c.Resolve(ctx, 1, 0)
	_, _ = c.Resolve(ctx, 2, 0)

	// rank 1 is the LRU entry and is being looked up again
	gate := make(chan struct{})
	dir.mu.Lock()
	dir.gates[Key{1, 0}] = gate
	dir.mu.Unlock()
	c.MarkStale(1, 0)
	done := make(chan string, 1)
	go func() {
		ep, _ := c.Resolve(ctx, 1, 0)
		done <- ep
	}()
	waitPending(t, c, Key{1, 0}, 1)

	_, _ = c.Resolve(ctx, 3, 0)

	c.mu.Lock()
	_, kept := c.data[Key{1, 0}]
	_, idle := c.data[Key{2, 0}]
	c.mu.Unlock()
	if !kept {
		t.Fatal("entry with an outstanding lookup was evicted")
	}
	if idle {
		t.Fatal("idle entry 2 was not evicted")
	}

	close(gate)
	if got := <-done; got != "h1:1" {
		t.Fatalf("Resolve(1) = %q, want h1:1", got)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestEvictionLimitedToEvictableRanks(t *testing.T) {
	dir := newDirectory()
	for r := gossip.Rank(1); r <= 3; r++ {
		dir.set(r, 0, fmt.Sprintf("h%d:1", r))
	}
	c := New("primary", 2, dir, nil)
	// rank 1 is suspect
	c.SetEvictable(func(r gossip.Rank) bool { return r != 1 })
	ctx := context.Background()

	_, _ = c.Resolve(ctx, 1, 0)
	_, _ = c.Resolve(ctx, 2, 0)
	_, _ = c.Resolve(ctx, 3, 0)

	_, _ = c.Resolve(ctx, 1, 0)
	if n := dir.callsFor(1, 0); n != 1 {
		t.Fatalf("suspect rank 1 was evicted (lookups = %d)", n)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	// with nothing else evictable the cache goes over capacity
	c.SetEvictable(func(gossip.Rank) bool { return false })
	dir.set(4, 0, "h4:1")
	_, _ = c.Resolve(ctx, 4, 0)
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
}

func TestDeadRankNeverReturnsStaleEndpoint(t *testing.T) {
	dir := newDirectory()
	dir.set(4, 0, "old:1")
	c := New("primary", 16, dir, nil)
	ctx := context.Background()

	if got, _ := c.Resolve(ctx, 4, 0); got != "old:1" {
		t.Fatalf("Resolve = %q, want old:1", got)
	}

	dir.set(4, 0, "new:1")
	c.OnMemberEvent(gossip.Event{
		Prev:   gossip.StatusSuspect,
		Member: gossip.Member{Rank: 4, Status: gossip.StatusDead},
	})
	if c.Len() != 0 {
		t.Fatalf("dead rank still cached")
	}

	got, err := c.Resolve(ctx, 4, 0)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got != "new:1" {
		t.Fatalf("Resolve after death = %q, want new:1", got)
	}
}

func TestNonDeadEventsKeepEntries(t *testing.T) {
	dir := newDirectory()
	dir.set(4, 0, "a:1")
	c := New("primary", 16, dir, nil)
	_, _ = c.Resolve(context.Background(), 4, 0)

	c.OnMemberEvent(gossip.Event{Prev: gossip.StatusAlive, Member: gossip.Member{Rank: 4, Status: gossip.StatusSuspect}})
	if c.Len() != 1 {
		t.Fatalf("suspect transition evicted the entry")
	}
}

func TestInvalidateDuringLookupDiscardsResult(t *testing.T) {
	dir := newDirectory()
	dir.set(5, 0, "old:1")
	dir.gate = make(chan struct{})
	c := New("primary", 16, dir, nil)

	done := make(chan string, 1)
	go func() {
		ep, _ := c.Resolve(context.Background(), 5, 0)
		done <- ep
	}()
	waitPending(t, c, Key{5, 0}, 1)

	c.Invalidate(5)
	dir.mu.Lock()
	dir.addrs[Key{5, 0}] = "new:1"
	close(dir.gate)
	dir.gate = nil
	dir.mu.Unlock()
	<-done

	if c.Len() != 0 {
		t.Fatalf("lookup started before invalidation populated the cache")
	}
	if got, _ := c.Resolve(context.Background(), 5, 0); got != "new:1" {
		t.Fatalf("Resolve = %q, want new:1", got)
	}
}

func TestMarkStaleForcesLookup(t *testing.T) {
	dir := newDirectory()
	dir.set(3, 0, "a:1")
	c := New("primary", 16, dir, nil)
	ctx := context.Background()

	_, _ = c.Resolve(ctx, 3, 0)
	dir.set(3, 0, "b:1")
	c.MarkStale(3, 0)

	got, _ := c.Resolve(ctx, 3, 0)
	if got != "b:1" {
		t.Fatalf("Resolve after MarkStale = %q, want b:1", got)
	}
	if n := dir.callsFor(3, 0); n != 2 {
		t.Fatalf("lookups = %d, want 2", n)
	}
}

func TestConcurrentMissesShareOneLookup(t *testing.T) {
	dir := newDirectory()
	dir.set(7, 0, "h7:1")
	dir.gate = make(chan struct{})
	c := New("primary", 16, dir, nil)

	const G = 32
	var wg sync.WaitGroup
	var failures atomic.Int32
	for range G {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := c.Resolve(context.Background(), 7, 0)
			if err != nil || ep != "h7:1" {
				failures.Add(1)
			}
		}()
	}

	waitPending(t, c, Key{7, 0}, G)
	close(dir.gate)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d resolves failed", failures.Load())
	}
	if n := dir.callsFor(7, 0); n != 1 {
		t.Fatalf("underlying lookups = %d, want 1", n)
	}
}

func TestResolveHonorsCallerContext(t *testing.T) {
	dir := newDirectory()
	dir.set(8, 0, "h8:1")
	dir.gate = make(chan struct{})
	defer close(dir.gate)
	c := New("primary", 16, dir, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, 8, 0)
	if !errors.Is(err, zerrors.ErrTimeout) {
		t.Fatalf("Resolve error = %v, want ErrTimeout", err)
	}
}

func waitPending(t *testing.T, c *Cache, key Key, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := c.pending[key]
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending resolves of %v", n, key)
}
