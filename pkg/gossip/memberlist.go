package gossip

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
)

type record struct {
	Member
	seq uint64 // position in the change order, used for piggy-backing
}

type listener struct {
	id int
	fn func(Event)
}

// Table is the membership table of one group. Updates merge under the
// incarnation/status precedence, so any arrival order of the same set of
// updates converges to the same records.
type Table struct {
	mu        sync.RWMutex
	self      Rank
	members   map[Rank]*record
	seq       uint64
	tombstone time.Duration
	now       func() time.Time
	logger    *zap.Logger

	// nmu is held from applying a change until its listeners returned, so
	// listeners see changes in the order they were applied
	nmu       sync.Mutex
	lmu       sync.RWMutex
	listeners []listener
	nextID    int
}

// NewTable creates a table holding only the local rank, alive at incarnation zero.
// Dead records are kept for the tombstone duration before Reap drops them.
func NewTable(self Rank, tombstone time.Duration, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		self:      self,
		members:   make(map[Rank]*record),
		tombstone: tombstone,
		now:       time.Now,
		logger:    logger,
	}
	t.seq++
	t.members[self] = &record{
		Member: Member{Rank: self, Status: StatusAlive, LastUpdate: t.now()},
		seq:    t.seq,
	}
	return t
}

func (t *Table) Self() Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.members[t.self].Member
}

func (t *Table) Get(r Rank) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.members[r]
	if !ok {
		return Member{}, false
	}
	return rec.Member, true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Snapshot returns a point-in-time copy of every record ordered by rank.
func (t *Table) Snapshot() []Member {
	t.mu.RLock()
	out := make([]Member, 0, len(t.members))
	for _, rec := range t.members {
		out = append(out, rec.Member)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.Rank, b.Rank) })
	return out
}

// Alive returns the ordered ranks whose status is Alive.
func (t *Table) Alive() []Rank {
	t.mu.RLock()
	out := make([]Rank, 0, len(t.members))
	for r, rec := range t.members {
		if rec.Status == StatusAlive {
			out = append(out, r)
		}
	}
	t.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Recent returns up to n deltas for the most recently changed records,
// newest first.
func (t *Table) Recent(n int) []Delta {
	if n <= 0 {
		return nil
	}
	t.mu.RLock()
	recs := make([]record, 0, len(t.members))
	for _, rec := range t.members {
		recs = append(recs, *rec)
	}
	t.mu.RUnlock()

	slices.SortFunc(recs, func(a, b record) int { return cmp.Compare(b.seq, a.seq) })
	if len(recs) > n {
		recs = recs[:n]
	}
	out := make([]Delta, len(recs))
	for i, rec := range recs {
		out[i] = rec.Delta()
	}
	return out
}

// ApplyDelta merges d into the table and reports whether anything changed.
// Updates about the local rank that claim Suspect or Dead are refuted by
// moving the local incarnation past the claim.
func (t *Table) ApplyDelta(d Delta) bool {
	t.nmu.Lock()
	defer t.nmu.Unlock()

	ev, changed := t.apply(d)
	if !changed {
		return false
	}
	t.notify(ev)
	return true
}

func (t *Table) apply(d Delta) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if d.Rank == t.self {
		return t.applySelfLocked(d, now)
	}

	cur, ok := t.members[d.Rank]
	if !ok {
		t.seq++
		rec := &record{
			Member: Member{Rank: d.Rank, Incarnation: d.Incarnation, Status: d.Status, LastUpdate: now},
			seq:    t.seq,
		}
		t.members[d.Rank] = rec
		telemetry.MemberTransitions.WithLabelValues(d.Status.String()).Inc()
		return Event{Prev: d.Status, Member: rec.Member, Created: true}, true
	}

	if !d.supersedes(cur.Incarnation, cur.Status) {
		if d.Incarnation < cur.Incarnation {
			t.logger.Debug("membership update ignored",
				zap.Stringer("target", d.Rank),
				zap.Uint64("incarnation", d.Incarnation),
				zap.Uint64("known_incarnation", cur.Incarnation),
				zap.Error(zerrors.ErrStaleIncarnation))
		}
		return Event{}, false
	}

	prev := cur.Status
	cur.Incarnation = d.Incarnation
	cur.Status = d.Status
	cur.LastUpdate = now
	t.seq++
	cur.seq = t.seq
	telemetry.MemberTransitions.WithLabelValues(d.Status.String()).Inc()
	return Event{Prev: prev, Member: cur.Member}, true
}

func (t *Table) applySelfLocked(d Delta, now time.Time) (Event, bool) {
	cur := t.members[t.self]
	if d.Incarnation < cur.Incarnation ||
		(d.Incarnation == cur.Incarnation && d.Status == StatusAlive) {
		return Event{}, false
	}

	t.logger.Info("refuting membership claim about self",
		zap.Stringer("claimed_status", d.Status),
		zap.Uint64("claimed_incarnation", d.Incarnation))

	cur.Incarnation = d.Incarnation + 1
	cur.Status = StatusAlive
	cur.LastUpdate = now
	t.seq++
	cur.seq = t.seq
	return Event{Prev: StatusAlive, Member: cur.Member}, true
}

// BumpIncarnation increments the local incarnation and re-announces Alive.
func (t *Table) BumpIncarnation() uint64 {
	t.nmu.Lock()
	defer t.nmu.Unlock()

	t.mu.Lock()
	cur := t.members[t.self]
	cur.Incarnation++
	cur.Status = StatusAlive
	cur.LastUpdate = t.now()
	t.seq++
	cur.seq = t.seq
	ev := Event{Prev: StatusAlive, Member: cur.Member}
	t.mu.Unlock()

	t.notify(ev)
	return ev.Member.Incarnation
}

// Reap drops Dead records whose tombstone period has elapsed and returns
// their ranks.
func (t *Table) Reap(now time.Time) []Rank {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []Rank
	for r, rec := range t.members {
		if r == t.self || rec.Status != StatusDead {
			continue
		}
		if now.Sub(rec.LastUpdate) >= t.tombstone {
			delete(t.members, r)
			reaped = append(reaped, r)
		}
	}
	slices.Sort(reaped)
	return reaped
}

// Subscribe registers fn for every change applied to the table and returns a
// function that removes it. Listeners are called outside the table lock, in
// registration order, one change at a time. A listener must not apply changes
// to the same table.
func (t *Table) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.lmu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	t.lmu.Unlock()

	return func() {
		t.lmu.Lock()
		defer t.lmu.Unlock()
		t.listeners = slices.DeleteFunc(t.listeners, func(l listener) bool { return l.id == id })
	}
}

func (t *Table) notify(ev Event) {
	t.lmu.RLock()
	ls := slices.Clone(t.listeners)
	t.lmu.RUnlock()

	for _, l := range ls {
		l.fn(ev)
	}
}
