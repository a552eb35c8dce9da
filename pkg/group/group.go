// Package group ties the membership table, failure detector, address cache
// and collective engine of one membership domain together. A process may
// host a primary group and any number of sub-groups over subsets of its
// ranks; each owns its state and is torn down with Stop.
package group

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/addrcache"
	"github.com/ryandielhenn/zephyrmesh/pkg/corpc"
	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

type Config struct {
	Name string
	Self gossip.Rank

	// Gossip holds the detector tunables; a zero ProbeInterval selects
	// gossip.DefaultConfig. Group and Self are filled in.
	Gossip gossip.Config
	// Collective holds the engine tunables. Group and Self are filled in.
	Collective corpc.Config

	AddrCacheSize int
	// Tag selects the transport context addresses are resolved for.
	Tag uint32

	// Parent makes this a sub-group of Parent over Ranks. A sub-group runs
	// no detector; it mirrors Parent's verdicts for its ranks.
	Parent *Group
	Ranks  []gossip.Rank

	Logger *zap.Logger
}

func DefaultConfig(name string, self gossip.Rank) Config {
	return Config{
		Name:          name,
		Self:          self,
		Gossip:        gossip.DefaultConfig(),
		Collective:    corpc.DefaultConfig(),
		AddrCacheSize: addrcache.DefaultCapacity,
	}
}

// Deps are the out-of-process collaborators. Sub-groups resolve through
// their parent and only need CollectiveTransport.
type Deps struct {
	Directory           addrcache.Lookup
	GossipTransport     gossip.Transport
	CollectiveTransport corpc.Transport
}

type Group struct {
	cfg    Config
	logger *zap.Logger

	table    *gossip.Table
	cache    *addrcache.Cache
	gossiper *gossip.Gossiper // nil for sub-groups
	engine   *corpc.Engine
	parent   *Group
	ranks    goset.Set[gossip.Rank] // sub-group scope

	started *atomic.Bool
	stopped *atomic.Bool

	mu    sync.Mutex
	unsub []func()
}

// router resolves ranks through the group's address cache for one tag.
type router struct {
	cache *addrcache.Cache
	tag   uint32
}

func (r router) Resolve(ctx context.Context, rank gossip.Rank) (string, error) {
	return r.cache.Resolve(ctx, rank, r.tag)
}

func (r router) MarkStale(rank gossip.Rank) {
	r.cache.MarkStale(rank, r.tag)
}

func New(cfg Config, deps Deps) (*Group, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: group name is required", zerrors.ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.CollectiveTransport == nil {
		return nil, fmt.Errorf("%w: collective transport is required", zerrors.ErrInvalidConfig)
	}
	if cfg.Parent != nil {
		return newSubGroup(cfg, deps)
	}
	if deps.Directory == nil || deps.GossipTransport == nil {
		return nil, fmt.Errorf("%w: directory and gossip transport are required", zerrors.ErrInvalidConfig)
	}

	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip = gossip.DefaultConfig()
	}
	cfg.Gossip.Group, cfg.Gossip.Self, cfg.Gossip.Logger = cfg.Name, cfg.Self, cfg.Logger

	g := &Group{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("group", cfg.Name), zap.Stringer("rank", cfg.Self)),
		table:   gossip.NewTable(cfg.Self, cfg.Gossip.TombstoneTTL, cfg.Logger),
		started: atomic.NewBool(false),
		stopped: atomic.NewBool(false),
	}
	g.cache = addrcache.New(cfg.Name, cfg.AddrCacheSize, deps.Directory, cfg.Logger)
	g.cache.SetEvictable(g.aliveRank)
	rt := router{cache: g.cache, tag: cfg.Tag}

	gsp, err := gossip.New(cfg.Gossip, g.table, deps.GossipTransport, rt)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", cfg.Name, err)
	}
	g.gossiper = gsp

	if err := g.newEngine(deps.CollectiveTransport, rt, gsp); err != nil {
		return nil, err
	}
	g.unsub = append(g.unsub, g.table.Subscribe(g.cache.OnMemberEvent))
	g.Join(cfg.Ranks...)
	return g, nil
}

func newSubGroup(cfg Config, deps Deps) (*Group, error) {
	parent := cfg.Parent
	if !slices.Contains(cfg.Ranks, cfg.Self) {
		return nil, fmt.Errorf("%w: sub-group %s must include rank %d", zerrors.ErrInvalidConfig, cfg.Name, cfg.Self)
	}
	if parent.cfg.Self != cfg.Self {
		return nil, fmt.Errorf("%w: sub-group %s has rank %d, parent has %d", zerrors.ErrInvalidConfig, cfg.Name, cfg.Self, parent.cfg.Self)
	}

	g := &Group{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("group", cfg.Name), zap.Stringer("rank", cfg.Self), zap.String("parent", parent.cfg.Name)),
		table:   gossip.NewTable(cfg.Self, parent.cfg.Gossip.TombstoneTTL, cfg.Logger),
		parent:  parent,
		ranks:   goset.NewSet(cfg.Ranks...),
		started: atomic.NewBool(false),
		stopped: atomic.NewBool(false),
	}
	// addresses of a rank do not depend on the group, so misses go to the
	// parent's cache
	lookup := addrcache.LookupFunc(func(ctx context.Context, _ string, r gossip.Rank, tag uint32) (string, error) {
		return parent.cache.Resolve(ctx, r, tag)
	})
	g.cache = addrcache.New(cfg.Name, cfg.AddrCacheSize, lookup, cfg.Logger)
	g.cache.SetEvictable(g.aliveRank)

	if err := g.newEngine(deps.CollectiveTransport, router{cache: g.cache, tag: cfg.Tag}, g); err != nil {
		return nil, err
	}
	g.unsub = append(g.unsub, g.table.Subscribe(g.cache.OnMemberEvent))

	for _, m := range parent.table.Snapshot() {
		g.mirror(m)
	}
	g.unsub = append(g.unsub, parent.table.Subscribe(func(ev gossip.Event) { g.mirror(ev.Member) }))
	return g, nil
}

func (g *Group) newEngine(transport corpc.Transport, rt corpc.Router, suspector corpc.Suspector) error {
	ccfg := g.cfg.Collective
	ccfg.Group, ccfg.Self, ccfg.Logger = g.cfg.Name, g.cfg.Self, g.cfg.Logger
	engine, err := corpc.New(ccfg, corpc.Deps{
		Transport: transport,
		Router:    rt,
		Members:   g.table,
		Suspector: suspector,
	})
	if err != nil {
		return fmt.Errorf("group %s: %w", g.cfg.Name, err)
	}
	g.engine = engine
	return nil
}

// aliveRank reports whether the cache may evict addresses of r. Ranks under
// suspicion keep their entries so a refutation does not cost a lookup.
func (g *Group) aliveRank(r gossip.Rank) bool {
	m, ok := g.table.Get(r)
	return !ok || m.Status == gossip.StatusAlive
}

// mirror copies a parent verdict about one of the sub-group's ranks.
func (g *Group) mirror(m gossip.Member) {
	if m.Rank == g.cfg.Self || !g.ranks.Contains(m.Rank) {
		return
	}
	g.table.ApplyDelta(m.Delta())
	g.table.Reap(time.Now())
}

func (g *Group) Name() string { return g.cfg.Name }

func (g *Group) Self() gossip.Rank { return g.cfg.Self }

func (g *Group) Parent() *Group { return g.parent }

func (g *Group) Table() *gossip.Table { return g.table }

func (g *Group) Cache() *addrcache.Cache { return g.cache }

// Register sets the handler producing this rank's contribution for opcode.
func (g *Group) Register(opcode string, h corpc.Handler) { g.engine.Register(opcode, h) }

// Join adds ranks learned out of band, typically from the directory.
// Sub-groups take their membership from the parent and ignore it.
func (g *Group) Join(ranks ...gossip.Rank) {
	if g.gossiper != nil {
		g.gossiper.Join(ranks...)
	}
}

// Accelerate asks the failure detector to probe r now.
func (g *Group) Accelerate(r gossip.Rank) {
	if g.parent != nil {
		g.parent.Accelerate(r)
		return
	}
	g.gossiper.Accelerate(r)
}

// Start runs the failure detector. A stopped group cannot be started again.
func (g *Group) Start(ctx context.Context) error {
	if g.stopped.Load() {
		return fmt.Errorf("group %s: %w", g.cfg.Name, zerrors.ErrStopped)
	}
	if !g.started.CompareAndSwap(false, true) {
		return zerrors.ErrAlreadyStarted
	}
	if g.gossiper != nil {
		if err := g.gossiper.Start(ctx); err != nil {
			g.started.Store(false)
			return err
		}
	}
	g.logger.Info("group started", zap.Int("members", g.table.Len()))
	return nil
}

// Stop shuts the detector and the engine down and detaches every listener.
// In-flight collectives finish with errors.ErrCanceled.
func (g *Group) Stop() error {
	if !g.started.CompareAndSwap(true, false) {
		return zerrors.ErrNotStarted
	}
	g.stopped.Store(true)

	var err error
	if g.gossiper != nil {
		err = multierr.Append(err, g.gossiper.Stop())
	}
	err = multierr.Append(err, g.engine.Close())

	g.mu.Lock()
	for _, fn := range g.unsub {
		fn()
	}
	g.unsub = nil
	g.mu.Unlock()

	g.logger.Info("group stopped")
	return err
}

// InitiateCollective starts a collective rooted at c.Root over the ranks the
// local table currently considers alive. The returned call carries the
// request id.
func (g *Group) InitiateCollective(ctx context.Context, c corpc.Collective) (*corpc.Call, error) {
	if !g.started.Load() {
		return nil, fmt.Errorf("group %s: %w", g.cfg.Name, zerrors.ErrNotStarted)
	}
	return g.engine.Initiate(ctx, c)
}

// Cancel cancels a collective initiated on this rank.
func (g *Group) Cancel(id corpc.RequestID) bool { return g.engine.Cancel(id) }

// MembershipSnapshot returns every known rank and its status, ordered by rank.
func (g *Group) MembershipSnapshot() []gossip.Member { return g.table.Snapshot() }

// OnMembershipChange registers fn for ranks that become Dead or come back
// from Dead. Other transitions are not reported.
func (g *Group) OnMembershipChange(fn func(gossip.Event)) (unsubscribe func()) {
	return g.table.Subscribe(func(ev gossip.Event) {
		if ev.DeadTransition() {
			fn(ev)
		}
	})
}

// HandleGossip serves an inbound detector message.
func (g *Group) HandleGossip(ctx context.Context, msg *gossip.Message) (*gossip.Message, error) {
	if g.gossiper == nil {
		return nil, fmt.Errorf("sub-group %s runs no detector: %w", g.cfg.Name, zerrors.ErrGroupNotFound)
	}
	return g.gossiper.Handle(ctx, msg)
}

// HandleCollective serves an inbound collective request.
func (g *Group) HandleCollective(ctx context.Context, req *corpc.Request) (*corpc.Reply, error) {
	return g.engine.Handle(ctx, req)
}
