package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
)

// Config holds the detector tunables. Zero values are replaced by the
// defaults of DefaultConfig when the gossiper is created.
type Config struct {
	Group string
	Self  Rank

	// ProbeInterval is the protocol period: one probe target per tick.
	ProbeInterval time.Duration
	// PingTimeout bounds the wait for a direct ack.
	PingTimeout time.Duration
	// IndirectTimeout bounds the wait for relayed acks after a direct probe failed.
	IndirectTimeout time.Duration
	// IndirectProbes is how many members are asked to relay a probe.
	IndirectProbes int
	// SuspicionTimeout is how long a suspect may refute before it is declared dead.
	SuspicionTimeout time.Duration
	// TombstoneTTL is how long dead records are kept before removal.
	TombstoneTTL time.Duration
	// PiggybackSize bounds the deltas carried by each message.
	PiggybackSize int
	// GossipFanout is the number of members sent a gossip message per tick.
	GossipFanout int

	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:    time.Second,
		PingTimeout:      300 * time.Millisecond,
		IndirectTimeout:  600 * time.Millisecond,
		IndirectProbes:   3,
		SuspicionTimeout: 8 * time.Second,
		TombstoneTTL:     time.Minute,
		PiggybackSize:    8,
		GossipFanout:     1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.IndirectTimeout <= 0 {
		c.IndirectTimeout = def.IndirectTimeout
	}
	if c.IndirectProbes < 0 {
		c.IndirectProbes = 0
	}
	if c.SuspicionTimeout <= 0 {
		c.SuspicionTimeout = def.SuspicionTimeout
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = def.TombstoneTTL
	}
	if c.PiggybackSize <= 0 {
		c.PiggybackSize = def.PiggybackSize
	}
	if c.GossipFanout < 0 {
		c.GossipFanout = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate checks the relations between timeouts.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.PingTimeout >= c.ProbeInterval {
		return fmt.Errorf("%w: ping timeout %s must be shorter than probe interval %s",
			zerrors.ErrInvalidConfig, c.PingTimeout, c.ProbeInterval)
	}
	if c.TombstoneTTL < c.SuspicionTimeout {
		return fmt.Errorf("%w: tombstone ttl %s must not be shorter than suspicion timeout %s",
			zerrors.ErrInvalidConfig, c.TombstoneTTL, c.SuspicionTimeout)
	}
	return nil
}

// Gossiper runs the failure detector of one group and serves inbound
// detector messages. It mutates the table it was given and nothing else.
type Gossiper struct {
	cfg       Config
	table     *Table
	transport Transport
	resolver  Resolver
	logger    *zap.Logger

	started    *atomic.Bool
	nonce      *atomic.Uint64
	accelerate chan Rank
	inflight   goset.Set[Rank]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	rng        *rand.Rand
	order      []Rank
	next       int
	suspicions map[Rank]*time.Timer
}

// New creates a gossiper over table. The table's local rank must be cfg.Self.
func New(cfg Config, table *Table, transport Transport, resolver Resolver) (*Gossiper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if table == nil || transport == nil || resolver == nil {
		return nil, fmt.Errorf("%w: table, transport and resolver are required", zerrors.ErrInvalidConfig)
	}
	if table.Self().Rank != cfg.Self {
		return nil, fmt.Errorf("%w: table belongs to rank %d, not %d", zerrors.ErrInvalidConfig, table.Self().Rank, cfg.Self)
	}

	return &Gossiper{
		cfg:        cfg,
		table:      table,
		transport:  transport,
		resolver:   resolver,
		logger:     cfg.Logger.With(zap.String("group", cfg.Group), zap.Stringer("rank", cfg.Self)),
		started:    atomic.NewBool(false),
		nonce:      atomic.NewUint64(0),
		accelerate: make(chan Rank, 64),
		inflight:   goset.NewSet[Rank](),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(cfg.Self))),
		suspicions: make(map[Rank]*time.Timer),
	}, nil
}

func (g *Gossiper) Table() *Table { return g.table }

func (g *Gossiper) Config() Config { return g.cfg }

// Join seeds the table with ranks learned out of band, alive at incarnation zero.
// Records already known at a higher incarnation are left untouched.
func (g *Gossiper) Join(ranks ...Rank) {
	for _, r := range ranks {
		if r == g.cfg.Self {
			continue
		}
		g.table.ApplyDelta(Delta{Rank: r, Status: StatusAlive})
	}
}

// Start launches the periodic protocol task.
func (g *Gossiper) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return zerrors.ErrAlreadyStarted
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go g.loop()

	g.logger.Info("failure detector started",
		zap.Duration("probe_interval", g.cfg.ProbeInterval),
		zap.Duration("suspicion_timeout", g.cfg.SuspicionTimeout))
	return nil
}

// Stop cancels outstanding probes, waits for them and stops suspicion timers.
func (g *Gossiper) Stop() error {
	if !g.started.CompareAndSwap(true, false) {
		return zerrors.ErrNotStarted
	}
	g.cancel()
	g.wg.Wait()

	g.mu.Lock()
	for r, t := range g.suspicions {
		t.Stop()
		delete(g.suspicions, r)
	}
	g.mu.Unlock()

	g.logger.Info("failure detector stopped")
	return nil
}

// Accelerate asks for an immediate probe of r instead of waiting for its turn.
// It never blocks; requests are dropped when the detector is not running or
// its queue is full.
func (g *Gossiper) Accelerate(r Rank) {
	if r == g.cfg.Self || !g.started.Load() {
		return
	}
	select {
	case g.accelerate <- r:
	default:
		g.logger.Debug("accelerated probe dropped", zap.Stringer("target", r))
	}
}

func (g *Gossiper) loop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case now := <-ticker.C:
			g.tick(now)
		case r := <-g.accelerate:
			g.logger.Debug("accelerated probe", zap.Stringer("target", r))
			g.launchProbe(r)
		}
	}
}

func (g *Gossiper) tick(now time.Time) {
	for _, r := range g.table.Reap(now) {
		g.logger.Debug("tombstone expired", zap.Stringer("target", r))
	}
	if target, ok := g.nextTarget(); ok {
		g.launchProbe(target)
	}
	g.gossipRound()
}

// Handle serves an inbound detector message. Piggy-backed deltas are merged
// before the message itself is processed.
func (g *Gossiper) Handle(ctx context.Context, msg *Message) (*Message, error) {
	if msg.SchemaV > schemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", msg.SchemaV)
	}
	g.merge(msg.Deltas)

	switch msg.Type {
	case MsgPing, MsgGossip:
		return g.reply(MsgAck, msg), nil
	case MsgIndirectPing:
		if msg.Target == g.cfg.Self {
			return g.reply(MsgAck, msg), nil
		}
		if g.ping(ctx, msg.Target) {
			return g.reply(MsgAck, msg), nil
		}
		return g.reply(MsgNack, msg), nil
	default:
		return nil, fmt.Errorf("unexpected message type %s", msg.Type)
	}
}

func (g *Gossiper) reply(t MsgType, in *Message) *Message {
	out := g.message(t, in.Target)
	out.Nonce = in.Nonce
	return out
}

// message builds an outbound message carrying the local record and the most
// recently changed records.
func (g *Gossiper) message(t MsgType, target Rank) *Message {
	deltas := g.table.Recent(g.cfg.PiggybackSize)
	self := g.table.Self().Delta()
	hasSelf := false
	for _, d := range deltas {
		if d.Rank == self.Rank {
			hasSelf = true
			break
		}
	}
	if !hasSelf {
		deltas = append(deltas, self)
	}
	return &Message{
		Type:    t,
		Group:   g.cfg.Group,
		From:    g.cfg.Self,
		Target:  target,
		Deltas:  deltas,
		Nonce:   g.nonce.Inc(),
		SchemaV: schemaVersion,
	}
}

// send resolves to's endpoint, sends msg and merges the reply's deltas.
func (g *Gossiper) send(ctx context.Context, to Rank, msg *Message) (*Message, error) {
	endpoint, err := g.resolver.Resolve(ctx, to)
	if err != nil {
		return nil, err
	}
	reply, err := g.transport.Send(ctx, endpoint, msg)
	if err != nil {
		if errors.Is(err, zerrors.ErrUnreachable) {
			g.resolver.MarkStale(to)
		}
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("empty reply from rank %d", to)
	}
	g.merge(reply.Deltas)
	return reply, nil
}

func (g *Gossiper) merge(deltas []Delta) {
	for _, d := range deltas {
		if !g.table.ApplyDelta(d) || d.Rank == g.cfg.Self {
			continue
		}
		switch d.Status {
		case StatusSuspect:
			g.startSuspicion(d.Rank, d.Incarnation)
		case StatusAlive:
			g.cancelSuspicion(d.Rank)
		case StatusDead:
			g.cancelSuspicion(d.Rank)
			g.logger.Info("member confirmed dead by gossip",
				zap.Stringer("target", d.Rank), zap.Uint64("incarnation", d.Incarnation))
		}
	}
}

// gossipRound pushes the recent deltas to a few random members.
func (g *Gossiper) gossipRound() {
	peers := g.randomPeers(g.cfg.GossipFanout, g.cfg.Self)
	if len(peers) == 0 {
		return
	}
	msg := g.message(MsgGossip, 0)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		var eg errgroup.Group
		for _, p := range peers {
			eg.Go(func() error {
				ctx, cancel := context.WithTimeout(g.ctx, g.cfg.PingTimeout)
				defer cancel()
				_, err := g.send(ctx, p, msg)
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			g.logger.Debug("gossip round incomplete", zap.Error(err))
		}
	}()
}

// randomPeers returns up to n alive ranks other than self and exclude.
func (g *Gossiper) randomPeers(n int, exclude Rank) []Rank {
	if n <= 0 {
		return nil
	}
	alive := g.table.Alive()
	candidates := make([]Rank, 0, len(alive))
	for _, r := range alive {
		if r != g.cfg.Self && r != exclude {
			candidates = append(candidates, r)
		}
	}

	g.mu.Lock()
	g.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	g.mu.Unlock()

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}
