package corpc

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/topology"
)

const (
	DefaultFanout             = 4
	DefaultHopTimeout         = 2 * time.Second
	DefaultCompletedRetention = 1024
)

type Config struct {
	Group string
	Self  gossip.Rank

	// Fanout is the tree degree K.
	Fanout int
	// HopTimeout bounds one level of the tree. A child of height h is
	// given HopTimeout*(h+1) to answer for its whole subtree.
	HopTimeout time.Duration
	// CompletedRetention is how many finished request ids are remembered
	// for answering retransmissions.
	CompletedRetention int

	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Fanout:             DefaultFanout,
		HopTimeout:         DefaultHopTimeout,
		CompletedRetention: DefaultCompletedRetention,
	}
}

func (c Config) withDefaults() Config {
	if c.Fanout == 0 {
		c.Fanout = DefaultFanout
	}
	if c.HopTimeout == 0 {
		c.HopTimeout = DefaultHopTimeout
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = DefaultCompletedRetention
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) Validate() error {
	if c.Fanout < 1 {
		return fmt.Errorf("%w: %w", zerrors.ErrInvalidConfig, zerrors.ErrInvalidFanout)
	}
	if c.HopTimeout < 0 {
		return fmt.Errorf("%w: hop timeout must be positive", zerrors.ErrInvalidConfig)
	}
	return nil
}

// Deps are the collaborators of an Engine. Suspector may be nil.
type Deps struct {
	Transport Transport
	Router    Router
	Members   Membership
	Suspector Suspector
}

// Collective describes a collective to initiate.
type Collective struct {
	Root    gossip.Rank
	Opcode  string
	Kind    Kind
	Payload []byte
}

// Engine runs the collectives of one group on one rank: the ones it
// originates and the ones it is forwarded as an intermediate or leaf.
type Engine struct {
	cfg       Config
	transport Transport
	router    Router
	members   Membership
	suspector Suspector
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hmu      sync.RWMutex
	handlers map[string]Handler

	mu        sync.Mutex
	closed    bool
	inflight  map[RequestID]*operation // operations this rank takes part in
	remote    map[RequestID]*operation // originated here for a remote root
	completed map[RequestID]*list.Element
	order     *list.List
}

type completedEntry struct {
	id    RequestID
	reply *Reply
}

func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil || deps.Router == nil || deps.Members == nil {
		return nil, fmt.Errorf("%w: transport, router and membership are required", zerrors.ErrInvalidConfig)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		transport: deps.Transport,
		router:    deps.Router,
		members:   deps.Members,
		suspector: deps.Suspector,
		logger:    cfg.Logger.With(zap.String("group", cfg.Group), zap.Stringer("rank", cfg.Self)),
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[string]Handler),
		inflight:  make(map[RequestID]*operation),
		remote:    make(map[RequestID]*operation),
		completed: make(map[RequestID]*list.Element),
		order:     list.New(),
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Register sets the handler producing this rank's contribution for opcode.
func (e *Engine) Register(opcode string, h Handler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers[opcode] = h
}

func (e *Engine) handler(opcode string) (Handler, bool) {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	h, ok := e.handlers[opcode]
	return h, ok
}

// Initiate starts a collective over the currently alive ranks and returns
// without waiting for it. Canceling ctx cancels the collective.
func (e *Engine) Initiate(ctx context.Context, c Collective) (*Call, error) {
	if !c.Kind.valid() {
		return nil, fmt.Errorf("initiate %s: unknown aggregation %s", c.Opcode, c.Kind)
	}
	if _, ok := e.handler(c.Opcode); !ok {
		return nil, fmt.Errorf("initiate %q: %w", c.Opcode, zerrors.ErrUnknownOpcode)
	}
	tree, err := topology.Build(e.members.Alive(), c.Root, e.cfg.Fanout)
	if err != nil {
		return nil, fmt.Errorf("initiate %s: %w", c.Opcode, err)
	}

	req := &Request{
		ID:      NewRequestID(),
		Group:   e.cfg.Group,
		Opcode:  c.Opcode,
		Kind:    c.Kind,
		From:    e.cfg.Self,
		Tree:    tree.Spec(),
		Payload: c.Payload,
	}
	op := e.newOperation(req, tree)
	op.origin = true
	op.call = newCall(req.ID)
	if c.Root == e.cfg.Self {
		op.local = true
		op.targets = tree.Children(e.cfg.Self)
	} else {
		op.remote = true
		op.targets = []gossip.Rank{c.Root}
	}

	op.stopWatch = context.AfterFunc(ctx, op.cancel)

	e.mu.Lock()
	err = e.startLocked(op)
	e.mu.Unlock()
	if err != nil {
		op.stopWatch()
		op.cancel()
		return nil, err
	}

	e.logger.Debug("collective initiated",
		zap.String("rpcid", string(req.ID)), zap.String("opc", req.Opcode),
		zap.Stringer("root", c.Root), zap.Int("ranks", tree.Len()), zap.Stringer("kind", c.Kind))
	return op.call, nil
}

// Handle serves a request from a parent: it forwards to this rank's
// children, merges their replies with the local contribution and returns
// the subtree result. Retransmissions of a finished id are answered from
// the completed cache; retransmissions of a running id join it.
func (e *Engine) Handle(ctx context.Context, req *Request) (*Reply, error) {
	if req.Group != e.cfg.Group {
		return nil, fmt.Errorf("collective %s for group %q: %w", req.ID, req.Group, zerrors.ErrGroupNotFound)
	}
	if req.Cancel {
		if e.cancelOp(e.inflight, req.ID) {
			e.logger.Debug("collective canceled by parent",
				zap.String("rpcid", string(req.ID)), zap.Stringer("from", req.From))
		}
		return &Reply{ID: req.ID, Partial: Partial{Kind: req.Kind}}, nil
	}

	tree, treeErr := topology.FromSpec(req.Tree)
	var children []gossip.Rank
	if treeErr == nil {
		children = tree.Children(e.cfg.Self)
	}

	e.mu.Lock()
	if el, ok := e.completed[req.ID]; ok {
		reply := el.Value.(*completedEntry).reply
		e.mu.Unlock()
		e.logger.Debug("answering retransmission from cache",
			zap.String("rpcid", string(req.ID)), zap.String("opc", req.Opcode),
			zap.Stringer("from", req.From), zap.Error(zerrors.ErrDuplicateRequest))
		return reply, nil
	}
	op, ok := e.inflight[req.ID]
	if !ok {
		if treeErr != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("collective %s: %w", req.ID, treeErr)
		}
		if !tree.Contains(e.cfg.Self) {
			e.mu.Unlock()
			return nil, fmt.Errorf("collective %s: rank %d is not in the tree", req.ID, e.cfg.Self)
		}
		op = e.newOperation(req, tree)
		op.local = true
		op.targets = children
		if err := e.startLocked(op); err != nil {
			e.mu.Unlock()
			op.cancel()
			return nil, err
		}
	}
	e.mu.Unlock()

	return op.await(ctx)
}

// Cancel abandons a collective originated or joined on this rank and tells
// the children still pending to do the same. It does not wait for them.
func (e *Engine) Cancel(id RequestID) bool {
	return e.cancelOp(e.remote, id) || e.cancelOp(e.inflight, id)
}

func (e *Engine) cancelOp(ops map[RequestID]*operation, id RequestID) bool {
	e.mu.Lock()
	op, ok := ops[id]
	if ok {
		delete(ops, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	op.cancel()
	if op.call != nil {
		e.complete(op, nil, zerrors.ErrCanceled)
	}
	return true
}

// Close cancels every running collective and waits for their tasks.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return zerrors.ErrNotStarted
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

// Pending returns the number of collectives running on this rank.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight) + len(e.remote)
}

func (e *Engine) startLocked(op *operation) error {
	if e.closed {
		return zerrors.ErrNotStarted
	}
	if op.remote {
		e.remote[op.req.ID] = op
	} else {
		e.inflight[op.req.ID] = op
	}
	e.wg.Add(1)
	go e.execute(op)
	return nil
}

func (e *Engine) execute(op *operation) {
	defer e.wg.Done()
	defer op.cancel()

	partial, err := e.run(op)
	e.finish(op, partial, err)
}

func (e *Engine) finish(op *operation, partial *Partial, err error) {
	var reply *Reply
	if err == nil {
		partial.normalize()
		reply = &Reply{ID: op.req.ID, Partial: *partial}
	}

	e.mu.Lock()
	if op.remote {
		if e.remote[op.req.ID] == op {
			delete(e.remote, op.req.ID)
		}
	} else {
		if e.inflight[op.req.ID] == op {
			delete(e.inflight, op.req.ID)
		}
		if err == nil {
			e.rememberLocked(op.req.ID, reply)
		}
	}
	e.mu.Unlock()

	op.reply, op.err = reply, err
	close(op.done)
	if op.stopWatch != nil {
		op.stopWatch()
	}
	if op.call != nil {
		e.complete(op, reply, err)
	}
}

func (e *Engine) rememberLocked(id RequestID, reply *Reply) {
	if _, ok := e.completed[id]; ok {
		return
	}
	e.completed[id] = e.order.PushBack(&completedEntry{id: id, reply: reply})
	for e.order.Len() > e.cfg.CompletedRetention {
		oldest := e.order.Front()
		e.order.Remove(oldest)
		delete(e.completed, oldest.Value.(*completedEntry).id)
	}
}

// complete resolves the originator's Call and records the outcome.
func (e *Engine) complete(op *operation, reply *Reply, err error) {
	var (
		res     *Result
		outcome = "ok"
	)
	switch {
	case errors.Is(err, zerrors.ErrCanceled):
		outcome = "canceled"
	case err != nil:
		outcome = "failed"
	default:
		p := reply.Partial
		res = p.result(op.req.ID, op.req.Opcode)
		if res.PartialFailure() {
			outcome = "partial"
		}
	}
	if !op.call.complete(res, err) {
		return
	}

	telemetry.CollectivesTotal.WithLabelValues(outcome).Inc()
	telemetry.CollectiveDuration.WithLabelValues(op.req.Opcode).Observe(time.Since(op.started).Seconds())

	fields := []zap.Field{
		zap.String("rpcid", string(op.req.ID)),
		zap.String("opc", op.req.Opcode),
		zap.String("outcome", outcome),
	}
	switch outcome {
	case "failed":
		e.logger.Warn("collective failed", append(fields, zap.Error(err))...)
	case "partial":
		e.logger.Info("collective completed with failed ranks",
			append(fields, zap.Any("failed", res.Failed))...)
	default:
		e.logger.Debug("collective finished", fields...)
	}
}

// propagateCancel tells ranks to abandon the request. Delivery is not
// confirmed and failures are ignored.
func (e *Engine) propagateCancel(req *Request, ranks []gossip.Rank) {
	if len(ranks) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(len(ranks))
	e.mu.Unlock()

	msg := &Request{
		ID:     req.ID,
		Group:  req.Group,
		Opcode: req.Opcode,
		Kind:   req.Kind,
		From:   e.cfg.Self,
		Cancel: true,
	}
	for _, r := range ranks {
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(e.ctx, e.cfg.HopTimeout)
			defer cancel()

			endpoint, err := e.router.Resolve(ctx, r)
			if err == nil {
				_, err = e.transport.Send(ctx, endpoint, msg)
			}
			if err != nil {
				e.logger.Debug("cancel not delivered",
					zap.String("rpcid", string(req.ID)), zap.Stringer("target", r), zap.Error(err))
			}
		}()
	}
}
