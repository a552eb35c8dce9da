package corpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/topology"
)

// operation is the per-rank state of one collective. The tree is fixed when
// the operation starts; membership changes while it runs do not alter it.
type operation struct {
	req     *Request
	tree    *topology.Tree
	targets []gossip.Rank
	pending goset.Set[gossip.Rank]
	started time.Time

	local  bool // merge this rank's own contribution
	origin bool // started by Initiate on this rank
	remote bool // originated here, root elsewhere
	call   *Call

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	done  chan struct{}
	reply *Reply
	err   error
}

type childResult struct {
	child gossip.Rank
	reply *Reply
	err   error
}

func (e *Engine) newOperation(req *Request, tree *topology.Tree) *operation {
	ctx, cancel := context.WithCancel(e.ctx)
	return &operation{
		req:     req,
		tree:    tree,
		pending: goset.NewSet[gossip.Rank](),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (op *operation) await(ctx context.Context) (*Reply, error) {
	select {
	case <-op.done:
		if op.err != nil {
			return nil, op.err
		}
		return op.reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("collective %s: %w: %w", op.req.ID, zerrors.ErrTimeout, ctx.Err())
	}
}

// run dispatches to every target, merges the local contribution and the
// replies as they arrive, and returns once no target is pending.
func (e *Engine) run(op *operation) (*Partial, error) {
	partial := newPartial(op.req.Kind)
	results := make(chan childResult, len(op.targets))

	for _, child := range op.targets {
		op.pending.Add(child)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			results <- e.dispatch(op, child)
		}()
	}

	if op.local {
		e.contribute(op, partial)
	}

	var failed, timedOut int
	for op.pending.Cardinality() > 0 {
		select {
		case res := <-results:
			if op.ctx.Err() != nil {
				return e.abandon(op)
			}
			op.pending.Remove(res.child)
			if res.err == nil {
				res.err = partial.merge(&res.reply.Partial)
			}
			if res.err != nil {
				failed++
				if errors.Is(res.err, zerrors.ErrTimeout) {
					timedOut++
				}
				e.childFailed(op, res)
				partial.fail(op.tree.Subtree(res.child)...)
			}
		case <-op.ctx.Done():
			return e.abandon(op)
		}
	}

	if op.ctx.Err() != nil {
		return e.abandon(op)
	}
	if failed > 0 && failed == len(op.targets) && (op.origin || op.tree.Root() == e.cfg.Self) {
		cause := zerrors.ErrUnreachable
		if timedOut == failed {
			cause = zerrors.ErrTimeout
		}
		return nil, fmt.Errorf("collective %s: none of %d children answered: %w", op.req.ID, failed, cause)
	}
	return partial, nil
}

func (e *Engine) abandon(op *operation) (*Partial, error) {
	e.propagateCancel(op.req, op.pending.ToSlice())
	return nil, fmt.Errorf("collective %s: %w", op.req.ID, zerrors.ErrCanceled)
}

// dispatch sends the request to one child and waits for its subtree,
// bounded by the child's height in the tree.
func (e *Engine) dispatch(op *operation, child gossip.Rank) childResult {
	bound := e.cfg.HopTimeout * time.Duration(op.tree.Height(child)+1)
	ctx, cancel := context.WithTimeout(op.ctx, bound)
	defer cancel()

	endpoint, err := e.router.Resolve(ctx, child)
	if err != nil {
		return childResult{child: child, err: classify(ctx, err)}
	}

	fwd := *op.req
	fwd.From = e.cfg.Self
	reply, err := e.transport.Send(ctx, endpoint, &fwd)
	if err != nil {
		err = classify(ctx, err)
		if errors.Is(err, zerrors.ErrUnreachable) {
			e.router.MarkStale(child)
		}
		return childResult{child: child, err: err}
	}
	if reply == nil || reply.ID != op.req.ID {
		return childResult{child: child, err: fmt.Errorf("%w: bad reply from rank %d", zerrors.ErrUnreachable, child)}
	}
	return childResult{child: child, reply: reply}
}

// classify maps a send failure onto ErrTimeout or ErrUnreachable.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, zerrors.ErrTimeout), errors.Is(err, zerrors.ErrUnreachable):
		return err
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", zerrors.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", zerrors.ErrUnreachable, err)
	}
}

func (e *Engine) contribute(op *operation, partial *Partial) {
	fields := []zap.Field{zap.String("rpcid", string(op.req.ID)), zap.String("opc", op.req.Opcode)}

	h, ok := e.handler(op.req.Opcode)
	if !ok {
		e.logger.Warn("no handler for collective", append(fields, zap.Error(zerrors.ErrUnknownOpcode))...)
		partial.fail(e.cfg.Self)
		return
	}

	ctx, cancel := context.WithTimeout(op.ctx, e.cfg.HopTimeout)
	defer cancel()
	c, err := h(ctx, op.req)
	if err != nil {
		e.logger.Warn("local contribution failed", append(fields, zap.Error(err))...)
		partial.fail(e.cfg.Self)
		return
	}
	partial.add(e.cfg.Self, c)
}

// childFailed accounts for a child that did not answer and asks the failure
// detector to probe it out of turn.
func (e *Engine) childFailed(op *operation, res childResult) {
	reason := "unreachable"
	if errors.Is(res.err, zerrors.ErrTimeout) {
		reason = "timeout"
	}
	telemetry.ChildFailures.WithLabelValues(reason).Inc()
	e.logger.Warn("collective child failed",
		zap.String("rpcid", string(op.req.ID)), zap.String("opc", op.req.Opcode),
		zap.Stringer("target", res.child), zap.String("reason", reason), zap.Error(res.err))

	if e.suspector != nil {
		e.suspector.Accelerate(res.child)
	}
}
