package corpc

import (
	"context"
	"fmt"
	"maps"
	"sync"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// Transport delivers a request to a remote engine and returns its reply.
// Implementations wrap errors.ErrUnreachable when the endpoint refused the
// request and errors.ErrTimeout when ctx expired first.
type Transport interface {
	Send(ctx context.Context, endpoint string, req *Request) (*Reply, error)
}

// Router maps ranks to endpoints. MarkStale is called after a send to r
// failed as unreachable so the next Resolve looks the address up again.
type Router interface {
	Resolve(ctx context.Context, r gossip.Rank) (string, error)
	MarkStale(r gossip.Rank)
}

// Membership supplies the alive ranks a collective tree is built over.
type Membership interface {
	Alive() []gossip.Rank
}

// Suspector receives ranks that failed to answer a collective hop.
type Suspector interface {
	Accelerate(r gossip.Rank)
}

// Handler produces the local contribution of a rank for one opcode.
type Handler func(ctx context.Context, req *Request) (Contribution, error)

// ServeFunc is the inbound side of a Transport, usually Engine.Handle.
type ServeFunc func(ctx context.Context, req *Request) (*Reply, error)

type memRouter struct{}

func (memRouter) Resolve(_ context.Context, r gossip.Rank) (string, error) {
	return gossip.MemEndpoint(r), nil
}

func (memRouter) MarkStale(gossip.Rank) {}

// MemRouter routes every rank to its gossip.MemEndpoint.
func MemRouter() Router { return memRouter{} }

// Network is an in-process Transport. A dropped endpoint never answers, which
// is how tests make a rank miss its reply.
type Network struct {
	mu       sync.RWMutex
	servers  map[string]ServeFunc
	dropped  map[string]bool
	requests map[string]int
}

var _ Transport = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		servers:  make(map[string]ServeFunc),
		dropped:  make(map[string]bool),
		requests: make(map[string]int),
	}
}

func (n *Network) Register(endpoint string, serve ServeFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[endpoint] = serve
}

func (n *Network) Unregister(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, endpoint)
}

func (n *Network) SetDropped(endpoint string, dropped bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped[endpoint] = dropped
}

// Requests returns how many non-cancel requests endpoint has been sent.
func (n *Network) Requests(endpoint string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.requests[endpoint]
}

func (n *Network) Send(ctx context.Context, endpoint string, req *Request) (*Reply, error) {
	n.mu.Lock()
	serve, ok := n.servers[endpoint]
	silent := n.dropped[endpoint]
	if ok && !req.Cancel {
		n.requests[endpoint]++
	}
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", endpoint, zerrors.ErrUnreachable)
	}
	if silent {
		<-ctx.Done()
		return nil, fmt.Errorf("%s: %w", endpoint, zerrors.ErrTimeout)
	}

	in := *req
	type result struct {
		reply *Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := serve(ctx, &in)
		if reply != nil {
			out := *reply
			out.Partial.Slots = maps.Clone(reply.Partial.Slots)
			reply = &out
		}
		done <- result{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", endpoint, zerrors.ErrTimeout)
	}
}
