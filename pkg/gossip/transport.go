package gossip

import (
	"context"
	"fmt"
	"slices"
	"sync"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
)

// Transport sends a detector message to an endpoint and waits for the reply.
// Implementations must honor ctx for the whole round trip.
type Transport interface {
	Send(ctx context.Context, endpoint string, msg *Message) (*Message, error)
}

// Resolver maps a rank to the endpoint its detector listens on. MarkStale is
// called when the transport could not reach the endpoint Resolve returned.
type Resolver interface {
	Resolve(ctx context.Context, r Rank) (string, error)
	MarkStale(r Rank)
}

// ResolverFunc adapts a function to Resolver. It keeps nothing to invalidate.
type ResolverFunc func(ctx context.Context, r Rank) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, r Rank) (string, error) {
	return f(ctx, r)
}

func (ResolverFunc) MarkStale(Rank) {}

// Handler serves an inbound detector message.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Network is an in-process Transport. Endpoints register a Handler; a cut link
// or a dropped endpoint swallows requests until the sender's context expires,
// which is how tests simulate lost packets and crashed ranks.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	dropped  map[string]bool
	cuts     map[link]bool
}

type link struct {
	from Rank
	to   string
}

var _ Transport = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]Handler),
		dropped:  make(map[string]bool),
		cuts:     make(map[link]bool),
	}
}

// MemEndpoint is the endpoint name used for r on a Network.
func MemEndpoint(r Rank) string {
	return fmt.Sprintf("mem://%d", r)
}

// MemResolver resolves every rank to its MemEndpoint.
func MemResolver() Resolver {
	return ResolverFunc(func(_ context.Context, r Rank) (string, error) {
		return MemEndpoint(r), nil
	})
}

func (n *Network) Register(endpoint string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[endpoint] = h
}

func (n *Network) Unregister(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, endpoint)
}

// SetDropped makes every request to endpoint go unanswered.
func (n *Network) SetDropped(endpoint string, dropped bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped[endpoint] = dropped
}

// Cut drops requests sent by from to the endpoint of to, in one direction only.
func (n *Network) Cut(from, to Rank, cut bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cuts[link{from: from, to: MemEndpoint(to)}] = cut
}

func (n *Network) Send(ctx context.Context, endpoint string, msg *Message) (*Message, error) {
	n.mu.RLock()
	h, ok := n.handlers[endpoint]
	silent := n.dropped[endpoint] || n.cuts[link{from: msg.From, to: endpoint}]
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", endpoint, zerrors.ErrUnreachable)
	}
	if silent {
		<-ctx.Done()
		return nil, fmt.Errorf("%s: %w", endpoint, zerrors.ErrTimeout)
	}

	in := *msg
	in.Deltas = slices.Clone(msg.Deltas)

	type result struct {
		reply *Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h(ctx, &in)
		done <- result{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", endpoint, zerrors.ErrTimeout)
	}
}
