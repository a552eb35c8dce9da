package node

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/corpc"
	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/group"
)

// Built-in opcodes every group hosted by a Node answers.
const (
	OpPing = "ping" // 1 per responding rank; sum counts them
	OpRank = "rank" // the rank id
	OpInfo = "info" // JSON Info of the rank
)

// Node hosts the groups of one rank in this process.
type Node struct {
	self    gossip.Rank
	addr    string
	deps    group.Deps
	logger  *zap.Logger
	started time.Time

	mu     sync.RWMutex
	groups map[string]*group.Group
}

// Info describes the process a rank runs in.
type Info struct {
	Rank   gossip.Rank `json:"rank"`
	Addr   string      `json:"addr"`
	PID    int         `json:"pid"`
	Now    time.Time   `json:"now"`
	Uptime string      `json:"uptime"`
	Groups []string    `json:"groups"`
}

func New(self gossip.Rank, addr string, deps group.Deps, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		self:    self,
		addr:    addr,
		deps:    deps,
		logger:  logger.With(zap.Stringer("rank", self)),
		started: time.Now(),
		groups:  make(map[string]*group.Group),
	}
}

func (n *Node) Self() gossip.Rank { return n.self }

func (n *Node) Addr() string { return n.addr }

// CreateGroup creates and starts a group. cfg.Parent may name another
// group of this node through parent; an empty parent creates a primary group.
func (n *Node) CreateGroup(ctx context.Context, cfg group.Config, parent string) (*group.Group, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.groups[cfg.Name]; ok {
		return nil, fmt.Errorf("%s: %w", cfg.Name, zerrors.ErrGroupExists)
	}
	if parent != "" {
		p, ok := n.groups[parent]
		if !ok {
			return nil, fmt.Errorf("parent %s: %w", parent, zerrors.ErrGroupNotFound)
		}
		cfg.Parent = p
	}
	cfg.Self = n.self
	if cfg.Logger == nil {
		cfg.Logger = n.logger
	}

	g, err := group.New(cfg, n.deps)
	if err != nil {
		return nil, err
	}
	n.registerBuiltins(g)
	if err := g.Start(ctx); err != nil {
		return nil, err
	}
	n.groups[cfg.Name] = g
	n.logger.Info("group created", zap.String("group", cfg.Name), zap.String("parent", parent))
	return g, nil
}

// DestroyGroup stops a group and its sub-groups and forgets them.
func (n *Node) DestroyGroup(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, ok := n.groups[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, zerrors.ErrGroupNotFound)
	}
	var err error
	for subName, sub := range n.groups {
		if sub.Parent() == g {
			err = multierr.Append(err, sub.Stop())
			delete(n.groups, subName)
		}
	}
	err = multierr.Append(err, g.Stop())
	delete(n.groups, name)
	n.logger.Info("group destroyed", zap.String("group", name))
	return err
}

func (n *Node) Group(name string) (*group.Group, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	g, ok := n.groups[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, zerrors.ErrGroupNotFound)
	}
	return g, nil
}

// Groups returns the names of the hosted groups in order.
func (n *Node) Groups() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Sorted(maps.Keys(n.groups))
}

// Close destroys every group, sub-groups first.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	for _, sub := range []bool{true, false} {
		for name, g := range n.groups {
			if (g.Parent() != nil) == sub {
				err = multierr.Append(err, g.Stop())
				delete(n.groups, name)
			}
		}
	}
	return err
}

func (n *Node) Info() Info {
	return Info{
		Rank:   n.self,
		Addr:   n.addr,
		PID:    os.Getpid(),
		Now:    time.Now(),
		Uptime: time.Since(n.started).Round(time.Second).String(),
		Groups: n.Groups(),
	}
}

func (n *Node) registerBuiltins(g *group.Group) {
	g.Register(OpPing, func(context.Context, *corpc.Request) (corpc.Contribution, error) {
		return corpc.Contribution{Value: 1}, nil
	})
	g.Register(OpRank, func(context.Context, *corpc.Request) (corpc.Contribution, error) {
		return corpc.Contribution{Value: int64(n.self)}, nil
	})
	g.Register(OpInfo, func(context.Context, *corpc.Request) (corpc.Contribution, error) {
		data, err := json.Marshal(n.Info())
		if err != nil {
			return corpc.Contribution{}, err
		}
		return corpc.Contribution{Data: data}, nil
	})
}
