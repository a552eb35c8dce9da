// Package topology builds the dissemination tree of a collective: a balanced
// K-ary tree over an ordered set of ranks. The tree is a pure function of
// (ranks, root, fanout), so every rank that holds the same inputs derives the
// same tree without exchanging it.
package topology

import (
	"fmt"
	"slices"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// Spec is the wire form of a tree. Ranks is already in tree order (root first).
type Spec struct {
	Root   gossip.Rank   `json:"root"`
	Fanout int           `json:"fanout"`
	Ranks  []gossip.Rank `json:"ranks"`
}

// Tree is an immutable K-ary tree. Positions index into ranks; the parent of
// position i > 0 is position (i-1)/fanout, so no links are stored.
type Tree struct {
	fanout int
	ranks  []gossip.Rank       // tree order, root at 0
	pos    map[gossip.Rank]int // rank -> position
}

// Build orders ranks by id, moves root to the front and lays the result out as
// a K-ary tree. Duplicates are ignored. root must be one of ranks.
func Build(ranks []gossip.Rank, root gossip.Rank, fanout int) (*Tree, error) {
	if fanout < 1 {
		return nil, zerrors.ErrInvalidFanout
	}
	sorted := slices.Clone(ranks)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	i, found := slices.BinarySearch(sorted, root)
	if !found {
		return nil, fmt.Errorf("rank %d: %w", root, zerrors.ErrRootNotMember)
	}
	order := make([]gossip.Rank, 0, len(sorted))
	order = append(order, root)
	order = append(order, sorted[:i]...)
	order = append(order, sorted[i+1:]...)
	return newTree(order, fanout), nil
}

// FromSpec rebuilds the tree described by s.
func FromSpec(s Spec) (*Tree, error) {
	if s.Fanout < 1 {
		return nil, zerrors.ErrInvalidFanout
	}
	if len(s.Ranks) == 0 || s.Ranks[0] != s.Root {
		return nil, fmt.Errorf("rank %d: %w", s.Root, zerrors.ErrRootNotMember)
	}
	seen := make(map[gossip.Rank]struct{}, len(s.Ranks))
	for _, r := range s.Ranks {
		if _, dup := seen[r]; dup {
			return nil, fmt.Errorf("rank %d listed twice in tree spec", r)
		}
		seen[r] = struct{}{}
	}
	return newTree(slices.Clone(s.Ranks), s.Fanout), nil
}

// newTree clamps fanout to len(order)-1: a wider tree has the same shape and
// the clamp keeps position arithmetic far from overflow.
func newTree(order []gossip.Rank, fanout int) *Tree {
	fanout = max(1, min(fanout, len(order)-1))
	pos := make(map[gossip.Rank]int, len(order))
	for i, r := range order {
		pos[r] = i
	}
	return &Tree{fanout: fanout, ranks: order, pos: pos}
}

func (t *Tree) Root() gossip.Rank { return t.ranks[0] }

func (t *Tree) Fanout() int { return t.fanout }

func (t *Tree) Len() int { return len(t.ranks) }

// Ranks returns the ranks in tree order.
func (t *Tree) Ranks() []gossip.Rank { return slices.Clone(t.ranks) }

func (t *Tree) Contains(r gossip.Rank) bool {
	_, ok := t.pos[r]
	return ok
}

func (t *Tree) Spec() Spec {
	return Spec{Root: t.Root(), Fanout: t.fanout, Ranks: t.Ranks()}
}

// Parent returns the parent of r; false for the root or an unknown rank.
func (t *Tree) Parent(r gossip.Rank) (gossip.Rank, bool) {
	i, ok := t.pos[r]
	if !ok || i == 0 {
		return 0, false
	}
	return t.ranks[(i-1)/t.fanout], true
}

// Children returns the direct children of r in tree order.
func (t *Tree) Children(r gossip.Rank) []gossip.Rank {
	i, ok := t.pos[r]
	if !ok {
		return nil
	}
	first := i*t.fanout + 1
	if first >= len(t.ranks) {
		return nil
	}
	last := min(first+t.fanout, len(t.ranks))
	return slices.Clone(t.ranks[first:last])
}

// Subtree returns r and all its descendants, breadth first.
func (t *Tree) Subtree(r gossip.Rank) []gossip.Rank {
	if !t.Contains(r) {
		return nil
	}
	out := []gossip.Rank{r}
	for i := 0; i < len(out); i++ {
		out = append(out, t.Children(out[i])...)
	}
	return out
}

// Height is the number of edges on the longest path from r down to a leaf.
func (t *Tree) Height(r gossip.Rank) int {
	i, ok := t.pos[r]
	if !ok {
		return 0
	}
	h := 0
	// levels fill left to right, so the left-most path is the longest
	for first := i*t.fanout + 1; first < len(t.ranks); first = first*t.fanout + 1 {
		h++
	}
	return h
}

// Depth is the height of the whole tree.
func (t *Tree) Depth() int { return t.Height(t.Root()) }

// ParentMap returns child -> parent for every non-root rank.
func (t *Tree) ParentMap() map[gossip.Rank]gossip.Rank {
	out := make(map[gossip.Rank]gossip.Rank, len(t.ranks))
	for _, r := range t.ranks[1:] {
		p, _ := t.Parent(r)
		out[r] = p
	}
	return out
}
