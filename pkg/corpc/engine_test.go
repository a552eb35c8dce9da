package corpc

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/topology"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	ranks []gossip.Rank
}

func (r *recorder) Accelerate(rank gossip.Rank) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranks = append(r.ranks, rank)
}

func (r *recorder) seen() []gossip.Rank {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ranks)
}

type staticMembers []gossip.Rank

func (s staticMembers) Alive() []gossip.Rank { return slices.Clone(s) }

type cluster struct {
	net      *Network
	engines  []*Engine
	suspects []*recorder
}

func rankHandler(self gossip.Rank) Handler {
	return func(context.Context, *Request) (Contribution, error) {
		return Contribution{Value: int64(self), Data: []byte(fmt.Sprintf("r%d", self))}, nil
	}
}

func blockingHandler(ctx context.Context, _ *Request) (Contribution, error) {
	<-ctx.Done()
	return Contribution{}, ctx.Err()
}

// newCluster wires n engines with ranks 0..n-1 onto one in-process network.
func newCluster(t *testing.T, n, fanout int, hop time.Duration) *cluster {
	t.Helper()
	c := &cluster{net: NewNetwork()}
	ranks := make(staticMembers, n)
	for i := range n {
		ranks[i] = gossip.Rank(i)
	}
	for _, r := range ranks {
		rec := &recorder{}
		e, err := New(Config{Group: "test", Self: r, Fanout: fanout, HopTimeout: hop}, Deps{
			Transport: c.net,
			Router:    MemRouter(),
			Members:   ranks,
			Suspector: rec,
		})
		require.NoError(t, err)
		e.Register("rank", rankHandler(r))
		e.Register("block", blockingHandler)
		c.net.Register(gossip.MemEndpoint(r), e.Handle)
		c.engines = append(c.engines, e)
		c.suspects = append(c.suspects, rec)
	}
	t.Cleanup(func() {
		for _, e := range c.engines {
			_ = e.Close()
		}
	})
	return c
}

func (c *cluster) run(t *testing.T, from gossip.Rank, col Collective) (*Result, error) {
	t.Helper()
	call, err := c.engines[from].Initiate(context.Background(), col)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return call.Wait(ctx)
}

func ranksOf(rs ...int) []gossip.Rank {
	out := make([]gossip.Rank, len(rs))
	for i, r := range rs {
		out[i] = gossip.Rank(r)
	}
	return out
}

func TestSumOverSevenRanks(t *testing.T) {
	c := newCluster(t, 7, 2, time.Second)

	res, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
	require.NoError(t, err)
	require.EqualValues(t, 21, res.Value)
	require.Equal(t, ranksOf(0, 1, 2, 3, 4, 5, 6), res.Contributors)
	require.Empty(t, res.Failed)
	require.False(t, res.PartialFailure())
}

func TestSingleRankCollective(t *testing.T) {
	c := newCluster(t, 1, 2, time.Second)

	res, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
	require.NoError(t, err)
	require.EqualValues(t, 0, res.Value)
	require.Equal(t, ranksOf(0), res.Contributors)
}

func TestSilentRankIsReportedFailed(t *testing.T) {
	c := newCluster(t, 7, 2, 100*time.Millisecond)
	c.net.SetDropped(gossip.MemEndpoint(4), true)

	start := time.Now()
	res, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)

	require.EqualValues(t, 17, res.Value)
	require.Equal(t, ranksOf(4), res.Failed)
	require.Equal(t, ranksOf(0, 1, 2, 3, 5, 6), res.Contributors)
	require.True(t, res.PartialFailure())

	// rank 4's parent is rank 1; it is the one that saw the timeout
	require.Equal(t, ranksOf(4), c.suspects[1].seen())
	require.Empty(t, c.suspects[0].seen())
}

func TestForcedFailuresAreCountedExactly(t *testing.T) {
	testCases := []struct {
		name         string
		drop         []int
		failed       []int
		contributors []int
		sum          int64
	}{
		{name: "leaves", drop: []int{3, 5, 6}, failed: []int{3, 5, 6}, contributors: []int{0, 1, 2, 4}, sum: 7},
		{name: "intermediate takes its subtree", drop: []int{2}, failed: []int{2, 5, 6}, contributors: []int{0, 1, 3, 4}, sum: 8},
		{name: "none", contributors: []int{0, 1, 2, 3, 4, 5, 6}, sum: 21},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCluster(t, 7, 2, 50*time.Millisecond)
			for _, r := range tc.drop {
				c.net.SetDropped(gossip.MemEndpoint(gossip.Rank(r)), true)
			}

			res, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
			require.NoError(t, err)
			require.Equal(t, tc.sum, res.Value)
			require.Equal(t, ranksOf(tc.contributors...), res.Contributors)
			if len(tc.failed) == 0 {
				require.Empty(t, res.Failed)
			} else {
				require.Equal(t, ranksOf(tc.failed...), res.Failed)
			}
		})
	}
}

func TestUnreachableChildIsReportedFailed(t *testing.T) {
	c := newCluster(t, 7, 2, time.Second)
	c.net.Unregister(gossip.MemEndpoint(6))

	res, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
	require.NoError(t, err)
	require.EqualValues(t, 15, res.Value)
	require.Equal(t, ranksOf(6), res.Failed)
	require.Equal(t, ranksOf(6), c.suspects[2].seen())
}

func TestRetransmissionServedFromCache(t *testing.T) {
	c := newCluster(t, 7, 2, time.Second)

	call, err := c.engines[0].Initiate(context.Background(), Collective{Root: 0, Opcode: "rank", Kind: KindSum})
	require.NoError(t, err)
	res, err := call.Wait(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 21, res.Value)

	tree, err := topology.Build(ranksOf(0, 1, 2, 3, 4, 5, 6), 0, 2)
	require.NoError(t, err)
	dup := &Request{ID: call.ID(), Group: "test", Opcode: "rank", Kind: KindSum, From: 0, Tree: tree.Spec()}

	first, err := c.engines[1].Handle(context.Background(), dup)
	require.NoError(t, err)
	second, err := c.engines[1].Handle(context.Background(), dup)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.EqualValues(t, 8, first.Partial.Value)
	require.Equal(t, ranksOf(1, 3, 4), first.Partial.Contributors)

	for _, r := range []gossip.Rank{1, 2, 3, 4, 5, 6} {
		require.Equal(t, 1, c.net.Requests(gossip.MemEndpoint(r)), "rank %d", r)
	}
}

func TestConcurrentDuplicateJoinsRunningOperation(t *testing.T) {
	c := newCluster(t, 7, 2, time.Second)
	gate := make(chan struct{})
	c.engines[3].Register("gated", func(ctx context.Context, _ *Request) (Contribution, error) {
		select {
		case <-gate:
			return Contribution{Value: 3}, nil
		case <-ctx.Done():
			return Contribution{}, ctx.Err()
		}
	})
	for _, r := range []int{1, 4} {
		c.engines[r].Register("gated", rankHandler(gossip.Rank(r)))
	}

	tree, err := topology.Build(ranksOf(0, 1, 2, 3, 4, 5, 6), 0, 2)
	require.NoError(t, err)
	req := &Request{ID: NewRequestID(), Group: "test", Opcode: "gated", Kind: KindSum, From: 0, Tree: tree.Spec()}

	replies := make(chan *Reply, 2)
	handle := func() {
		reply, err := c.engines[1].Handle(context.Background(), req)
		if err == nil {
			replies <- reply
		} else {
			replies <- nil
		}
	}
	go handle()
	require.Eventually(t, func() bool { return c.engines[3].Pending() == 1 }, time.Second, 5*time.Millisecond)
	go handle()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for range 2 {
		reply := <-replies
		require.NotNil(t, reply)
		require.EqualValues(t, 8, reply.Partial.Value)
	}
	require.Equal(t, 1, c.net.Requests(gossip.MemEndpoint(3)))
	require.Equal(t, 1, c.net.Requests(gossip.MemEndpoint(4)))
}

func TestCancelPropagatesDownTheTree(t *testing.T) {
	c := newCluster(t, 7, 2, 5*time.Second)

	call, err := c.engines[0].Initiate(context.Background(), Collective{Root: 0, Opcode: "block", Kind: KindSum})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, e := range c.engines {
			if e.Pending() != 1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	require.True(t, c.engines[0].Cancel(call.ID()))
	require.Equal(t, 0, c.engines[0].Pending())

	_, err = call.Wait(context.Background())
	require.ErrorIs(t, err, zerrors.ErrCanceled)

	require.Eventually(t, func() bool {
		for _, e := range c.engines {
			if e.Pending() != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, c.engines[0].Cancel(call.ID()))
}

func TestCallerContextCancelsCollective(t *testing.T) {
	c := newCluster(t, 3, 2, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	call, err := c.engines[0].Initiate(ctx, Collective{Root: 0, Opcode: "block", Kind: KindSum})
	require.NoError(t, err)
	cancel()

	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("collective not canceled")
	}
	_, err = call.Wait(context.Background())
	require.ErrorIs(t, err, zerrors.ErrCanceled)
}

func TestAggregationKinds(t *testing.T) {
	c := newCluster(t, 7, 3, time.Second)

	res, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindMin})
	require.NoError(t, err)
	require.EqualValues(t, 0, res.Value)

	res, err = c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindMax})
	require.NoError(t, err)
	require.EqualValues(t, 6, res.Value)

	res, err = c.run(t, 5, Collective{Root: 5, Opcode: "rank", Kind: KindConcat})
	require.NoError(t, err)
	require.Len(t, res.Items, 7)
	for i, item := range res.Items {
		require.Equal(t, gossip.Rank(i), item.Rank)
		require.Equal(t, fmt.Sprintf("r%d", i), string(item.Data))
	}
}

func TestRemoteRoot(t *testing.T) {
	c := newCluster(t, 7, 2, time.Second)

	res, err := c.run(t, 3, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
	require.NoError(t, err)
	require.EqualValues(t, 21, res.Value)
	require.Equal(t, 1, c.net.Requests(gossip.MemEndpoint(0)))
}

func TestAllChildrenFailedIsHardFailure(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		c := newCluster(t, 3, 2, 50*time.Millisecond)
		c.net.SetDropped(gossip.MemEndpoint(1), true)
		c.net.SetDropped(gossip.MemEndpoint(2), true)

		_, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
		require.ErrorIs(t, err, zerrors.ErrTimeout)
	})
	t.Run("unreachable", func(t *testing.T) {
		c := newCluster(t, 3, 2, 50*time.Millisecond)
		c.net.Unregister(gossip.MemEndpoint(1))
		c.net.Unregister(gossip.MemEndpoint(2))

		_, err := c.run(t, 0, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
		require.ErrorIs(t, err, zerrors.ErrUnreachable)
	})
	t.Run("remote root gone", func(t *testing.T) {
		c := newCluster(t, 3, 2, 50*time.Millisecond)
		c.net.Unregister(gossip.MemEndpoint(0))

		_, err := c.run(t, 2, Collective{Root: 0, Opcode: "rank", Kind: KindSum})
		require.ErrorIs(t, err, zerrors.ErrUnreachable)
	})
}

func TestInitiatePreconditions(t *testing.T) {
	c := newCluster(t, 3, 2, time.Second)
	e := c.engines[0]

	_, err := e.Initiate(context.Background(), Collective{Root: 0, Opcode: "nope", Kind: KindSum})
	require.ErrorIs(t, err, zerrors.ErrUnknownOpcode)

	_, err = e.Initiate(context.Background(), Collective{Root: 42, Opcode: "rank", Kind: KindSum})
	require.ErrorIs(t, err, zerrors.ErrRootNotMember)

	_, err = e.Initiate(context.Background(), Collective{Root: 0, Opcode: "rank", Kind: Kind(9)})
	require.Error(t, err)

	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Close(), zerrors.ErrNotStarted)
	_, err = e.Initiate(context.Background(), Collective{Root: 0, Opcode: "rank", Kind: KindSum})
	require.ErrorIs(t, err, zerrors.ErrNotStarted)
}

func TestHandleRejectsForeignRequests(t *testing.T) {
	c := newCluster(t, 3, 2, time.Second)

	_, err := c.engines[1].Handle(context.Background(), &Request{ID: NewRequestID(), Group: "other"})
	require.ErrorIs(t, err, zerrors.ErrGroupNotFound)

	tree, err := topology.Build(ranksOf(0, 2), 0, 2)
	require.NoError(t, err)
	_, err = c.engines[1].Handle(context.Background(), &Request{
		ID: NewRequestID(), Group: "test", Opcode: "rank", Tree: tree.Spec(),
	})
	require.Error(t, err)
}

func TestHandleClampsOversizedFanout(t *testing.T) {
	c := newCluster(t, 3, 2, time.Second)

	reply, err := c.engines[1].Handle(context.Background(), &Request{
		ID: NewRequestID(), Group: "test", Opcode: "rank", Kind: KindSum, From: 0,
		Tree: topology.Spec{Root: 0, Fanout: math.MaxInt, Ranks: ranksOf(0, 1)},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, reply.Partial.Value)
	require.Zero(t, c.engines[1].Pending())

	res, err := c.run(t, 1, Collective{Root: 1, Opcode: "rank", Kind: KindSum})
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Value)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Fanout: -1}, Deps{Transport: NewNetwork(), Router: MemRouter(), Members: staticMembers{0}})
	require.ErrorIs(t, err, zerrors.ErrInvalidConfig)

	_, err = New(DefaultConfig(), Deps{})
	require.ErrorIs(t, err, zerrors.ErrInvalidConfig)
}

func TestCompletedRetentionIsBounded(t *testing.T) {
	e, err := New(Config{Group: "test", CompletedRetention: 2}, Deps{
		Transport: NewNetwork(), Router: MemRouter(), Members: staticMembers{0},
	})
	require.NoError(t, err)
	defer e.Close()

	e.Register("rank", rankHandler(0))
	var ids []RequestID
	for range 3 {
		call, err := e.Initiate(context.Background(), Collective{Root: 0, Opcode: "rank", Kind: KindSum})
		require.NoError(t, err)
		_, err = call.Wait(context.Background())
		require.NoError(t, err)
		ids = append(ids, call.ID())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.completed, 2)
	require.NotContains(t, e.completed, ids[0])
	require.Contains(t, e.completed, ids[2])
}
