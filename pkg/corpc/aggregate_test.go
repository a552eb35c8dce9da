package corpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

func TestPartialMerge(t *testing.T) {
	testCases := []struct {
		kind Kind
		want int64
	}{
		{kind: KindSum, want: 12},
		{kind: KindMin, want: -3},
		{kind: KindMax, want: 10},
	}
	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			left := newPartial(tc.kind)
			left.add(1, Contribution{Value: 5})
			right := newPartial(tc.kind)
			right.add(2, Contribution{Value: -3})
			right.add(3, Contribution{Value: 10})

			require.NoError(t, left.merge(right))
			res := left.result("id", "op")
			require.Equal(t, tc.want, res.Value)
			require.Equal(t, []gossip.Rank{1, 2, 3}, res.Contributors)
		})
	}
}

func TestEmptyPartialMergesAsIdentity(t *testing.T) {
	p := newPartial(KindMin)
	require.NoError(t, p.merge(newPartial(KindMin)))
	p.add(4, Contribution{Value: 9})
	require.EqualValues(t, 9, p.Value)
}

func TestMergeRejectsMismatchedKind(t *testing.T) {
	p := newPartial(KindSum)
	require.Error(t, p.merge(newPartial(KindMax)))
}

func TestConcatIsOrderedByRank(t *testing.T) {
	a := newPartial(KindConcat)
	a.add(5, Contribution{Data: []byte("five")})
	b := newPartial(KindConcat)
	b.add(0, Contribution{Data: []byte("zero")})
	b.add(3, Contribution{Data: []byte("three")})
	b.fail(7)

	require.NoError(t, a.merge(b))
	res := a.result("id", "op")
	require.Equal(t, []Item{
		{Rank: 0, Data: []byte("zero")},
		{Rank: 3, Data: []byte("three")},
		{Rank: 5, Data: []byte("five")},
	}, res.Items)
	require.Equal(t, []gossip.Rank{7}, res.Failed)
	require.True(t, res.PartialFailure())
}

func TestNormalizeDeduplicates(t *testing.T) {
	p := newPartial(KindSum)
	p.Contributors = []gossip.Rank{4, 1, 4}
	p.Failed = []gossip.Rank{6, 1, 6}
	p.normalize()

	require.Equal(t, []gossip.Rank{1, 4}, p.Contributors)
	require.Equal(t, []gossip.Rank{6}, p.Failed)
}

func TestKindText(t *testing.T) {
	for _, k := range []Kind{KindSum, KindMin, KindMax, KindConcat} {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var got Kind
		require.NoError(t, got.UnmarshalText(b))
		require.Equal(t, k, got)
	}
	_, err := ParseKind("median")
	require.Error(t, err)
}
