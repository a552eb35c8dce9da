package corpc

import (
	"fmt"
	"maps"
	"slices"

	goset "github.com/deckarep/golang-set/v2"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// Kind selects how contributions are merged. The set is closed: every rank of
// a collective must merge the same way, so the kind travels with the request.
type Kind uint8

const (
	// KindSum adds the Value of every contribution.
	KindSum Kind = iota
	// KindMin keeps the smallest Value.
	KindMin
	// KindMax keeps the largest Value.
	KindMax
	// KindConcat keeps every Data payload in a per-rank slot; results list
	// them in rank order regardless of arrival order.
	KindConcat
)

func (k Kind) String() string {
	switch k {
	case KindSum:
		return "sum"
	case KindMin:
		return "min"
	case KindMax:
		return "max"
	case KindConcat:
		return "concat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindSum, KindMin, KindMax, KindConcat} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregation kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (k Kind) valid() bool { return k <= KindConcat }

// Contribution is what a handler returns for its own rank.
type Contribution struct {
	Value int64
	Data  []byte
}

// Partial is the merged result of a subtree. It travels upward in replies.
type Partial struct {
	Kind         Kind                   `json:"kind"`
	Value        int64                  `json:"value"`
	HasValue     bool                   `json:"has_value"`
	Slots        map[gossip.Rank][]byte `json:"slots,omitempty"`
	Contributors []gossip.Rank          `json:"contributors,omitempty"`
	Failed       []gossip.Rank          `json:"failed,omitempty"`
}

func newPartial(kind Kind) *Partial {
	return &Partial{Kind: kind}
}

func (p *Partial) add(r gossip.Rank, c Contribution) {
	p.mergeValue(c.Value)
	if p.Kind == KindConcat {
		if p.Slots == nil {
			p.Slots = make(map[gossip.Rank][]byte)
		}
		p.Slots[r] = c.Data
	}
	p.Contributors = append(p.Contributors, r)
}

func (p *Partial) mergeValue(v int64) {
	if !p.HasValue {
		p.Value = v
		p.HasValue = true
		if p.Kind == KindConcat {
			p.Value = 0
		}
		return
	}
	switch p.Kind {
	case KindSum:
		p.Value += v
	case KindMin:
		p.Value = min(p.Value, v)
	case KindMax:
		p.Value = max(p.Value, v)
	}
}

// merge folds o into p. Both must carry the same kind.
func (p *Partial) merge(o *Partial) error {
	if o.Kind != p.Kind {
		return fmt.Errorf("cannot merge %s partial into %s", o.Kind, p.Kind)
	}
	if o.HasValue {
		p.mergeValue(o.Value)
	}
	if len(o.Slots) > 0 {
		if p.Slots == nil {
			p.Slots = make(map[gossip.Rank][]byte, len(o.Slots))
		}
		maps.Copy(p.Slots, o.Slots)
	}
	p.Contributors = append(p.Contributors, o.Contributors...)
	p.Failed = append(p.Failed, o.Failed...)
	return nil
}

func (p *Partial) fail(ranks ...gossip.Rank) {
	p.Failed = append(p.Failed, ranks...)
}

// normalize sorts and de-duplicates the rank lists. A rank both contributing
// and failed (a late duplicate) counts as contributing.
func (p *Partial) normalize() {
	contributors := goset.NewThreadUnsafeSet(p.Contributors...)
	failed := goset.NewThreadUnsafeSet(p.Failed...).Difference(contributors)

	p.Contributors = contributors.ToSlice()
	slices.Sort(p.Contributors)
	p.Failed = failed.ToSlice()
	slices.Sort(p.Failed)
}

// Item is one rank's payload in a concatenated result.
type Item struct {
	Rank gossip.Rank `json:"rank"`
	Data []byte      `json:"data"`
}

// Result is the final outcome of a collective as delivered to its originator.
// A non-empty Failed set means some subtrees did not answer; the merged value
// covers Contributors only.
type Result struct {
	ID           RequestID     `json:"id"`
	Opcode       string        `json:"opcode"`
	Kind         Kind          `json:"kind"`
	Value        int64         `json:"value"`
	Items        []Item        `json:"items,omitempty"`
	Contributors []gossip.Rank `json:"contributors"`
	Failed       []gossip.Rank `json:"failed"`
}

// PartialFailure reports whether any rank failed to contribute.
func (r *Result) PartialFailure() bool { return len(r.Failed) > 0 }

func (p *Partial) result(id RequestID, opcode string) *Result {
	p.normalize()
	res := &Result{
		ID:           id,
		Opcode:       opcode,
		Kind:         p.Kind,
		Value:        p.Value,
		Contributors: p.Contributors,
		Failed:       p.Failed,
	}
	if p.Kind == KindConcat {
		ranks := slices.Sorted(maps.Keys(p.Slots))
		res.Items = make([]Item, 0, len(ranks))
		for _, r := range ranks {
			res.Items = append(res.Items, Item{Rank: r, Data: p.Slots[r]})
		}
	}
	return res
}
