package gossip

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
)

// Probe, indirect probe and suspicion handling of the detector. Probe
// failures never leave this file as errors: they only move table state.

// nextTarget walks a shuffled permutation of the probeable members, building a
// new permutation once the current one is exhausted.
func (g *Gossiper) nextTarget() (Rank, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		for g.next < len(g.order) {
			r := g.order[g.next]
			g.next++
			if m, ok := g.table.Get(r); ok && m.Status != StatusDead {
				return r, true
			}
		}
		g.order = g.probeable()
		g.next = 0
		g.rng.Shuffle(len(g.order), func(i, j int) { g.order[i], g.order[j] = g.order[j], g.order[i] })
		if len(g.order) == 0 {
			return 0, false
		}
	}
	return 0, false
}

func (g *Gossiper) probeable() []Rank {
	snapshot := g.table.Snapshot()
	out := make([]Rank, 0, len(snapshot))
	for _, m := range snapshot {
		if m.Rank != g.cfg.Self && m.Status != StatusDead {
			out = append(out, m.Rank)
		}
	}
	return out
}

// launchProbe probes target in the background unless a probe of it is
// already running.
func (g *Gossiper) launchProbe(target Rank) {
	if !g.inflight.Add(target) {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.inflight.Remove(target)
		g.probe(g.ctx, target)
	}()
}

func (g *Gossiper) probe(ctx context.Context, target Rank) {
	known, ok := g.table.Get(target)
	if !ok || known.Status == StatusDead {
		return
	}

	if g.ping(ctx, target) {
		telemetry.ProbesTotal.WithLabelValues("ack").Inc()
		return
	}
	if ctx.Err() != nil {
		return
	}
	if g.indirectProbe(ctx, target) {
		telemetry.ProbesTotal.WithLabelValues("indirect_ack").Inc()
		return
	}
	if ctx.Err() != nil {
		return
	}

	telemetry.ProbesTotal.WithLabelValues("failed").Inc()
	g.logger.Debug("probe failed", zap.Stringer("target", target), zap.Uint64("incarnation", known.Incarnation))

	// suspicion is raised at the last known incarnation
	suspect := Delta{Rank: target, Incarnation: known.Incarnation, Status: StatusSuspect}
	if g.table.ApplyDelta(suspect) {
		g.logger.Info("member suspected", zap.Stringer("target", target), zap.Uint64("incarnation", known.Incarnation))
		g.startSuspicion(target, known.Incarnation)
	}
}

func (g *Gossiper) ping(ctx context.Context, target Rank) bool {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
	defer cancel()

	reply, err := g.send(ctx, target, g.message(MsgPing, target))
	if err != nil {
		g.logger.Debug("ping failed", zap.Stringer("target", target), zap.Error(err))
		return false
	}
	return reply.Type == MsgAck
}

// indirectProbe asks up to IndirectProbes alive members to probe target and
// succeeds on the first relayed ack.
func (g *Gossiper) indirectProbe(ctx context.Context, target Rank) bool {
	helpers := g.randomPeers(g.cfg.IndirectProbes, target)
	if len(helpers) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.IndirectTimeout)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	acks := make(chan bool, len(helpers))
	for _, h := range helpers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := g.send(ctx, h, g.message(MsgIndirectPing, target))
			acks <- err == nil && reply.Type == MsgAck
		}()
	}

	for range helpers {
		select {
		case ok := <-acks:
			if ok {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// startSuspicion arms the timer that confirms target dead unless a newer
// incarnation shows up first.
func (g *Gossiper) startSuspicion(target Rank, incarnation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.suspicions[target]; ok {
		t.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(g.cfg.SuspicionTimeout, func() {
		g.confirm(target, incarnation, &tm)
	})
	g.suspicions[target] = tm
}

func (g *Gossiper) cancelSuspicion(target Rank) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.suspicions[target]; ok {
		t.Stop()
		delete(g.suspicions, target)
	}
}

// confirm runs when the timer in *tm fires. A timer that was re-armed or
// canceled in the meantime no longer owns the suspicion and does nothing.
func (g *Gossiper) confirm(target Rank, incarnation uint64, tm **time.Timer) {
	g.mu.Lock()
	if cur, ok := g.suspicions[target]; !ok || cur != *tm {
		g.mu.Unlock()
		return
	}
	delete(g.suspicions, target)
	g.mu.Unlock()

	if !g.started.Load() {
		return
	}
	m, ok := g.table.Get(target)
	if !ok || m.Status != StatusSuspect || m.Incarnation != incarnation {
		return
	}
	if g.table.ApplyDelta(Delta{Rank: target, Incarnation: incarnation, Status: StatusDead}) {
		g.logger.Info("member declared dead", zap.Stringer("target", target), zap.Uint64("incarnation", incarnation))
	}
}

// suspects returns the ranks with an armed suspicion timer.
func (g *Gossiper) suspects() []Rank {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Rank, 0, len(g.suspicions))
	for r := range g.suspicions {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
