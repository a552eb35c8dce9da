// Package gossip implements the membership table and the SWIM-style failure
// detector of a group. The table merges membership deltas under the
// incarnation/status precedence; the detector probes one member per protocol
// period, falls back to indirect probes through other members, suspects ranks
// that stay silent and confirms them dead once the suspicion timeout passes
// without a refutation. Every probe and ack piggy-backs the most recently
// changed table records, so knowledge spreads between ranks that never probe
// each other.
//
// Typical usage:
//
//	table := gossip.NewTable(self, cfg.TombstoneTTL, logger)
//	g, _ := gossip.New(cfg, table, transport, resolver)
//	_ = g.Start(ctx)
//	defer g.Stop()
//
// Tests run detectors over the in-process Network transport; production
// deployments use the HTTP transport from the node package.
package gossip
