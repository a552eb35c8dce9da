package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/corpc"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// DefaultCollectiveTimeout bounds an operator-triggered collective.
const DefaultCollectiveTimeout = 30 * time.Second

// Routes wires the node endpoints, each instrumented under its own op label.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.InfoHandler)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /membership/{group}", telemetry.Instrument("membership", http.HandlerFunc(n.Membership)))
	mux.Handle("POST /corpc/{group}", telemetry.Instrument("collective", http.HandlerFunc(n.Collective)))
	mux.Handle("POST /internal/gossip/{group}", telemetry.Instrument("gossip", http.HandlerFunc(n.InternalGossip)))
	mux.Handle("POST /internal/corpc/{group}", telemetry.Instrument("corpc", http.HandlerFunc(n.InternalCollective)))
	return mux
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// InfoHandler writes the node Info as JSON.
func (n *Node) InfoHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, n.Info())
}

// Membership writes the group's membership snapshot ordered by rank.
func (n *Node) Membership(w http.ResponseWriter, r *http.Request) {
	g, err := n.Group(r.PathValue("group"))
	if err != nil {
		n.writeError(w, err)
		return
	}
	writeJSON(w, g.MembershipSnapshot())
}

// Collective runs an operator-triggered collective and waits for it.
// Query parameters: opcode (default ping), kind (default sum), root
// (default this rank), timeout (Go duration). The body is the payload.
func (n *Node) Collective(w http.ResponseWriter, r *http.Request) {
	g, err := n.Group(r.PathValue("group"))
	if err != nil {
		n.writeError(w, err)
		return
	}

	q := r.URL.Query()
	c := corpc.Collective{Root: n.self, Opcode: OpPing, Kind: corpc.KindSum}
	if v := q.Get("opcode"); v != "" {
		c.Opcode = v
	}
	if v := q.Get("kind"); v != "" {
		if c.Kind, err = corpc.ParseKind(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("root"); v != "" {
		root, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			http.Error(w, "invalid root", http.StatusBadRequest)
			return
		}
		c.Root = gossip.Rank(root)
	}
	timeout := DefaultCollectiveTimeout
	if v := q.Get("timeout"); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil || timeout <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
	}
	if c.Payload, err = io.ReadAll(io.LimitReader(r.Body, 1<<20)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	call, err := g.InitiateCollective(ctx, c)
	if err != nil {
		n.writeError(w, err)
		return
	}
	res, err := call.Wait(ctx)
	if err != nil {
		n.writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// InternalGossip serves detector messages from other ranks.
func (n *Node) InternalGossip(w http.ResponseWriter, r *http.Request) {
	g, err := n.Group(r.PathValue("group"))
	if err != nil {
		n.writeError(w, err)
		return
	}
	var msg gossip.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := g.HandleGossip(r.Context(), &msg)
	if err != nil {
		n.writeError(w, err)
		return
	}
	writeJSON(w, reply)
}

// InternalCollective serves collective requests from parent ranks.
func (n *Node) InternalCollective(w http.ResponseWriter, r *http.Request) {
	g, err := n.Group(r.PathValue("group"))
	if err != nil {
		n.writeError(w, err)
		return
	}
	var req corpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := g.HandleCollective(r.Context(), &req)
	if err != nil {
		n.writeError(w, err)
		return
	}
	writeJSON(w, reply)
}

func (n *Node) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		n.logger.Debug("request failed", zap.Int("status", status), zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
