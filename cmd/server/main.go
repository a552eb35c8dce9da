package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/discovery"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/group"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("node exited", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func run(logger *zap.Logger) error {
	telemetry.SetBuildInfo(version, gitSHA)

	self, err := envUint("SELF_RANK", 0)
	if err != nil {
		return err
	}
	rank := gossip.Rank(self)
	listen := envString("LISTEN_ADDR", ":"+node.DefaultPort)
	addr := node.NormalizeHostPort(envString("SELF_ADDR", "127.0.0.1"+listen), node.DefaultPort)
	groupName := envString("GROUP", "world")

	cfg := group.DefaultConfig(groupName, rank)
	if err := applyEnv(&cfg); err != nil {
		return err
	}

	// 1. etcd-backed directory
	endpoints := strings.Split(envString("ETCD_ENDPOINTS", "http://etcd:2379"), ",")
	cli, err := discovery.NewClient(endpoints)
	if err != nil {
		return err
	}
	defer cli.Close()
	dir := discovery.New(cli, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("registering", zap.Stringer("rank", rank), zap.String("addr", addr), zap.String("group", groupName))
	if err := dir.Register(ctx, groupName, rank, addr, discovery.DefaultLeaseTTL); err != nil {
		return err
	}

	// 2. bootstrap the group from the ranks already registered
	if cfg.Ranks, err = dir.Ranks(ctx, groupName); err != nil {
		return err
	}

	transport := node.NewHTTPTransport(nil)
	defer transport.Close()

	n := node.New(rank, addr, group.Deps{
		Directory:           dir,
		GossipTransport:     transport.Gossip(),
		CollectiveTransport: transport.Collective(),
	}, logger)

	g, err := n.CreateGroup(ctx, cfg, "")
	if err != nil {
		return err
	}

	// 3. ranks that show up later join through the directory
	dir.Watch(ctx, groupName, func(c discovery.Change) {
		if c.Rank == rank {
			return
		}
		g.Cache().Invalidate(c.Rank)
		if c.Left {
			g.Accelerate(c.Rank)
			return
		}
		logger.Info("rank joined", zap.Stringer("rank", c.Rank), zap.String("addr", c.Addr))
		g.Join(c.Rank)
	})

	srv := &http.Server{Handler: n.Routes(), ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("node listening", zap.String("listen", listen))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(
			srv.Shutdown(shutdownCtx),
			n.Close(),
			dir.Deregister(shutdownCtx, groupName, rank),
			dir.Close(shutdownCtx),
		)
	})
	return eg.Wait()
}

func applyEnv(cfg *group.Config) error {
	var err error
	durations := map[string]*time.Duration{
		"HOP_TIMEOUT":       &cfg.Collective.HopTimeout,
		"PROBE_INTERVAL":    &cfg.Gossip.ProbeInterval,
		"PING_TIMEOUT":      &cfg.Gossip.PingTimeout,
		"INDIRECT_TIMEOUT":  &cfg.Gossip.IndirectTimeout,
		"SUSPICION_TIMEOUT": &cfg.Gossip.SuspicionTimeout,
		"TOMBSTONE_TTL":     &cfg.Gossip.TombstoneTTL,
	}
	for key, dst := range durations {
		err = multierr.Append(err, envDuration(key, dst))
	}
	ints := map[string]*int{
		"FANOUT":          &cfg.Collective.Fanout,
		"INDIRECT_PROBES": &cfg.Gossip.IndirectProbes,
		"PIGGYBACK_SIZE":  &cfg.Gossip.PiggybackSize,
		"ADDR_CACHE_SIZE": &cfg.AddrCacheSize,
	}
	for key, dst := range ints {
		err = multierr.Append(err, envInt(key, dst))
	}
	return err
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUint(key string, def uint32) (uint32, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, errors.New(key + ": " + err.Error())
	}
	return uint32(n), nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.New(key + ": " + err.Error())
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.New(key + ": " + err.Error())
	}
	*dst = d
	return nil
}
