// Package discovery keeps the group directory in etcd: the endpoint every
// rank of a group is reachable at. Entries are bound to a lease so a crashed
// process disappears from the directory once its lease expires.
package discovery

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

const (
	keyPrefix = "/zephyr/groups/"

	DefaultTimeout    = 5 * time.Second
	DefaultLeaseTTL   = 10 // seconds
	DefaultMaxRetries = 5
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RankKey is the directory key of rank r in group.
func RankKey(group string, r gossip.Rank) string {
	return ranksPrefix(group) + r.String()
}

func ranksPrefix(group string) string {
	return keyPrefix + group + "/ranks/"
}

func parseRank(group string, kv *mvccpb.KeyValue) (gossip.Rank, bool) {
	rest, ok := strings.CutPrefix(string(kv.Key), ranksPrefix(group))
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return gossip.Rank(n), true
}

// Change is a directory update observed by Watch.
type Change struct {
	Rank gossip.Rank
	Addr string
	// Left is set when the entry was deleted or its lease expired.
	Left bool
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

type Directory struct {
	kv         clientv3.KV
	lease      clientv3.Lease
	watcher    clientv3.Watcher
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger

	mu            sync.Mutex
	registrations map[string]registration
	wg            sync.WaitGroup
}

func New(cli *clientv3.Client, logger *zap.Logger) *Directory {
	return newDirectory(cli.KV, cli.Lease, cli.Watcher, logger)
}

func newDirectory(kv clientv3.KV, lease clientv3.Lease, watcher clientv3.Watcher, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		kv:            kv,
		lease:         lease,
		watcher:       watcher,
		timeout:       DefaultTimeout,
		maxRetries:    DefaultMaxRetries,
		logger:        logger.Named("directory"),
		registrations: make(map[string]registration),
	}
}

func (d *Directory) retrier() *retry.Retrier {
	return retry.NewRetrier(d.maxRetries, 100*time.Millisecond, time.Second)
}

// Register publishes addr for rank r of group under a lease of ttl seconds
// and keeps the lease alive until Deregister or Close.
func (d *Directory) Register(ctx context.Context, group string, r gossip.Rank, addr string, ttl int64) error {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	key := RankKey(group, r)

	var leaseID clientv3.LeaseID
	err := d.retrier().RunContext(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		lease, err := d.lease.Grant(opCtx, ttl)
		if err != nil {
			return fmt.Errorf("grant lease: %w", err)
		}
		if _, err := d.kv.Put(opCtx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		leaseID = lease.ID
		return nil
	})
	if err != nil {
		return fmt.Errorf("register rank %d of %s: %w", r, group, err)
	}

	kaCtx, kaCancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := d.lease.KeepAlive(kaCtx, leaseID)
	if err != nil {
		kaCancel()
		return fmt.Errorf("keep-alive for rank %d of %s: %w", r, group, err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for range ch {
		}
		d.logger.Debug("lease keep-alive ended", zap.String("key", key))
	}()

	d.mu.Lock()
	prev, ok := d.registrations[key]
	d.registrations[key] = registration{lease: leaseID, cancel: kaCancel}
	d.mu.Unlock()
	if ok {
		prev.cancel()
	}

	d.logger.Info("registered", zap.String("key", key), zap.String("addr", addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the entry of rank r right away instead of waiting for
// its lease to expire.
func (d *Directory) Deregister(ctx context.Context, group string, r gossip.Rank) error {
	key := RankKey(group, r)
	d.mu.Lock()
	reg, ok := d.registrations[key]
	delete(d.registrations, key)
	d.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if ok {
		reg.cancel()
		// the lease expires on its own if revoking fails
		_, _ = d.lease.Revoke(opCtx, reg.lease)
	}
	if _, err := d.kv.Delete(opCtx, key); err != nil {
		return fmt.Errorf("deregister %s: %w", key, err)
	}
	return nil
}

// LookupAddress returns the endpoint of rank in group. The tag is not part
// of the directory: every tag of a rank shares its endpoint.
func (d *Directory) LookupAddress(ctx context.Context, group string, rank gossip.Rank, _ uint32) (string, error) {
	key := RankKey(group, rank)
	var resp *clientv3.GetResponse
	err := d.retrier().RunContext(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		var err error
		resp, err = d.kv.Get(opCtx, key)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("lookup %s: %w", key, zerrors.ErrNotFound)
	}
	return string(resp.Kvs[0].Value), nil
}

// Ranks lists the ranks registered for group in order.
func (d *Directory) Ranks(ctx context.Context, group string) ([]gossip.Rank, error) {
	opCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.kv.Get(opCtx, ranksPrefix(group), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list ranks of %s: %w", group, err)
	}
	ranks := make([]gossip.Rank, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if r, ok := parseRank(group, kv); ok {
			ranks = append(ranks, r)
		}
	}
	slices.Sort(ranks)
	return ranks, nil
}

// Watch calls fn for every rank that joins or leaves group until ctx is
// canceled or the watch fails.
func (d *Directory) Watch(ctx context.Context, group string, fn func(Change)) {
	watchChan := d.watcher.Watch(ctx, ranksPrefix(group), clientv3.WithPrefix())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				d.logger.Warn("directory watch failed", zap.String("group", group), zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				r, ok := parseRank(group, ev.Kv)
				if !ok {
					continue
				}
				switch ev.Type {
				case mvccpb.PUT:
					fn(Change{Rank: r, Addr: string(ev.Kv.Value)})
				case mvccpb.DELETE:
					fn(Change{Rank: r, Left: true})
				}
			}
		}
	}()
}

// Close drops every registration and waits for keep-alive and watch tasks.
// Watches stop with the context they were started with.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	regs := d.registrations
	d.registrations = make(map[string]registration)
	d.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	for _, reg := range regs {
		reg.cancel()
		_, _ = d.lease.Revoke(opCtx, reg.lease)
	}
	d.wg.Wait()
	return nil
}
