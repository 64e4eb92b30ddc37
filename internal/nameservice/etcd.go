package nameservice

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultPrefix   = "/replmesh/ports"
	defaultLeaseTTL = 30
)

// Etcd backs the rendezvous with an etcd cluster: one leased key per
// (triple, host), kept alive in the background so a dead node's
// registration ages out.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

type EtcdOptions struct {
	Prefix   string
	LeaseTTL int64
}

func NewEtcd(endpoints []string, opts EtcdOptions) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Etcd{cli: cli, prefix: prefix, ttl: ttl, cancel: make(map[string]context.CancelFunc)}, nil
}

func (e *Etcd) keyFor(host, app, service, instance string) string {
	return e.prefix + "/" + key(host, app, service, instance)
}

func (e *Etcd) Register(ctx context.Context, host, app, service, instance string, port int) error {
	k := e.keyFor(host, app, service, instance)

	// A re-registration replaces the previous lease and its keepalive.
	e.mu.Lock()
	if cancel, ok := e.cancel[k]; ok {
		cancel()
		delete(e.cancel, k)
	}
	e.mu.Unlock()

	lease, err := e.cli.Grant(ctx, e.ttl)
	if err != nil {
		return err
	}
	if _, err := e.cli.Put(ctx, k, strconv.Itoa(port), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
	}()

	e.mu.Lock()
	e.cancel[k] = cancel
	e.mu.Unlock()
	return nil
}

func (e *Etcd) Resolve(ctx context.Context, host, app, service, instance string) (int, error) {
	resp, err := e.cli.Get(ctx, e.keyFor(host, app, service, instance))
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, ErrNotFound
	}
	port, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return 0, fmt.Errorf("nameservice: bad port value %q: %w", resp.Kvs[0].Value, err)
	}
	return port, nil
}

func (e *Etcd) Close() error {
	e.mu.Lock()
	for k, cancel := range e.cancel {
		cancel()
		delete(e.cancel, k)
	}
	e.mu.Unlock()
	return e.cli.Close()
}
