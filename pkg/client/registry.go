package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/devicehub/hub-client-go/pkg/pool"
)

// poolRegistry shares pools between clients built with the same endpoint,
// transport and pool settings. Pools are reference counted and closed with their
// last client.
type poolRegistry struct {
	mu    sync.Mutex
	pools map[string]*sharedPool
}

type sharedPool struct {
	pool *pool.Pool
	refs int
}

var sharedPools = &poolRegistry{pools: make(map[string]*sharedPool)}

// shareable reports whether clients can share a pool built from cfg.
// Per-client hooks such as a dialer or protocol logger cannot be compared
// as keys.
func shareable(cfg pool.Config) bool {
	t := cfg.Transport
	if t.Dial != nil || cfg.ProtocolLogger != nil || t.ProtocolLogger != nil {
		return false
	}
	if t.TLS != nil && (len(t.TLS.Certificates) > 0 || t.TLS.GetClientCertificate != nil) {
		return false
	}
	return true
}

// registryKey covers every setting a pool applies to its connections.
func registryKey(cfg pool.Config) string {
	s, t := cfg.Settings, cfg.Transport
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%t|%d|%d|%s|%s|%d|%p",
		t.Protocol, t.Address, s.Pooling, s.MaxPoolSize, s.MaxDevices,
		cfg.OperationTimeout, t.IdleTimeout, t.MaxFrameSize, cfg.Logger)
	if t.TLS != nil {
		fmt.Fprintf(&b, "|tls:%s|%t|%p", t.TLS.ServerName, t.TLS.InsecureSkipVerify, t.TLS.RootCAs)
	}
	if len(t.Header) > 0 {
		fmt.Fprintf(&b, "|%v", t.Header)
	}
	return b.String()
}

// acquire returns the pool for cfg, creating it on first use.
func (r *poolRegistry) acquire(cfg pool.Config) (*pool.Pool, string) {
	key := registryKey(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.pools[key]
	if !ok {
		sp = &sharedPool{pool: pool.New(cfg)}
		r.pools[key] = sp
	}
	sp.refs++
	return sp.pool, key
}

// release drops one reference and closes the pool with the last one.
func (r *poolRegistry) release(ctx context.Context, key string) error {
	r.mu.Lock()
	sp, ok := r.pools[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	sp.refs--
	if sp.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.pools, key)
	r.mu.Unlock()

	return sp.pool.Close(ctx)
}

func (r *poolRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}
