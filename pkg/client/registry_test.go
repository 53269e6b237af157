package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/pool"
	"github.com/devicehub/hub-client-go/pkg/transport"
)

func poolSettings(pooling bool, size int) pool.Settings {
	return pool.Settings{Pooling: pooling, MaxPoolSize: size}
}

func registryConfig(addr string, s pool.Settings) pool.Config {
	return pool.Config{
		Settings:  s,
		Transport: transport.Config{Address: addr},
	}
}

func TestRegistrySharesMatchingPools(t *testing.T) {
	r := &poolRegistry{pools: make(map[string]*sharedPool)}

	a, keyA := r.acquire(registryConfig("hub:5671", poolSettings(true, 2)))
	b, keyB := r.acquire(registryConfig("hub:5671", poolSettings(true, 2)))
	assert.Same(t, a, b)
	assert.Equal(t, keyA, keyB)

	c, _ := r.acquire(registryConfig("hub:5671", poolSettings(true, 3)))
	d, _ := r.acquire(registryConfig("hub:5671", poolSettings(false, 2)))
	e, _ := r.acquire(registryConfig("other:5671", poolSettings(true, 2)))
	assert.NotSame(t, a, c, "pool size is part of the key")
	assert.NotSame(t, a, d, "pooling flag is part of the key")
	assert.NotSame(t, a, e, "address is part of the key")
	assert.Equal(t, 4, r.size())
}

func TestRegistryClosesPoolWithLastReference(t *testing.T) {
	r := &poolRegistry{pools: make(map[string]*sharedPool)}
	ctx := context.Background()
	cfg := registryConfig("hub:5671", poolSettings(true, 2))

	p, key := r.acquire(cfg)
	_, _ = r.acquire(cfg)

	require.NoError(t, r.release(ctx, key))
	_, err := p.Acquire(pool.Identity{DeviceID: "dev-1"})
	require.NoError(t, err, "pool stays open while referenced")

	require.NoError(t, r.release(ctx, key))
	assert.Equal(t, 0, r.size())
	_, err = p.Acquire(pool.Identity{DeviceID: "dev-2"})
	assert.ErrorIs(t, err, pool.ErrPoolClosed)

	assert.NoError(t, r.release(ctx, key), "unknown keys are ignored")

	fresh, _ := r.acquire(cfg)
	assert.NotSame(t, p, fresh, "a closed pool is never handed out again")
}

func TestRegistryKeyCoversConnectionSettings(t *testing.T) {
	base := func() pool.Config {
		cfg := registryConfig("hub:5671", poolSettings(true, 2))
		cfg.OperationTimeout = time.Minute
		cfg.Transport.IdleTimeout = 2 * time.Minute
		cfg.Transport.TLS = &tls.Config{ServerName: "hub"}
		return cfg
	}
	require.Equal(t, registryKey(base()), registryKey(base()))

	tests := []struct {
		name   string
		modify func(*pool.Config)
	}{
		{"operation timeout", func(c *pool.Config) { c.OperationTimeout = time.Second }},
		{"idle timeout", func(c *pool.Config) { c.Transport.IdleTimeout = time.Second }},
		{"max frame size", func(c *pool.Config) { c.Transport.MaxFrameSize = 1024 }},
		{"max devices", func(c *pool.Config) { c.Settings.MaxDevices = 10 }},
		{"server name", func(c *pool.Config) { c.Transport.TLS.ServerName = "other" }},
		{"insecure skip verify", func(c *pool.Config) { c.Transport.TLS.InsecureSkipVerify = true }},
		{"root CAs", func(c *pool.Config) { c.Transport.TLS.RootCAs = x509.NewCertPool() }},
		{"plain text", func(c *pool.Config) { c.Transport.TLS = nil }},
		{"logger", func(c *pool.Config) { c.Logger = slog.New(slog.DiscardHandler) }},
		{"upgrade header", func(c *pool.Config) { c.Transport.Header = map[string][]string{"X-Trace": {"1"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.modify(&cfg)
			assert.NotEqual(t, registryKey(base()), registryKey(cfg))
		})
	}
}

func TestShareable(t *testing.T) {
	cfg := registryConfig("hub:5671", poolSettings(true, 2))
	assert.True(t, shareable(cfg))

	withDial := cfg
	withDial.Transport.Dial = func(context.Context, string, string) (net.Conn, error) { return nil, nil }
	assert.False(t, shareable(withDial))

	withProtoLog := cfg
	withProtoLog.ProtocolLogger = log.NoopLogger{}
	assert.False(t, shareable(withProtoLog))

	withCert := cfg
	withCert.Transport.TLS = &tls.Config{Certificates: []tls.Certificate{{}}}
	assert.False(t, shareable(withCert))
}
