package pool

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devicehub/hub-client-go/pkg/metrics"
)

// Pool hands out Units and shares physical connections between them.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	units   map[string]*Unit
	holders []*holder // pooled holders, nil without pooling
	closed  bool
}

// New creates a pool. No connection is opened until a Unit opens.
func New(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		units:  make(map[string]*Unit),
	}
	if cfg.Settings.Pooling {
		k := cfg.Settings.holderCount()
		p.holders = make([]*holder, k)
		for i := range p.holders {
			p.holders[i] = newHolder(p, i)
		}
	}
	return p
}

// Settings returns the pool's sharing settings.
func (p *Pool) Settings() Settings {
	return p.cfg.Settings
}

// Acquire returns the Unit for id, attaching a new one when the identity is
// not yet in the pool. Acquiring the same identity twice returns the same
// Unit.
func (p *Pool) Acquire(id Identity) (*Unit, error) {
	key := id.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if u, ok := p.units[key]; ok {
		return u, nil
	}

	if limit := p.cfg.Settings.MaxDevices; limit > 0 && len(p.units) >= limit {
		return nil, ErrPoolFull
	}

	h := p.selectHolder(key)
	if h == nil {
		return nil, ErrPoolFull
	}

	u := newUnit(p, h, id)
	p.units[key] = u
	h.attach(u)
	metrics.RecordUnitAttached()

	p.logger.Debug("device attached", "device", key, "holder", h.index)
	return u, nil
}

// selectHolder picks the holder for key. Callers hold p.mu.
func (p *Pool) selectHolder(key string) *holder {
	if !p.cfg.Settings.Pooling {
		return newHolder(p, -1)
	}

	capacity := p.cfg.Settings.Capacity()
	k := len(p.holders)
	start := int(hashKey(key) % uint32(k))
	for i := 0; i < k; i++ {
		h := p.holders[(start+i)%k]
		if capacity == 0 || h.attached() < capacity {
			return h
		}
	}
	return nil
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// Release detaches u from the pool, closing its session if still open.
// The physical connection closes when u was the last unit on it.
func (p *Pool) Release(ctx context.Context, u *Unit) error {
	p.mu.Lock()
	if p.units[u.key] != u {
		p.mu.Unlock()
		return nil
	}
	delete(p.units, u.key)
	empty := u.holder.detach(u)
	p.mu.Unlock()

	metrics.RecordUnitDetached()
	closeErr := u.release(ctx)

	if !empty {
		return closeErr
	}
	// A unit may attach to the holder while the session closes.
	closed, err := u.holder.closeIfEmpty(ctx)
	if closed {
		p.logger.Debug("last device detached; closed connection", "device", u.key, "holder", u.holder.index)
	}
	if err != nil {
		return err
	}
	return closeErr
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	// Units is the number of attached identities.
	Units int

	// Connections is the number of live physical connections.
	Connections int
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	holders := p.allHolders()

	p.mu.Lock()
	s := Stats{Units: len(p.units)}
	p.mu.Unlock()

	for _, h := range holders {
		if h.current() != nil {
			s.Connections++
		}
	}
	return s
}

// allHolders returns every holder with units or a connection.
func (p *Pool) allHolders() []*holder {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.holders != nil {
		return append([]*holder(nil), p.holders...)
	}
	seen := make(map[*holder]struct{}, len(p.units))
	out := make([]*holder, 0, len(p.units))
	for _, u := range p.units {
		if _, ok := seen[u.holder]; !ok {
			seen[u.holder] = struct{}{}
			out = append(out, u.holder)
		}
	}
	return out
}

// Close rejects further Acquire calls and closes every live connection
// concurrently. Units still attached see their connection end without a
// loss notification.
func (p *Pool) Close(ctx context.Context) error {
	holders := p.allHolders()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	units := make([]*Unit, 0, len(p.units))
	for _, u := range p.units {
		units = append(units, u)
	}
	p.mu.Unlock()

	for _, u := range units {
		u.markReleased()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range holders {
		g.Go(func() error {
			return h.closeConnection(gctx)
		})
	}
	return g.Wait()
}
