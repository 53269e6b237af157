package pool

import (
	"context"
	"sync"
)

// holder owns at most one live physical connection and the units attached
// to it.
type holder struct {
	pool  *Pool
	index int // -1 for unpooled holders

	// openMu serializes dialing and closing the connection. Every path that
	// hands out or tears down h.conn holds it.
	openMu sync.Mutex

	mu    sync.Mutex
	conn  *PhysicalConnection
	units map[string]*Unit
}

func newHolder(p *Pool, index int) *holder {
	return &holder{
		pool:  p,
		index: index,
		units: make(map[string]*Unit),
	}
}

// attached returns the number of attached units. Callers hold pool.mu.
func (h *holder) attached() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.units)
}

func (h *holder) attach(u *Unit) {
	h.mu.Lock()
	h.units[u.key] = u
	h.mu.Unlock()
}

// detach removes u and reports whether the holder became empty.
func (h *holder) detach(u *Unit) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.units, u.key)
	return len(h.units) == 0
}

// current returns the live connection, if any.
func (h *holder) current() *PhysicalConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil || !h.conn.alive() {
		return nil
	}
	return h.conn
}

// connection returns the live connection, dialing one if needed.
func (h *holder) connection(ctx context.Context) (*PhysicalConnection, error) {
	h.openMu.Lock()
	defer h.openMu.Unlock()

	if c := h.current(); c != nil {
		return c, nil
	}

	c, err := dialPhysical(ctx, &h.pool.cfg, h.connectionEnded)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
	return c, nil
}

// connectionEnded runs once per connection when it finishes. Units check
// themselves whether they were using c.
func (h *holder) connectionEnded(c *PhysicalConnection, err error, lost bool) {
	h.mu.Lock()
	if h.conn == c {
		h.conn = nil
	}
	units := make([]*Unit, 0, len(h.units))
	for _, u := range h.units {
		units = append(units, u)
	}
	h.mu.Unlock()

	if !lost {
		return
	}
	h.pool.logger.Info("physical connection lost; notifying devices",
		"conn_id", c.ID(), "devices", len(units), "err", err)
	for _, u := range units {
		u.connectionLost(c, err)
	}
}

// closeIfEmpty closes the connection unless a unit attached since the
// caller detached. It reports whether a connection was closed.
func (h *holder) closeIfEmpty(ctx context.Context) (bool, error) {
	h.openMu.Lock()
	defer h.openMu.Unlock()

	h.mu.Lock()
	if len(h.units) > 0 || h.conn == nil {
		h.mu.Unlock()
		return false, nil
	}
	c := h.conn
	h.conn = nil
	h.mu.Unlock()

	return true, c.close(ctx)
}

// closeConnection closes the live connection, if any.
func (h *holder) closeConnection(ctx context.Context) error {
	h.openMu.Lock()
	defer h.openMu.Unlock()

	h.mu.Lock()
	c := h.conn
	h.conn = nil
	h.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.close(ctx)
}
