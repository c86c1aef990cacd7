package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/reconnect"
	"github.com/sawpanic/marketfeed/internal/registry"
	"github.com/sawpanic/marketfeed/internal/venue"
)

// PoolConfig sizes a venue's Connection Pool.
type PoolConfig struct {
	MaxSubscriptionsPerConnection int // 0 means unlimited: a single Connection carries everything
	ConnectionConfig              Config
	ReconnectMaxAttempts          int
	ReconnectBaseDelay            time.Duration
	ReconnectMaxDelay             time.Duration
}

// Pool manages zero or more Connections for one venue, routing subscriptions
// onto Connections that still have spare capacity under
// MaxSubscriptionsPerConnection (0 = a single always-reused Connection, the
// common case for venues with no per-socket cap).
type Pool struct {
	venueName string
	adapter   venue.Adapter
	class     venue.TradingClass
	cfg       PoolConfig
	sink      RecordSink
	registry  *registry.Registry
	log       zerolog.Logger

	running func() bool

	mu          sync.Mutex
	connections map[string]*Connection
	reconnector map[string]*reconnect.Reconnector
}

// NewPool returns an empty Pool for one venue.
func NewPool(venueName string, adapter venue.Adapter, class venue.TradingClass, cfg PoolConfig, sink RecordSink, reg *registry.Registry, running func() bool, log zerolog.Logger) *Pool {
	return &Pool{
		venueName:   venueName,
		adapter:     adapter,
		class:       class,
		cfg:         cfg,
		sink:        sink,
		registry:    reg,
		running:     running,
		log:         log.With().Str("venue", venueName).Logger(),
		connections: make(map[string]*Connection),
		reconnector: make(map[string]*reconnect.Reconnector),
	}
}

// acquireFor returns an open Connection with spare capacity for one more
// subscription key, opening a new one if every existing Connection is full
// (or none exist yet).
func (p *Pool) acquireFor(ctx context.Context, key model.Key) (*Connection, error) {
	p.mu.Lock()
	for _, c := range p.connections {
		if c.State() != StateOpen {
			continue
		}
		if p.cfg.MaxSubscriptionsPerConnection <= 0 || c.CarriedCount() < p.cfg.MaxSubscriptionsPerConnection {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	return p.openNew(ctx)
}

// EnsureConnection opens a first Connection for this venue if none is open
// yet. Used by the facade's start() to eagerly establish one socket per
// enabled venue instead of waiting for the first subscribe.
func (p *Pool) EnsureConnection(ctx context.Context) error {
	p.mu.Lock()
	has := len(p.connections) > 0
	p.mu.Unlock()
	if has {
		return nil
	}
	_, err := p.openNew(ctx)
	return err
}

func (p *Pool) openNew(ctx context.Context) (*Connection, error) {
	conn := New(p.adapter, p.class, p.cfg.ConnectionConfig, p.sink, p.onConnectionClosed, p.log)
	if err := conn.Open(ctx); err != nil {
		return nil, fmt.Errorf("connection pool: open %s: %w", p.venueName, err)
	}

	p.mu.Lock()
	p.connections[conn.ID] = conn
	p.mu.Unlock()
	return conn, nil
}

// AddSubscription acquires a Connection with spare capacity, transmits the
// venue's subscribe frame, and records the (key, Connection) pairing in both
// the Connection's carried-set and the registry's reverse map.
func (p *Pool) AddSubscription(ctx context.Context, key model.Key) error {
	conn, err := p.acquireFor(ctx, key)
	if err != nil {
		return err
	}

	frame, err := p.adapter.BuildSubscribe(key)
	if err != nil {
		return fmt.Errorf("connection pool: build subscribe frame: %w", err)
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("connection pool: send subscribe: %w", err)
	}

	conn.addKey(key)
	p.registry.SetCarrier(key, conn.ID)
	return nil
}

// RemoveSubscription looks up the carrying Connection, transmits the
// unsubscribe frame, and erases key from both maps. A key with no known
// carrier is a no-op (at-most-once removal).
func (p *Pool) RemoveSubscription(ctx context.Context, key model.Key) error {
	connID, ok := p.registry.Carrier(key)
	if !ok {
		return nil
	}

	p.mu.Lock()
	conn, ok := p.connections[connID]
	p.mu.Unlock()
	if !ok {
		p.registry.DropCarrier(key)
		return nil
	}

	frame, err := p.adapter.BuildUnsubscribe(key)
	if err != nil {
		return fmt.Errorf("connection pool: build unsubscribe frame: %w", err)
	}
	if err := conn.Send(ctx, frame); err != nil {
		p.log.Warn().Err(err).Msg("unsubscribe send failed, dropping bookkeeping anyway")
	}

	conn.removeKey(key)
	p.registry.DropCarrier(key)
	return nil
}

// onConnectionClosed is the Connection CloseHandler: it drops carrier
// bookkeeping for the closed Connection and, unless this was a clean stop,
// drives that Connection's Reconnector to re-seat the affected keys.
func (p *Pool) onConnectionClosed(conn *Connection, reason CloseReason, carried []model.Key) {
	p.registry.ClearCarrierFor(carried)

	p.mu.Lock()
	delete(p.connections, conn.ID)
	p.mu.Unlock()

	if reason == CloseStop || !p.running() {
		return
	}

	p.mu.Lock()
	backoff := reconnect.NewBackoff(p.cfg.ReconnectBaseDelay, p.cfg.ReconnectMaxDelay)
	r := reconnect.New(p.venueName, p.cfg.ReconnectMaxAttempts, backoff, p.running, func(venueName string) {
		p.log.Error().Str("venue", venueName).Msg("reconnect attempts exhausted")
		p.mu.Lock()
		delete(p.reconnector, conn.ID)
		p.mu.Unlock()
	})
	p.reconnector[conn.ID] = r
	p.mu.Unlock()

	ctx := context.Background()
	r.Trigger(ctx, func(ctx context.Context) error {
		_, err := p.openNew(ctx)
		return err
	}, func(ctx context.Context) {
		for _, key := range carried {
			if err := p.AddSubscription(ctx, key); err != nil {
				p.log.Warn().Err(err).Interface("key", key).Msg("resubscribe after reconnect failed")
			}
		}
		p.mu.Lock()
		delete(p.reconnector, conn.ID)
		p.mu.Unlock()
	})
}

// Shutdown closes every Connection in the pool with a clean code and clears
// bookkeeping. Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Connections returns a snapshot of every Connection currently in the pool,
// for status reporting.
func (p *Pool) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		out = append(out, c)
	}
	return out
}

// Status is a point-in-time snapshot of a venue's connection health, the
// per-venue view spec §3 calls out: connected flag, reconnecting flag,
// current attempt counter.
type Status struct {
	Connected      bool
	Reconnecting   bool
	AttemptCounter int
	ConnectionIDs  []string
}

// Status reports whether this venue currently has at least one open
// Connection, whether a reconnect is in flight, and that reconnect's
// current attempt counter (0 if none is in flight).
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{ConnectionIDs: make([]string, 0, len(p.connections))}
	for id, c := range p.connections {
		st.ConnectionIDs = append(st.ConnectionIDs, id)
		if c.State() == StateOpen {
			st.Connected = true
		}
	}
	for _, r := range p.reconnector {
		if r.Reconnecting() {
			st.Reconnecting = true
			st.AttemptCounter = r.Attempt()
		}
	}
	return st
}
