// Package connection wraps one live venue streaming session (Connection)
// and the per-venue collection of them (Pool), grounded on the teacher's
// Kraken WebSocketClient: a dial loop, a receive loop with a last-data
// watchdog, a heartbeat ticker, and a reconnect-trigger channel, generalized
// here to run behind the venue.Adapter capability interface instead of being
// hand-rolled per exchange.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/venue"
)

// State is a Connection's position in its Connecting -> Open -> Closing ->
// Closed lifecycle. Closed is reachable from any prior state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason distinguishes why a Connection closed, so the owning Pool
// knows whether to drive the Reconnector.
type CloseReason int

const (
	// CloseStop is a clean, engine-requested shutdown; no reconnect follows.
	CloseStop CloseReason = iota
	// CloseWatchdog is a forced close from data starvation.
	CloseWatchdog
	// CloseError is any other read/write/handshake failure.
	CloseError
)

// watchdogCloseCode is the distinguished websocket close code a
// data-starvation watchdog sends, so a reconnector can tell it apart from a
// clean stop() close on the wire.
const watchdogCloseCode = 4000

// Config controls the timers a Connection arms once open.
type Config struct {
	HeartbeatInterval time.Duration
	DataTimeout       time.Duration
	DataTimeoutCheck  time.Duration
	OutboundRateLimit rate.Limit
	OutboundBurst     int
	HandshakeTimeout  time.Duration
}

// RecordSink receives every record a Connection normalizes off the wire.
type RecordSink interface {
	Accept(venueName string, records venue.Normalized)
}

// CloseHandler is notified once, after teardown, with the set of
// subscription keys the Connection was carrying at close time.
type CloseHandler func(conn *Connection, reason CloseReason, carried []model.Key)

// Connection wraps one live streaming session against a single venue
// adapter and trading class.
type Connection struct {
	ID      string
	Venue   string
	Adapter venue.Adapter
	Class   venue.TradingClass
	cfg     Config

	log zerolog.Logger

	mu       sync.Mutex
	state    State
	carried  map[model.Key]struct{}
	conn     *websocket.Conn
	lastData time.Time

	sendMu  sync.Mutex
	limiter *rate.Limiter

	closeOnce sync.Once
	closeCh   chan struct{}

	sink    RecordSink
	onClose CloseHandler
}

// New builds a Connection in the Connecting state. Call Open to dial.
func New(adapterImpl venue.Adapter, class venue.TradingClass, cfg Config, sink RecordSink, onClose CloseHandler, log zerolog.Logger) *Connection {
	if cfg.OutboundBurst <= 0 {
		cfg.OutboundBurst = 5
	}
	if cfg.OutboundRateLimit <= 0 {
		cfg.OutboundRateLimit = rate.Limit(20)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	id := uuid.NewString()
	return &Connection{
		ID:      id,
		Venue:   adapterImpl.Name(),
		Adapter: adapterImpl,
		Class:   class,
		cfg:     cfg,
		log:     log.With().Str("venue", adapterImpl.Name()).Str("connectionId", id).Logger(),
		state:   StateConnecting,
		carried: make(map[model.Key]struct{}),
		closeCh: make(chan struct{}),
		limiter: rate.NewLimiter(cfg.OutboundRateLimit, cfg.OutboundBurst),
		sink:    sink,
		onClose: onClose,
	}
}

// Open resolves the venue endpoint (running any required pre-session
// handshake), dials the socket, and starts the receive loop, heartbeat
// ticker, and starvation watchdog.
func (c *Connection) Open(ctx context.Context) error {
	endpoint, err := c.Adapter.URLFor(ctx, c.Class)
	if err != nil {
		return fmt.Errorf("connection: resolve endpoint: %w", err)
	}

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.HandshakeTimeout

	ws, _, err := dialer.DialContext(ctx, endpoint.URL, nil)
	if err != nil {
		return fmt.Errorf("connection: dial %s: %w", endpoint.URL, err)
	}

	heartbeatInterval := c.cfg.HeartbeatInterval
	if endpoint.HeartbeatInterval > 0 {
		heartbeatInterval = endpoint.HeartbeatInterval
	}

	c.mu.Lock()
	c.conn = ws
	c.state = StateOpen
	c.lastData = time.Now()
	c.mu.Unlock()

	go c.receiveLoop()
	go c.heartbeatLoop(heartbeatInterval)
	go c.watchdogLoop()

	c.log.Info().Str("url", endpoint.URL).Msg("connection opened")
	return nil
}

// State reports the Connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CarriedKeys returns a snapshot of the subscription keys this Connection
// currently carries.
func (c *Connection) CarriedKeys() []model.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Key, 0, len(c.carried))
	for k := range c.carried {
		out = append(out, k)
	}
	return out
}

// CarriedCount reports how many subscription keys this Connection carries.
func (c *Connection) CarriedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.carried)
}

func (c *Connection) addKey(key model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carried[key] = struct{}{}
}

func (c *Connection) removeKey(key model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.carried, key)
}

// Send serializes nothing itself — callers already hold the venue frame —
// and transmits it if the socket is open, honoring the outbound rate limit.
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	if c.State() != StateOpen {
		return fmt.Errorf("connection: send on non-open socket (state=%s)", c.State())
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("connection: rate limit wait: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("connection: send on nil socket")
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("connection: write: %w", err)
	}
	return nil
}

func (c *Connection) receiveLoop() {
	for {
		c.mu.Lock()
		ws := c.conn
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			c.teardown(CloseError)
			return
		}

		c.mu.Lock()
		c.lastData = time.Now()
		c.mu.Unlock()

		dispatch := c.Adapter.DispatchFrame(data)
		switch dispatch.Kind {
		case venue.FrameData:
			normalized, err := c.Adapter.Normalize(dispatch.Channel, data, time.Now().UnixMilli())
			if err != nil {
				c.log.Warn().Err(err).Str("channel", dispatch.Channel).Msg("normalize failed")
				continue
			}
			if !normalized.Empty() && c.sink != nil {
				c.sink.Accept(c.Venue, normalized)
			}
		case venue.FrameError:
			c.log.Warn().Err(dispatch.Err).Msg("venue reported frame error")
		case venue.FrameSubscribeAck, venue.FrameHeartbeatReply, venue.FrameOther:
			// nothing to do
		}
	}
}

func (c *Connection) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			frame := c.Adapter.Heartbeat()
			if frame == nil {
				continue
			}
			if err := c.Send(context.Background(), frame); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

func (c *Connection) watchdogLoop() {
	interval := c.cfg.DataTimeoutCheck
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := c.cfg.DataTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastData) > timeout
			c.mu.Unlock()
			if stale {
				c.log.Warn().Msg("data-starvation watchdog tripped, forcing reconnect")
				c.closeWithCode(watchdogCloseCode, CloseWatchdog)
				return
			}
		}
	}
}

// Close performs a clean, engine-requested shutdown.
func (c *Connection) Close() error {
	return c.closeWithCode(websocket.CloseNormalClosure, CloseStop)
}

func (c *Connection) closeWithCode(code int, reason CloseReason) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	ws := c.conn
	c.mu.Unlock()

	var err error
	if ws != nil {
		msg := websocket.FormatCloseMessage(code, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		err = ws.Close()
	}
	c.teardown(reason)
	return err
}

func (c *Connection) teardown(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		carried := make([]model.Key, 0, len(c.carried))
		for k := range c.carried {
			carried = append(carried, k)
		}
		c.mu.Unlock()

		close(c.closeCh)
		c.log.Info().Int("reason", int(reason)).Int("carried", len(carried)).Msg("connection closed")
		if c.onClose != nil {
			c.onClose(c, reason, carried)
		}
	})
}
