package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REALTIME GATEWAY - Per-user position event fan-out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each connection owns a buffered send queue drained by its write pump.
// Broadcast never blocks: a full queue drops the message for that
// connection only.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrMissingUser   = errors.New("user id required")
	ErrGatewayClosed = errors.New("gateway closed")
)

const (
	shutdownReason = "server shutdown"
	readyType      = "channel.ready"
)

// Transport is the slice of *websocket.Conn the gateway drives
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config tunes connection handling
type Config struct {
	SendBuffer   int
	WriteWait    time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns the default connection settings
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteWait:    10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Conn is one registered subscriber
type Conn struct {
	id     uint64
	userID string
	t      Transport
	send   chan []byte

	done     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
	code     int
	reason   string
}

// ID returns the gateway-assigned connection id
func (c *Conn) ID() uint64 { return c.id }

// UserID returns the owner of the connection
func (c *Conn) UserID() string { return c.userID }

// Done is closed once the connection leaves the gateway
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) open() bool { return !c.closing.Load() }

// stop marks the connection closing. A non-zero code makes the write pump
// send a close frame before releasing the transport.
func (c *Conn) stop(code int, reason string) bool {
	stopped := false
	c.stopOnce.Do(func() {
		c.code = code
		c.reason = reason
		c.closing.Store(true)
		close(c.done)
		stopped = true
	})
	return stopped
}

// Gateway tracks live connections and pushes position events to their owners
type Gateway struct {
	cfg Config

	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	closed bool

	nextID  atomic.Uint64
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// New creates a gateway. Zero config fields fall back to DefaultConfig.
func New(cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &Gateway{
		cfg:   cfg,
		conns: make(map[*Conn]struct{}),
	}
}

type readyMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Connect registers a transport for userID and queues the ready ack.
// An empty user id is a policy violation: the transport is closed with 1008.
func (g *Gateway) Connect(userID string, t Transport) (*Conn, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		g.reject(t, websocket.ClosePolicyViolation, ErrMissingUser.Error())
		log.Warn().Msg("🚫 Stream rejected: missing user id")
		return nil, ErrMissingUser
	}

	ack, err := json.Marshal(readyMessage{Type: readyType, UserID: userID})
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:     g.nextID.Add(1),
		userID: userID,
		t:      t,
		send:   make(chan []byte, g.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	c.send <- ack

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.reject(t, websocket.CloseGoingAway, shutdownReason)
		return nil, ErrGatewayClosed
	}
	g.conns[c] = struct{}{}
	g.wg.Add(2)
	go g.writePump(c)
	go g.readPump(c)
	g.mu.Unlock()

	log.Debug().
		Str("user_id", userID).
		Uint64("conn_id", c.id).
		Msg("🔌 Stream connected")
	return c, nil
}

// Disconnect removes a connection and closes it normally. Safe to call more than once.
func (g *Gateway) Disconnect(c *Conn) {
	g.drop(c, websocket.CloseNormalClosure, "")
}

func (g *Gateway) drop(c *Conn, code int, reason string) {
	if c == nil {
		return
	}
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()

	if c.stop(code, reason) {
		log.Debug().
			Str("user_id", c.userID).
			Uint64("conn_id", c.id).
			Msg("Stream disconnected")
	}
}

// Broadcast queues the event on every open connection owned by the
// position's user. Full queues drop the event for that connection.
func (g *Gateway) Broadcast(event types.PositionEvent) {
	userID := event.Position.UserID
	if userID == "" {
		return
	}

	var payload []byte

	g.mu.RLock()
	defer g.mu.RUnlock()

	for c := range g.conns {
		if c.userID != userID || !c.open() {
			continue
		}
		if payload == nil {
			b, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("position_id", event.Position.ID).Msg("Failed to encode event")
				return
			}
			payload = b
		}
		select {
		case c.send <- payload:
		default:
			g.dropped.Add(1)
			log.Warn().
				Str("user_id", userID).
				Uint64("conn_id", c.id).
				Str("type", string(event.Type)).
				Msg("⚠️ Stream queue full, event dropped")
		}
	}
}

// Shutdown closes every connection with 1001 "server shutdown" and waits
// for the pumps to exit. Later Connect calls are refused.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[*Conn]struct{})
	g.mu.Unlock()

	for _, c := range conns {
		c.stop(websocket.CloseGoingAway, shutdownReason)
	}
	g.wg.Wait()

	log.Info().Int("connections", len(conns)).Msg("🔌 Gateway shut down")
}

// Len returns the number of registered connections
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Count returns the number of connections owned by userID
func (g *Gateway) Count(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for c := range g.conns {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// Dropped returns how many events were discarded on full queues
func (g *Gateway) Dropped() uint64 {
	return g.dropped.Load()
}

func (g *Gateway) reject(t Transport, code int, reason string) {
	_ = t.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(g.cfg.WriteWait))
	_ = t.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// PUMPS
// ═══════════════════════════════════════════════════════════════════════════════

func (g *Gateway) writePump(c *Conn) {
	defer g.wg.Done()
	defer c.t.Close()

	ping := time.NewTicker(g.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.t.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := c.t.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Uint64("conn_id", c.id).Msg("Stream write failed")
				g.drop(c, 0, "")
				return
			}
		case <-ping.C:
			if err := c.t.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteWait)); err != nil {
				log.Debug().Err(err).Uint64("conn_id", c.id).Msg("Stream ping failed")
				g.drop(c, 0, "")
				return
			}
		case <-c.done:
			if c.code != 0 {
				_ = c.t.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.code, c.reason),
					time.Now().Add(g.cfg.WriteWait))
			}
			return
		}
	}
}

// readPump discards client frames; gorilla answers pings and close frames
// from inside ReadMessage
func (g *Gateway) readPump(c *Conn) {
	defer g.wg.Done()
	for {
		if _, _, err := c.t.ReadMessage(); err != nil {
			g.drop(c, 0, "")
			return
		}
	}
}
