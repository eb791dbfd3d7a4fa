package talkweave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when a wire send is attempted without a live
// connection.
var ErrNotConnected = errors.New("talkweave: not connected")

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the real-time engine. The zero value is usable; defaults()
// fills in anything unset.
type Config struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	// AckTimeout bounds how long an outbound message may stay unconfirmed
	// before it is marked failed.
	AckTimeout time.Duration

	// Typing signal tuning.
	TypingThrottle time.Duration // min gap between remote typing_start emissions
	TypingIdle     time.Duration // local inactivity before typing_stop
	TypingTTL      time.Duration // expiry for remote typing signals

	// Attachment chunking.
	ChunkSize        int // bytes per chunk
	SingleFrameLimit int // payloads at or below this go as one frame

	ReadLimit  int64 // max inbound frame size
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 3 * time.Second
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 2 * time.Second
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 6 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 20 << 20
	}
	if c.SingleFrameLimit == 0 {
		c.SingleFrameLimit = c.ChunkSize
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 24
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Listener registry
// ============================================================================

type connDispatcher struct {
	mu           sync.RWMutex
	nextID       int
	sinks        map[int]func(Envelope)
	connected    map[int]func()
	disconnected map[int]func(reason string, terminal bool)
	reconnecting map[int]func(attempt int, delay time.Duration)
}

func newConnDispatcher() *connDispatcher {
	return &connDispatcher{
		sinks:        make(map[int]func(Envelope)),
		connected:    make(map[int]func()),
		disconnected: make(map[int]func(reason string, terminal bool)),
		reconnecting: make(map[int]func(attempt int, delay time.Duration)),
	}
}

func (d *connDispatcher) id() int {
	d.nextID++
	return d.nextID
}

// dispatch delivers one inbound envelope to every sink, synchronously, so
// events are observed strictly in arrival order.
func (d *connDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	sinks := make([]func(Envelope), 0, len(d.sinks))
	for _, s := range d.sinks {
		sinks = append(sinks, s)
	}
	d.mu.RUnlock()
	for _, s := range sinks {
		s(env)
	}
}

func (d *connDispatcher) emitConnected() {
	d.mu.RLock()
	hs := make([]func(), 0, len(d.connected))
	for _, h := range d.connected {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h()
	}
}

func (d *connDispatcher) emitDisconnected(reason string, terminal bool) {
	d.mu.RLock()
	hs := make([]func(string, bool), 0, len(d.disconnected))
	for _, h := range d.disconnected {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(reason, terminal)
	}
}

func (d *connDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	hs := make([]func(int, time.Duration), 0, len(d.reconnecting))
	for _, h := range d.reconnecting {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(attempt, delay)
	}
}

func (d *connDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = make(map[int]func(Envelope))
	d.connected = make(map[int]func())
	d.disconnected = make(map[int]func(reason string, terminal bool))
	d.reconnecting = make(map[int]func(attempt int, delay time.Duration))
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *Config) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the single physical channel for one authenticated identity:
// connect, automatic reconnect with bounded backoff, heartbeat, and teardown.
// There is no process-wide state; construct one Conn per engine.
type Conn struct {
	baseURL string
	config  *Config
	log     zerolog.Logger

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	identity         Identity
	intentionalClose bool
	connCancel       context.CancelFunc
	lifeCtx          context.Context
	lifeCancel       context.CancelFunc

	subs  *connDispatcher
	recon *reconnector

	pingCounter  int
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewConn creates a connection manager for the given server base URL. No I/O
// happens until Connect.
func NewConn(baseURL string, config *Config, log zerolog.Logger) *Conn {
	cfg := *config
	cfg.defaults()
	return &Conn{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		log:          log.With().Str("component", "conn").Logger(),
		state:        StateDisconnected,
		subs:         newConnDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnEnvelope registers a sink for every inbound event envelope. Sinks run
// synchronously on the read loop, in arrival order.
func (c *Conn) OnEnvelope(h func(Envelope)) *Subscription {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	id := c.subs.id()
	c.subs.sinks[id] = h
	return &Subscription{off: func() {
		c.subs.mu.Lock()
		defer c.subs.mu.Unlock()
		delete(c.subs.sinks, id)
	}}
}

// OnConnected registers a handler invoked after every successful (re)connect.
func (c *Conn) OnConnected(h func()) *Subscription {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	id := c.subs.id()
	c.subs.connected[id] = h
	return &Subscription{off: func() {
		c.subs.mu.Lock()
		defer c.subs.mu.Unlock()
		delete(c.subs.connected, id)
	}}
}

// OnDisconnected registers a handler for the disconnected meta-event.
// terminal is true once reconnection attempts are exhausted; callers are then
// responsible for re-invoking Connect.
func (c *Conn) OnDisconnected(h func(reason string, terminal bool)) *Subscription {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	id := c.subs.id()
	c.subs.disconnected[id] = h
	return &Subscription{off: func() {
		c.subs.mu.Lock()
		defer c.subs.mu.Unlock()
		delete(c.subs.disconnected, id)
	}}
}

// OnReconnecting registers a handler for reconnect scheduling.
func (c *Conn) OnReconnecting(h func(attempt int, delay time.Duration)) *Subscription {
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	id := c.subs.id()
	c.subs.reconnecting[id] = h
	return &Subscription{off: func() {
		c.subs.mu.Lock()
		defer c.subs.mu.Unlock()
		delete(c.subs.reconnecting, id)
	}}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the identity of the current or most recent connection.
func (c *Conn) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect establishes the channel for the given identity. Only one live
// handle per identity is permitted: connecting as a different identity first
// fully tears down the old handle, listeners included, so no event can leak
// across identities.
func (c *Conn) Connect(ctx context.Context, identity Identity) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		if c.identity == identity {
			c.mu.Unlock()
			return nil
		}
		c.teardownLocked("identity changed")
	}
	c.identity = identity
	c.state = StateConnecting
	c.intentionalClose = false
	if c.lifeCancel == nil {
		c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Conn) dial(ctx context.Context) error {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(c.identity.Token)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	})
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(c.config.ReadLimit)

	// The first frame must be the authenticated envelope.
	_, data, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		ws.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(c.lifeCtx)
	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.connCancel = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	// The handshake frame is consumed here; envelope sinks only see events
	// that follow it. emitConnected is the session-start signal.
	c.log.Debug().Str("user_id", c.identity.UserID).Msg("Connected")
	c.subs.emitConnected()

	go c.readLoop(connCtx, ws)
	go c.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the channel and cancels any pending
// reconnection attempt.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.lifeCancel != nil {
		c.lifeCancel()
		c.lifeCtx, c.lifeCancel = nil, nil
	}
	c.connCancel = nil
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPendingPings()
	c.recon.reset()

	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.subs.emitDisconnected("client disconnect", false)
	return nil
}

// teardownLocked is the identity-change path: close the socket and drop every
// listener. Callers hold c.mu.
func (c *Conn) teardownLocked(reason string) {
	c.intentionalClose = true
	if c.lifeCancel != nil {
		c.lifeCancel()
		c.lifeCtx, c.lifeCancel = nil, nil
	}
	if c.ws != nil {
		c.ws.Close(websocket.StatusNormalClosure, reason)
		c.ws = nil
	}
	c.state = StateDisconnected
	c.clearPendingPings()
	c.recon.reset()
	c.subs.removeAll()
	c.log.Debug().Str("reason", reason).Msg("Tore down previous identity handle")
}

// Send sends a command over the channel.
func (c *Conn) Send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Ping sends a heartbeat ping and waits for the matching pong.
func (c *Conn) Ping(ctx context.Context) (*PongPayload, error) {
	c.mu.Lock()
	c.pingCounter++
	requestID := fmt.Sprintf("ping-%d", c.pingCounter)
	c.mu.Unlock()

	ch := make(chan PongPayload, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()
	drop := func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}

	if err := c.Send(ctx, &Command{
		Type:    CmdPing,
		Payload: map[string]string{"requestId": requestID},
	}); err != nil {
		drop()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose || c.ws != ws
			c.mu.Unlock()
			if intentional {
				return
			}

			c.mu.Lock()
			c.state = StateDisconnected
			c.ws = nil
			c.mu.Unlock()
			c.clearPendingPings()

			c.log.Debug().Err(err).Msg("Connection lost")
			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.subs.emitDisconnected(err.Error(), false)
				go c.reconnectLoop()
			} else {
				c.subs.emitDisconnected(err.Error(), true)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			c.log.Warn().Msg("Dropping malformed frame")
			continue
		}

		if env.Type == EventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				c.pendingMu.Lock()
				ch, ok := c.pendingPings[p.RequestID]
				if ok {
					delete(c.pendingPings, p.RequestID)
				}
				c.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		c.subs.dispatch(env)
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if _, err := c.Ping(ctx); err != nil {
				c.mu.Lock()
				ws := c.ws
				c.mu.Unlock()
				if ws != nil {
					ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// reconnectLoop retries with increasing backoff until a dial succeeds, the
// attempts run out, or Disconnect cancels it.
func (c *Conn) reconnectLoop() {
	c.mu.Lock()
	lifeCtx := c.lifeCtx
	c.mu.Unlock()
	if lifeCtx == nil {
		return
	}

	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.subs.emitReconnecting(c.recon.attempt, delay)
		c.log.Debug().Int("attempt", c.recon.attempt).Dur("delay", delay).Msg("Reconnecting")

		select {
		case <-lifeCtx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		if err := c.dial(lifeCtx); err == nil {
			return
		}
	}

	c.setState(StateDisconnected)
	c.subs.emitDisconnected("reconnect attempts exhausted", true)
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}
