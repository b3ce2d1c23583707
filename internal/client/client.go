package client

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"pricefeed/internal/config"
	"pricefeed/internal/frame"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Connection lifecycle events delivered to OnConnection callbacks.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnecting    = "reconnecting"
	EventReconnected     = "reconnected"
	EventReconnectFailed = "reconnect_failed"
)

var (
	ErrNotConnected       = errors.New("client: not connected")
	ErrReconnectDisabled  = errors.New("client: reconnection disabled")
	ErrReconnectExhausted = errors.New("client: reconnection attempts exhausted")
)

// wsAcceptGUID is the fixed GUID from RFC 6455 used to derive
// Sec-WebSocket-Accept from the handshake key.
const wsAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// readPoll bounds individual reads inside Listen so disconnects and
// timeouts are observed promptly.
const readPoll = 100 * time.Millisecond

// HealthStatus is a snapshot of connection health counters.
type HealthStatus struct {
	Connected     bool      `json:"connected"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MessageCount  int64     `json:"message_count"`
	ByteCount     int64     `json:"byte_count"`
	ErrorCount    int64     `json:"error_count"`
	Reconnects    int64     `json:"reconnects"`
}

type controlMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
}

// Client manages one logical feed connection: upgrade handshake, frame
// codec, heartbeat, reconnection with backoff and subscription bookkeeping.
// The socket is exclusively owned by the instance; Listen must run on a
// single goroutine.
type Client struct {
	endpoint  config.Endpoint
	reconnect config.Reconnect
	heartbeat config.Heartbeat

	mu       sync.Mutex
	state    State
	conn     net.Conn
	br       *bufio.Reader
	subs     map[string]struct{}
	buf      []byte // partial frame accumulator
	lastBeat time.Time

	onMessage    []func([]byte)
	onError      []func(error)
	onConnection []func(event string, err error)

	health atomic.Value // HealthStatus

	// Injectable for tests.
	dial  func() (net.Conn, error)
	sleep func(time.Duration)
}

// New builds a client for the configured endpoint. No connection is opened
// until Connect.
func New(cfg config.Config) *Client {
	c := &Client{
		endpoint:  cfg.Endpoint,
		reconnect: cfg.Reconnect,
		heartbeat: cfg.Heartbeat,
		subs:      make(map[string]struct{}),
		sleep:     time.Sleep,
	}
	c.dial = c.dialEndpoint
	c.health.Store(HealthStatus{})
	return c
}

func (c *Client) dialEndpoint() (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	if c.endpoint.TLS() {
		return tls.DialWithDialer(&d, "tcp", c.endpoint.Address(), nil)
	}
	return d.Dial("tcp", c.endpoint.Address())
}

// OnMessage registers a callback for decoded payload frames.
func (c *Client) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnError registers a callback for transport and protocol errors.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnConnection registers a callback for connection lifecycle events. The
// error argument is non-nil only for failure events.
func (c *Client) OnConnection(fn func(event string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnection = append(c.onConnection, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client holds an established connection.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Subscriptions returns the sorted subscribed-symbol set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Client) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Health returns a snapshot of the connection health counters.
func (c *Client) Health() HealthStatus {
	if h, ok := c.health.Load().(HealthStatus); ok {
		return h
	}
	return HealthStatus{}
}

// Connect opens the transport, performs the upgrade handshake and enters
// the connected state. Calling Connect on a connected client is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		c.setState(StateDisconnected)
		c.incrementErrorCount()
		err = fmt.Errorf("open transport: %w", err)
		c.emitError(err)
		return err
	}

	br := bufio.NewReader(conn)
	if err := c.performHandshake(conn, br); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		c.incrementErrorCount()
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.br = br
	c.buf = nil
	c.state = StateConnected
	c.lastBeat = time.Now()
	c.mu.Unlock()

	c.updateConnectionStatus(true)
	c.emitConnection(EventConnected, nil)
	log.Printf("[client] connected to %s", c.endpoint.Address())
	return nil
}

// performHandshake sends the HTTP/1.1 upgrade request and validates the
// 101 Switching Protocols response, including the accept key.
func (c *Client) performHandshake(conn net.Conn, br *bufio.Reader) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("handshake key: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	req := fmt.Sprintf("GET %s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n"+
		"\r\n",
		c.endpoint.RequestPath(), c.endpoint.Address(), key)

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write upgrade request: %w", err)
	}

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return fmt.Errorf("read upgrade response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("handshake failed: unexpected status %q", resp.Status)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("handshake failed: missing Upgrade header")
	}
	if accept := resp.Header.Get("Sec-WebSocket-Accept"); accept != acceptKey(key) {
		return fmt.Errorf("handshake failed: bad Sec-WebSocket-Accept")
	}
	return nil
}

func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsAcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Disconnect unsubscribes from all symbols, sends a close frame best-effort,
// releases the transport and emits a disconnected event. Safe to call on an
// already-disconnected client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	symbols := c.subscriptionsLocked()
	alreadyDown := c.state == StateDisconnected && conn == nil
	c.conn = nil
	c.br = nil
	c.buf = nil
	c.state = StateDisconnected
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	if alreadyDown {
		return nil
	}

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if len(symbols) > 0 {
			if b, err := json.Marshal(controlMessage{Action: "unsubscribe", Symbols: symbols}); err == nil {
				if f, err := frame.Encode(b, frame.OpText); err == nil {
					_, _ = conn.Write(f)
				}
			}
		}
		if f, err := frame.Encode(nil, frame.OpClose); err == nil {
			_, _ = conn.Write(f)
		}
		conn.Close()
	}

	c.updateConnectionStatus(false)
	c.emitConnection(EventDisconnected, nil)
	log.Printf("[client] disconnected")
	return nil
}

// Subscribe merges the symbols into the subscription set and notifies the
// server. It fails without mutating state when not connected.
func (c *Client) Subscribe(symbols []string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	for _, s := range symbols {
		c.subs[s] = struct{}{}
	}
	c.mu.Unlock()
	return c.sendAction("subscribe", symbols)
}

// Unsubscribe removes the symbols from the subscription set and notifies
// the server. It fails without mutating state when not connected.
func (c *Client) Unsubscribe(symbols []string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	for _, s := range symbols {
		delete(c.subs, s)
	}
	c.mu.Unlock()
	return c.sendAction("unsubscribe", symbols)
}

func (c *Client) sendAction(action string, symbols []string) error {
	b, err := json.Marshal(controlMessage{Action: action, Symbols: symbols})
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	return c.writeFrame(b, frame.OpText)
}

// Send serializes the message and writes it as one masked text frame.
func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.writeFrame(b, frame.OpText)
}

func (c *Client) writeFrame(payload []byte, op frame.Opcode) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	buf, err := frame.Encode(payload, op)
	if err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		c.incrementErrorCount()
		return fmt.Errorf("write frame: %w", err)
	}
	c.addBytes(len(buf))
	return nil
}

// Listen blocks, reading and dispatching frames until the client
// disconnects or the timeout elapses (zero means no timeout). Heartbeats
// are sent on schedule, read timeouts are recoverable, and a dropped peer
// triggers the reconnection procedure.
func (c *Client) Listen(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	readBuf := make([]byte, 4096)

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}

		c.mu.Lock()
		connected := c.state == StateConnected
		conn := c.conn
		br := c.br
		c.mu.Unlock()
		if !connected || conn == nil {
			return nil
		}

		c.maybeHeartbeat()

		conn.SetReadDeadline(time.Now().Add(readPoll))
		n, err := br.Read(readBuf)
		if n > 0 {
			c.addBytes(n)
			c.mu.Lock()
			c.buf = append(c.buf, readBuf[:n]...)
			c.mu.Unlock()
			c.drainFrames()
		}
		if err == nil {
			continue
		}

		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			continue
		}
		if c.State() != StateConnected {
			// Disconnect raced the read; the loop is done.
			return nil
		}

		// EOF or a hard transport error: the peer is gone.
		c.emitError(fmt.Errorf("read: %w", err))
		c.markDropped()
		if rerr := c.runReconnect(); rerr != nil {
			return rerr
		}
	}
}

// markDropped tears down the transport after a peer-side close without
// clearing the subscription set, which reconnection replays.
func (c *Client) markDropped() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.br = nil
	c.buf = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.updateConnectionStatus(false)
	c.emitConnection(EventDisconnected, nil)
}

// drainFrames decodes every complete frame in the accumulator and handles
// it. Incomplete trailing bytes stay buffered for the next read.
func (c *Client) drainFrames() {
	for {
		c.mu.Lock()
		f, n := frame.Decode(c.buf)
		if f != nil {
			c.buf = c.buf[n:]
		}
		c.mu.Unlock()
		if f == nil {
			return
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f *frame.Frame) {
	switch f.Opcode {
	case frame.OpPing:
		if pong, err := frame.Encode(f.Payload, frame.OpPong); err == nil {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				_, _ = conn.Write(pong)
			}
		}
	case frame.OpPong:
		c.touchHeartbeat()
	case frame.OpClose:
		log.Printf("[client] close frame received")
		c.Disconnect()
	case frame.OpText, frame.OpBinary:
		c.incrementMessageCount()
		c.dispatchMessage(f.Payload)
	}
}

// dispatchMessage consumes feed-level control messages and forwards
// everything else to the registered message callbacks.
func (c *Client) dispatchMessage(payload []byte) {
	switch gjson.GetBytes(payload, "type").String() {
	case "heartbeat", "pong":
		c.touchHeartbeat()
		return
	case "subscribed", "unsubscribed":
		log.Printf("[client] %s ack: %s", gjson.GetBytes(payload, "type").String(),
			gjson.GetBytes(payload, "symbols").Raw)
		return
	case "error":
		c.emitError(fmt.Errorf("feed error: %s", gjson.GetBytes(payload, "message").String()))
		return
	}

	c.mu.Lock()
	handlers := append(([]func([]byte))(nil), c.onMessage...)
	c.mu.Unlock()

	for _, fn := range handlers {
		safeCall(func() { fn(payload) }, "message handler")
	}
}

func (c *Client) maybeHeartbeat() {
	if !c.heartbeat.Enabled {
		return
	}
	c.mu.Lock()
	due := time.Since(c.lastBeat) >= c.heartbeat.Interval()
	if due {
		c.lastBeat = time.Now()
	}
	c.mu.Unlock()
	if !due {
		return
	}
	if err := c.sendAction("ping", nil); err != nil {
		c.emitError(fmt.Errorf("heartbeat: %w", err))
	}
}

// runReconnect retries the connection with exponential backoff. On success
// it replays the subscription set. It returns a terminal error when
// reconnection is disabled or the attempts are exhausted.
func (c *Client) runReconnect() error {
	if !c.reconnect.Enabled {
		c.emitConnection(EventReconnectFailed, ErrReconnectDisabled)
		return ErrReconnectDisabled
	}

	c.setState(StateReconnecting)
	delay := c.reconnect.InitialDelay()

	for attempt := 1; attempt <= c.reconnect.MaxAttempts; attempt++ {
		c.emitConnection(EventReconnecting, nil)
		log.Printf("[client] reconnect attempt %d/%d in %s", attempt, c.reconnect.MaxAttempts, delay)
		c.sleep(delay)

		if err := c.Connect(); err == nil {
			c.bumpReconnects()
			if err := c.resubscribe(); err != nil {
				c.emitError(fmt.Errorf("resubscribe: %w", err))
			}
			c.emitConnection(EventReconnected, nil)
			return nil
		}

		delay = nextDelay(delay, c.reconnect)
	}

	c.setState(StateDisconnected)
	c.emitConnection(EventReconnectFailed, ErrReconnectExhausted)
	return ErrReconnectExhausted
}

// nextDelay applies the backoff multiplier, capped at the configured
// maximum delay.
func nextDelay(d time.Duration, rc config.Reconnect) time.Duration {
	next := time.Duration(float64(d) * rc.BackoffMultiplier)
	if max := rc.MaxDelay(); max > 0 && next > max {
		next = max
	}
	return next
}

func (c *Client) resubscribe() error {
	c.mu.Lock()
	symbols := c.subscriptionsLocked()
	c.mu.Unlock()
	if len(symbols) == 0 {
		return nil
	}
	return c.sendAction("subscribe", symbols)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	handlers := append(([]func(error))(nil), c.onError...)
	c.mu.Unlock()
	for _, fn := range handlers {
		safeCall(func() { fn(err) }, "error handler")
	}
}

func (c *Client) emitConnection(event string, err error) {
	c.mu.Lock()
	handlers := append(([]func(string, error))(nil), c.onConnection...)
	c.mu.Unlock()
	for _, fn := range handlers {
		safeCall(func() { fn(event, err) }, "connection handler")
	}
}

func safeCall(fn func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[client] %s panicked: %v", what, r)
		}
	}()
	fn()
}

func (c *Client) updateConnectionStatus(connected bool) {
	h := c.Health()
	h.Connected = connected
	c.health.Store(h)
}

func (c *Client) incrementMessageCount() {
	h := c.Health()
	h.MessageCount++
	c.health.Store(h)
}

func (c *Client) incrementErrorCount() {
	h := c.Health()
	h.ErrorCount++
	c.health.Store(h)
}

func (c *Client) addBytes(n int) {
	h := c.Health()
	h.ByteCount += int64(n)
	c.health.Store(h)
}

func (c *Client) bumpReconnects() {
	h := c.Health()
	h.Reconnects++
	c.health.Store(h)
}

func (c *Client) touchHeartbeat() {
	now := time.Now()
	c.mu.Lock()
	c.lastBeat = now
	c.mu.Unlock()

	h := c.Health()
	h.LastHeartbeat = now
	c.health.Store(h)
}
