// Package signaling implements the rendezvous WebSocket client: session
// initiation only (offer/answer/ICE or node-address exchange), never on
// the data path once a peer connection is up.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/remoshell/remoshelld/internal/logger"
)

// State is the signaling client's connection state machine:
// Disconnected -> Connecting -> Connected -> (Reconnecting -> Connecting)* -> Disconnected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	backoffBase  = 100 * time.Millisecond
	backoffMax   = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Event is pushed to subscribers on every state transition and every
// inbound server message.
type Event struct {
	State   State
	Message *Envelope // nil for pure state-transition events
}

// Client is the signaling WebSocket client.
type Client struct {
	URL           string
	AutoReconnect bool

	mu       sync.RWMutex
	state    State
	conn     *websocket.Conn
	deviceID string
	roomID   string
	joined   bool

	shutdown chan struct{}
	events   chan Event
	once     sync.Once
}

// NewClient constructs a signaling client against url. AutoReconnect
// controls whether Run retries after a disconnect.
func NewClient(url string, autoReconnect bool) *Client {
	return &Client{
		URL:           url,
		AutoReconnect: autoReconnect,
		shutdown:      make(chan struct{}),
		events:        make(chan Event, 256),
	}
}

// Events returns the subscriber channel of state/message events. Capacity
// 256; slow consumers miss events rather than stalling the client.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.emit(Event{State: s})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// State reports the client's current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run drives the connect/reconnect loop until Disconnect is called or ctx
// is cancelled. It blocks until shutdown.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff(backoffBase, backoffMax)
	for {
		select {
		case <-c.shutdown:
			c.setState(Disconnected)
			return nil
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		default:
		}

		c.setState(Connecting)
		err := c.runOnce(ctx, backoff)
		if err == nil {
			// runOnce only returns nil on an intentional Disconnect.
			c.setState(Disconnected)
			return nil
		}
		logger.Warn("signaling connection lost", "err", err)

		if !c.AutoReconnect {
			c.setState(Disconnected)
			return err
		}

		c.setState(Reconnecting)
		delay := backoff.Next()
		select {
		case <-time.After(delay):
		case <-c.shutdown:
			c.setState(Disconnected)
			return nil
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		}
	}
}

// runOnce dials, marks Connected, auto-rejoins a remembered room, and pumps
// inbound messages until the socket closes or shutdown fires. A nil error
// only happens on intentional Disconnect; anything else triggers
// reconnection in Run (when AutoReconnect is on).
func (c *Client) runOnce(ctx context.Context, backoff *Backoff) error {
	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	wasJoined, deviceID, roomID := c.joined, c.deviceID, c.roomID
	c.mu.Unlock()

	backoff.Reset()
	c.setState(Connected)

	if wasJoined {
		if err := c.sendJoin(ctx, deviceID, roomID); err != nil {
			conn.Close(websocket.StatusInternalError, "rejoin failed")
			return fmt.Errorf("rejoin: %w", err)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("signaling: malformed message", "err", err)
			continue
		}
		if env.Type == TypeJoined {
			c.mu.Lock()
			c.joined = true
			c.mu.Unlock()
		}
		c.emit(Event{State: Connected, Message: &env})

		select {
		case <-c.shutdown:
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		default:
		}
	}
}

// Join sends a join request and remembers (device_id, room_id) so a future
// reconnect can auto-rejoin.
func (c *Client) Join(ctx context.Context, deviceID, roomID string) error {
	c.mu.Lock()
	c.deviceID, c.roomID = deviceID, roomID
	c.mu.Unlock()
	return c.sendJoin(ctx, deviceID, roomID)
}

func (c *Client) sendJoin(ctx context.Context, deviceID, roomID string) error {
	return c.Send(ctx, Envelope{Type: TypeJoin, DeviceId: deviceID, RoomId: roomID})
}

// Send writes one envelope as a JSON text frame.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("signaling client not connected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Disconnect sets a shutdown flag that terminates both the reader and the
// reconnection loop.
func (c *Client) Disconnect() {
	c.once.Do(func() { close(c.shutdown) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}
