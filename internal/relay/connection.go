// Package relay owns a single websocket connection to one relay.
//
// A Connection reports everything that happens on the socket through one
// handler: lifecycle transitions, raw frames with their decoded protocol
// message, pings and pongs. It never retries on its own; reconnecting is the
// pool's job.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nostr-relaypool/internal/nostr"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

var ErrNotConnected = errors.New("relay not connected")

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TransportKind identifies a low-level transport event.
type TransportKind int

const (
	TransportConnected TransportKind = iota
	TransportDisconnected
	TransportCancelled
	TransportError
	TransportText
	TransportBinary
	TransportPing
	TransportPong
)

func (k TransportKind) String() string {
	switch k {
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportCancelled:
		return "cancelled"
	case TransportError:
		return "error"
	case TransportText:
		return "text"
	case TransportBinary:
		return "binary"
	case TransportPing:
		return "ping"
	case TransportPong:
		return "pong"
	}
	return "unknown"
}

// TransportEvent is one thing that happened on the socket. Data is set for
// frames; Err is set for errors, for disconnects caused by a read failure and
// for frames that failed to decode.
type TransportEvent struct {
	Kind TransportKind
	Data []byte
	Err  error
}

// ConnectionEvent pairs a transport event with the protocol message decoded
// from it. Message is nil unless the frame decoded cleanly.
type ConnectionEvent struct {
	Transport TransportEvent
	Message   nostr.Message
}

// EventHandler receives every event of a Connection. It is called from the
// connection's read goroutine or from the goroutine that triggered the
// transition, never while the connection's lock is held.
type EventHandler func(ev ConnectionEvent)

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// VerifyEvents checks id and signature of every EVENT; failures are
	// treated as decode errors.
	VerifyEvents bool
	Dialer       *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Connection is a websocket connection to a single relay.
type Connection struct {
	url     string
	opts    Options
	handler EventHandler

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	generation uint64
	cancelDial context.CancelFunc
	// aborted is set when Disconnect cancels a dial in progress.
	aborted bool

	writeMu sync.Mutex

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// New creates a disconnected Connection. The handler may be nil.
func New(relayURL string, handler EventHandler, opts Options) *Connection {
	if handler == nil {
		handler = func(ConnectionEvent) {}
	}
	c := &Connection{
		url:     relayURL,
		opts:    opts.withDefaults(),
		handler: handler,
	}
	c.dial = c.dialWebsocket
	return c
}

func (c *Connection) dialWebsocket(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := *c.opts.Dialer
	dialer.HandshakeTimeout = c.opts.HandshakeTimeout
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

func (c *Connection) URL() string { return c.url }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the relay and starts the read loop. It blocks until the
// handshake finishes, fails, or the handshake timeout elapses. Calling Connect
// on a connection that is not disconnected is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	c.state = StateConnecting
	c.cancelDial = cancel
	c.aborted = false
	c.mu.Unlock()

	conn, err := c.dial(dialCtx, c.url)
	cancelled := errors.Is(dialCtx.Err(), context.Canceled)
	cancel()

	c.mu.Lock()
	c.cancelDial = nil
	if err == nil && c.aborted {
		// The dial won the race against Disconnect; the caller no longer
		// wants this socket.
		c.aborted = false
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
		slog.Debug("relay: dial aborted", "relay", c.url)
		c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportCancelled, Err: context.Canceled}})
		return fmt.Errorf("dial %s: %w", c.url, context.Canceled)
	}
	c.aborted = false
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		if cancelled {
			c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportCancelled, Err: err}})
			return fmt.Errorf("dial %s: %w", c.url, err)
		}
		slog.Debug("relay: dial failed", "relay", c.url, "error", err)
		c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportError, Err: err}})
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.generation++
	gen := c.generation
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportPing, Data: []byte(appData)}})
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(appData string) error {
		c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportPong, Data: []byte(appData)}})
		return nil
	})

	slog.Debug("relay: connected", "relay", c.url)
	c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportConnected}})

	go c.readLoop(conn, gen)
	return nil
}

// Disconnect closes the socket, or aborts a dial in progress, and reports
// TransportCancelled. It is a no-op on a disconnected connection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return
	case StateConnecting:
		// Connect reports the cancellation once the dial returns.
		if c.cancelDial != nil {
			c.cancelDial()
		}
		c.aborted = true
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.generation++
	c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()

	slog.Debug("relay: disconnected", "relay", c.url)
	c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportCancelled}})
}

// Send writes one text frame. It fails with ErrNotConnected unless the
// connection is in the connected state. A failed write closes the socket; the
// read loop then reports the disconnect.
func (c *Connection) Send(frame string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Set write deadline to prevent indefinite blocking
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		conn.Close()
		return fmt.Errorf("write %s: %w", c.url, err)
	}
	return nil
}

// Ping sends a websocket ping control frame.
func (c *Connection) Ping() error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
}

func (c *Connection) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, gen, err)
			return
		}

		kind := TransportText
		if mt == websocket.BinaryMessage {
			kind = TransportBinary
		}
		c.emit(c.decode(kind, data))
	}
}

// decode turns a frame into a ConnectionEvent. Decode failures are logged and
// the raw frame is still forwarded with Err set.
func (c *Connection) decode(kind TransportKind, data []byte) ConnectionEvent {
	ev := ConnectionEvent{Transport: TransportEvent{Kind: kind, Data: data}}

	msg, err := nostr.DecodeMessage(data)
	if err == nil && c.opts.VerifyEvents {
		if em, ok := msg.(nostr.EventMessage); ok {
			if verr := nostr.VerifyEvent(&em.Event); verr != nil {
				err = fmt.Errorf("%w: %v", nostr.ErrMalformedMessage, verr)
			}
		}
	}
	if err != nil {
		slog.Debug("relay: dropping undecodable frame", "relay", c.url, "error", err)
		ev.Transport.Err = err
		return ev
	}
	ev.Message = msg
	return ev
}

// dropped handles a read failure. If Disconnect already retired this socket
// the failure is expected and nothing is reported.
func (c *Connection) dropped(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.generation++
	c.mu.Unlock()

	conn.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Debug("relay: closed by remote", "relay", c.url)
	} else {
		slog.Debug("relay: read error", "relay", c.url, "error", err)
	}
	c.emit(ConnectionEvent{Transport: TransportEvent{Kind: TransportDisconnected, Err: err}})
}

func (c *Connection) emit(ev ConnectionEvent) {
	c.handler(ev)
}
