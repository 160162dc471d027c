// Package channel maintains a client's signaling connection: dialing,
// read/write pumps, and bounded-backoff reconnection with at most one live
// socket at any time.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabra/callmesh/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
	defaultMaxRetries     = 6
)

// ErrRetriesExhausted reports that reconnection hit the retry ceiling. It is
// a call-level failure: the caller should tear the call down, not keep
// waiting.
var ErrRetriesExhausted = errors.New("channel: reconnect retries exhausted")

var ErrClosed = errors.New("channel: closed")

// Event is one received signaling message plus the generation of the socket
// it arrived on. Consumers compare generations to discard messages that
// belong to a connection that has since been replaced.
type Event struct {
	signaling.Envelope
	Generation uint64
}

type Config struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080".
	BaseURL string
	RoomID  string

	ParticipantID string
	DisplayName   string

	// Token and APIKey are passed through as connection URL parameters; at
	// most one is expected to be set.
	Token  string
	APIKey string

	Logger *slog.Logger
	Dialer *websocket.Dialer

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries caps consecutive failed dials. The counter resets whenever a
	// connection is established.
	MaxRetries int
}

// Channel is a reconnecting signaling connection. Events are delivered on a
// single channel in arrival order; sends are queued and flushed by whichever
// socket is currently live.
type Channel struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer
	wsURL  string

	events   chan Event
	outgoing chan []byte

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	generation uint64
	closed     bool
	err        error
}

func New(cfg Config) (*Channel, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("channel: BaseURL is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("channel: RoomID is required")
	}
	if cfg.ParticipantID == "" && cfg.Token == "" {
		return nil, errors.New("channel: ParticipantID or Token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	wsURL, err := buildURL(cfg)
	if err != nil {
		return nil, err
	}

	return &Channel{
		cfg:      cfg,
		log:      cfg.Logger,
		dialer:   dialer,
		wsURL:    wsURL,
		events:   make(chan Event, 32),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
	}, nil
}

func buildURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("channel: invalid BaseURL: %w", err)
	}
	u.Path = "/ws/rooms/" + cfg.RoomID

	q := u.Query()
	if cfg.ParticipantID != "" {
		q.Set("participant", cfg.ParticipantID)
	}
	if cfg.DisplayName != "" {
		q.Set("display_name", cfg.DisplayName)
	}
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	if cfg.APIKey != "" {
		q.Set("apiKey", cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the first connection synchronously so join failures (room
// not found, bad credentials) surface to the caller, then keeps the channel
// alive in the background until Close or retry exhaustion.
func (c *Channel) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("channel: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, conn)
	return nil
}

// Events returns the inbound message stream. It is closed after the channel
// terminates; Err then reports why.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Done is closed when the channel has fully stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, if any. nil after a clean Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Generation returns the identity of the current (or most recent) socket.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Send queues an envelope for delivery on the live socket. Queued messages
// survive a reconnect.
func (c *Channel) Send(env signaling.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	default:
		return errors.New("channel: send queue full")
	}
}

func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	} else {
		// Connect was never called; terminate directly.
		close(c.done)
		close(c.events)
	}
}

// run owns the connection lifecycle. It is the only goroutine that dials, so
// there is never more than one live socket.
func (c *Channel) run(ctx context.Context, conn *websocket.Conn) {
	var terminal error

	defer func() {
		c.mu.Lock()
		c.err = terminal
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		c.mu.Lock()
		c.generation++
		gen := c.generation
		c.mu.Unlock()

		c.log.Debug("signaling channel up", "room", c.cfg.RoomID, "generation", gen)
		c.serve(ctx, conn, gen)

		if ctx.Err() != nil {
			return
		}

		var err error
		conn, err = c.redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				terminal = err
			}
			return
		}
	}
}

// redial retries with exponential backoff up to the retry ceiling.
func (c *Channel) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := c.cfg.InitialBackoff

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
		if err == nil {
			return conn, nil
		}
		c.log.Warn("signaling reconnect failed",
			"room", c.cfg.RoomID,
			"attempt", attempt,
			"max", c.cfg.MaxRetries,
			"err", err,
		)

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return nil, ErrRetriesExhausted
}

// serve pumps one socket until it dies or the channel is cancelled.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case data := <-c.outgoing:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			case <-readerDone:
				return
			}
		}
	}()

	func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))

			var env signaling.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.log.Warn("malformed signaling message", "err", err)
				continue
			}

			select {
			case c.events <- Event{Envelope: env, Generation: gen}:
			case <-ctx.Done():
				return
			}
		}
	}()

	conn.Close()
	<-writerDone
}
