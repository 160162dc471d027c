package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabra/callmesh/internal/auth"
	"github.com/collabra/callmesh/internal/config"
	"github.com/collabra/callmesh/internal/directory"
	"github.com/collabra/callmesh/internal/metrics"
	"github.com/collabra/callmesh/internal/ratelimit"
	"github.com/collabra/callmesh/internal/room"
)

const wsWriteWait = 10 * time.Second

// sendBufferSize bounds per-client outbound queueing. A slow reader drops
// messages rather than stalling the room.
const sendBufferSize = 256

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *room.Registry

	// Directory validates room ids. If nil, every room id is accepted (tests,
	// single-process dev setups).
	Directory *directory.Directory

	Verifier auth.Verifier
	AuthMode config.AuthMode

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AuthTimeout bounds how long a credential-less socket may wait before
	// sending its auth message.
	AuthTimeout time.Duration

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server implements the room signaling WebSocket endpoint.
//
// One goroutine per connection reads and dispatches messages strictly in
// arrival order; a second goroutine owns all writes to the socket.
type Server struct {
	registry *room.Registry
	dir      *directory.Directory
	verifier auth.Verifier
	authMode config.AuthMode
	metrics  *metrics.Metrics
	log      *slog.Logger

	authTimeout  time.Duration
	idleTimeout  time.Duration
	pingInterval time.Duration

	maxMessageBytes      int64
	maxMessagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.AllowAllVerifier{}
	}

	s := &Server{
		registry: cfg.Registry,
		dir:      cfg.Directory,
		verifier: verifier,
		authMode: cfg.AuthMode,
		metrics:  cfg.Metrics,
		log:      logger,

		authTimeout:  cfg.AuthTimeout,
		idleTimeout:  cfg.IdleTimeout,
		pingInterval: cfg.PingInterval,

		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver middleware. For
			// unit tests that mount the server directly, accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.authMode == "" {
		s.authMode = config.AuthModeNone
	}
	if s.authTimeout <= 0 {
		s.authTimeout = config.DefaultSignalingAuthTimeout
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = config.DefaultSignalingWSPingInterval
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/rooms/{room}", s.HandleWS)
}

func (s *Server) incMetric(name string) {
	if s.metrics != nil {
		s.metrics.Inc(name)
	}
}

// HandleWS upgrades the connection and runs the per-client session until the
// socket closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}

	if s.dir != nil {
		ok, err := s.dir.RoomExists(r.Context(), roomID)
		if err != nil {
			s.log.Error("directory lookup failed", "room", roomID, "err", err)
			http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			s.incMetric(metrics.RoomNotFound)
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{
		srv:    s,
		conn:   conn,
		req:    r,
		roomID: roomID,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
	}
	c.run()
}

// wsClient is one connected participant's signaling channel.
type wsClient struct {
	srv    *Server
	conn   *websocket.Conn
	req    *http.Request
	roomID string

	participant room.Participant

	send chan []byte
	done chan struct{}

	limiter *ratelimit.TokenBucket

	// writerStarted flips once writePump owns the socket's data frames; after
	// that only control frames may be written from the read goroutine.
	writerStarted bool

	closeOnce sync.Once
}

// Send implements room.Conn. It never blocks; a full buffer drops the
// message and reports false.
func (c *wsClient) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) run() {
	defer c.close()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)

	identity, ok := c.authenticate()
	if !ok {
		return
	}
	if !c.resolveParticipant(identity) {
		return
	}

	snapshot, err := c.srv.registry.Join(c.roomID, c.participant, c)
	if err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			c.srv.incMetric(metrics.RoomFull)
			c.fail("room_full", "participant limit reached", websocket.ClosePolicyViolation)
			return
		}
		c.fail("internal_error", "failed to join room", websocket.CloseInternalServerErr)
		return
	}
	c.srv.incMetric(metrics.RoomJoin)
	c.srv.log.Info("participant joined",
		"room", c.roomID,
		"participant", c.participant.ID,
		"count", c.srv.registry.Count(c.roomID),
	)

	c.writerStarted = true
	go c.writePump()

	defer func() {
		if c.srv.registry.Leave(c.roomID, c.participant.ID, c) {
			c.srv.incMetric(metrics.RoomLeave)
			p := c.participant
			c.broadcast(Envelope{Type: MessageTypeUserLeft, From: p.ID, Participant: &p})
			c.srv.log.Info("participant left", "room", c.roomID, "participant", p.ID)
		}
	}()

	p := c.participant
	c.enqueue(Envelope{
		Type:         MessageTypeRoomInfo,
		RoomID:       c.roomID,
		SelfID:       p.ID,
		Participants: snapshot,
	})
	c.broadcast(Envelope{Type: MessageTypeUserJoined, From: p.ID, Participant: &p})

	c.readLoop()
}

// authenticate resolves the caller's verified identity, either from query
// credentials or from a first auth message sent within the auth timeout.
func (c *wsClient) authenticate() (auth.Identity, bool) {
	cred, err := auth.CredentialFromQuery(c.srv.authMode, c.req.URL.Query())
	if err == nil {
		identity, verr := c.srv.verifier.Verify(cred)
		if verr != nil {
			c.srv.incMetric(metrics.AuthFailure)
			c.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation)
			return auth.Identity{}, false
		}
		return identity, true
	}
	if !errors.Is(err, auth.ErrMissingCredentials) {
		c.fail("internal_error", "invalid auth configuration", websocket.CloseInternalServerErr)
		return auth.Identity{}, false
	}

	// No query credential: allow exactly one auth message within the timeout.
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.authTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			c.srv.incMetric(metrics.AuthFailure)
			c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
		}
		return auth.Identity{}, false
	}
	msg, err := ParseClientEnvelope(data)
	if err != nil || msg.Type != MessageTypeAuth {
		c.srv.incMetric(metrics.AuthFailure)
		c.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation)
		return auth.Identity{}, false
	}
	credential := msg.APIKey
	if credential == "" {
		credential = msg.Token
	}
	identity, err := c.srv.verifier.Verify(credential)
	if err != nil {
		c.srv.incMetric(metrics.AuthFailure)
		c.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation)
		return auth.Identity{}, false
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	return identity, true
}

// resolveParticipant fills in the participant record. A JWT identity wins;
// api_key/none modes trust the connection URL's participant/display_name
// parameters, matching what the external session collaborator supplies.
func (c *wsClient) resolveParticipant(identity auth.Identity) bool {
	q := c.req.URL.Query()

	id := identity.ParticipantID
	if id == "" {
		id = q.Get("participant")
	}
	if id == "" {
		c.srv.incMetric(metrics.AuthFailure)
		c.fail("unauthorized", "participant identity required", websocket.ClosePolicyViolation)
		return false
	}

	name := identity.DisplayName
	if name == "" {
		name = q.Get("display_name")
	}
	if name == "" {
		name = "Anonymous"
	}

	c.participant = room.Participant{
		ID:          id,
		DisplayName: name,
		JoinedAt:    time.Now().UTC(),
	}
	return true
}

func (c *wsClient) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.srv.incMetric(metrics.WSMessageTooLarge)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.log.Debug("read error", "room", c.roomID, "participant", c.participant.ID, "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))

		// The rate limit applies after reading so the bytes already buffered by
		// the OS are consumed; closing with unread data risks an abortive close
		// that hides the close code from the client.
		if !c.limiter.Allow(1) {
			c.srv.incMetric(metrics.RateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}

		msg, err := ParseClientEnvelope(data)
		if err != nil {
			c.srv.incMetric(metrics.RelayBadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}

		c.dispatch(msg)
	}
}

func (c *wsClient) dispatch(msg Envelope) {
	// From is server-stamped; whatever the client claimed is discarded.
	msg.From = c.participant.ID

	switch msg.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		data, err := msg.Encode()
		if err != nil {
			return
		}
		if c.srv.registry.SendTo(c.roomID, msg.To, data) {
			c.srv.incMetric(metrics.RelayForwarded)
		} else {
			// Best effort: the target is gone or backed up. The sender recovers
			// via renegotiation or the target's own join snapshot.
			c.srv.incMetric(metrics.RelayDropped)
			c.srv.log.Debug("relay target unavailable",
				"room", c.roomID,
				"from", msg.From,
				"to", msg.To,
				"type", msg.Type,
			)
		}

	case MessageTypeToggleAudio:
		c.srv.registry.SetAudioEnabled(c.roomID, c.participant.ID, *msg.Enabled)
		c.broadcast(msg)

	case MessageTypeToggleVideo:
		c.srv.registry.SetVideoEnabled(c.roomID, c.participant.ID, *msg.Enabled)
		c.broadcast(msg)

	case MessageTypePing:
		c.enqueue(Envelope{Type: MessageTypePong})

	case MessageTypeAuth:
		// Tolerated after the handshake (e.g. a client re-sends credentials on
		// its reconnect path); nothing to do.
	}
}

func (c *wsClient) broadcast(msg Envelope) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	c.srv.registry.Broadcast(c.roomID, c.participant.ID, data)
}

func (c *wsClient) enqueue(msg Envelope) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if !c.Send(data) {
		c.srv.log.Debug("send buffer full", "room", c.roomID, "participant", c.participant.ID)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) fail(code, message string, closeCode int) {
	if data, err := (Envelope{Type: MessageTypeError, Code: code, Message: message}).Encode(); err == nil {
		if c.writerStarted {
			c.Send(data)
		} else {
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	c.closeWith(closeCode, code)
}

func (c *wsClient) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
