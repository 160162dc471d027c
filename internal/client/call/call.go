// Package call orchestrates one client's participation in a room: the
// signaling channel, the roster, and one peer link per remote participant.
//
// All signaling events, media-state changes, and link failures funnel into a
// single goroutine, so the per-call state needs no locking beyond the
// snapshot accessors.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/collabra/callmesh/internal/client/channel"
	"github.com/collabra/callmesh/internal/client/media"
	"github.com/collabra/callmesh/internal/client/peerlink"
	"github.com/collabra/callmesh/internal/room"
	"github.com/collabra/callmesh/internal/signaling"
)

// Link is the per-remote connection surface the orchestrator drives.
// *peerlink.Link satisfies it; tests substitute scripted fakes.
type Link interface {
	Remote() string
	State() peerlink.State
	AttachTracks(st media.State) (changed bool, err error)
	Offer() error
	HandleOffer(env signaling.Envelope) error
	HandleAnswer(env signaling.Envelope) error
	HandleCandidate(env signaling.Envelope) error
	Close() error
}

// LinkFactory mints a link toward a remote participant. onState must be
// invoked on every state transition of the produced link.
type LinkFactory func(remoteID string, initiator bool, onState func(remoteID string, st peerlink.State)) (Link, error)

// Channel is the signaling connection surface. *channel.Channel satisfies
// it.
type Channel interface {
	Events() <-chan channel.Event
	Send(env signaling.Envelope) error
	Done() <-chan struct{}
	Err() error
	Close()
}

type Config struct {
	Channel Channel
	Media   *media.Manager
	NewLink LinkFactory
	Logger  *slog.Logger
}

// Call is one client's live session in a room.
type Call struct {
	ch      Channel
	media   *media.Manager
	newLink LinkFactory
	log     *slog.Logger

	// mediaCh and failedCh re-route asynchronous callbacks into the event
	// loop.
	mediaCh  chan media.State
	failedCh chan string

	done chan struct{}

	mu     sync.Mutex
	selfID string
	roomID string
	// gen is the channel generation of the last applied room_info. Events
	// from any other generation refer to a roster we have not synced yet.
	gen    uint64
	roster map[string]room.Participant
	links  map[string]Link
	err    error
}

func New(cfg Config) (*Call, error) {
	if cfg.Channel == nil {
		return nil, errors.New("call: Channel is required")
	}
	if cfg.NewLink == nil {
		return nil, errors.New("call: NewLink is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Call{
		ch:       cfg.Channel,
		media:    cfg.Media,
		newLink:  cfg.NewLink,
		log:      logger,
		mediaCh:  make(chan media.State, 8),
		failedCh: make(chan string, 8),
		done:     make(chan struct{}),
		roster:   make(map[string]room.Participant),
		links:    make(map[string]Link),
	}

	if c.media != nil {
		c.media.OnChange(func(st media.State) {
			select {
			case c.mediaCh <- st:
			case <-c.done:
			}
		})
	}

	go c.run()
	return c, nil
}

// Done is closed once the call has fully torn down.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err reports why the call ended; nil after a local Leave.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Call) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Roster returns the membership as last reported by the server, sorted by
// join time. It may temporarily include participants whose media link has
// failed; room membership is owned by the server, not the media layer.
func (c *Call) Roster() []room.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]room.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// LinkStates snapshots the per-remote connection states.
func (c *Call) LinkStates() map[string]peerlink.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]peerlink.State, len(c.links))
	for id, l := range c.links {
		out[id] = l.State()
	}
	return out
}

// Toggle flips a local media kind and tells the room. The media-state
// change propagates into renegotiation through the manager's change
// notification.
func (c *Call) Toggle(kind media.Kind, enabled bool) error {
	if c.media != nil {
		c.media.SetEnabled(kind, enabled)
	}
	msgType := signaling.MessageTypeToggleAudio
	if kind == media.KindVideo {
		msgType = signaling.MessageTypeToggleVideo
	}
	return c.ch.Send(signaling.Envelope{Type: msgType, Enabled: &enabled})
}

// Leave ends the call locally: all links close and the channel shuts down.
func (c *Call) Leave() {
	c.ch.Close()
	select {
	case <-c.done:
	default:
		// run() finishes teardown when the event stream drains.
	}
}

func (c *Call) run() {
	events := c.ch.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.finish(c.ch.Err())
				return
			}
			c.dispatch(ev)

		case st := <-c.mediaCh:
			c.renegotiateAll(st)

		case remoteID := <-c.failedCh:
			c.discardFailedLink(remoteID)
		}
	}
}

func (c *Call) finish(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	links := c.links
	c.links = make(map[string]Link)
	c.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	close(c.done)
}

func (c *Call) dispatch(ev channel.Event) {
	switch ev.Type {
	case signaling.MessageTypeRoomInfo:
		c.handleRoomInfo(ev)
		return
	case signaling.MessageTypeError:
		c.handleError(ev)
		return
	case signaling.MessageTypePong:
		// Keepalive reply; nothing to do.
		return
	}

	// Every roster-dependent event must come from the same connection as the
	// snapshot it refers to. On reconnect the server replays room_info first;
	// anything slipping in ahead of it is dropped and re-learned from the new
	// snapshot.
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if ev.Generation != gen {
		c.log.Debug("dropping event from unsynced connection",
			"type", ev.Type, "from", ev.From, "generation", ev.Generation, "synced", gen)
		return
	}

	switch ev.Type {
	case signaling.MessageTypeUserJoined:
		c.handleUserJoined(ev)
	case signaling.MessageTypeUserLeft:
		c.handleUserLeft(ev)
	case signaling.MessageTypeOffer:
		c.handleOffer(ev)
	case signaling.MessageTypeAnswer:
		c.handleAnswer(ev)
	case signaling.MessageTypeICECandidate:
		c.handleCandidate(ev)
	case signaling.MessageTypeToggleAudio:
		c.handleToggle(ev, media.KindAudio)
	case signaling.MessageTypeToggleVideo:
		c.handleToggle(ev, media.KindVideo)
	}
}

// handleRoomInfo ingests the join snapshot. No links are created here: for
// every existing member, that member observed our user_joined and initiates
// toward us. The new arrival never initiates, which is what keeps the pair
// glare-free.
func (c *Call) handleRoomInfo(ev channel.Event) {
	c.mu.Lock()
	c.selfID = ev.SelfID
	c.roomID = ev.RoomID
	c.gen = ev.Generation
	c.roster = make(map[string]room.Participant, len(ev.Participants)+1)
	for _, p := range ev.Participants {
		c.roster[p.ID] = p
	}

	// After a reconnect the snapshot is authoritative: drop links to members
	// that left while we were away.
	var stale []Link
	for id, l := range c.links {
		if _, present := c.roster[id]; !present {
			stale = append(stale, l)
			delete(c.links, id)
		}
	}
	c.mu.Unlock()

	for _, l := range stale {
		_ = l.Close()
	}
	c.log.Info("joined room", "room", ev.RoomID, "self", ev.SelfID, "participants", len(ev.Participants))
}

// handleUserJoined links toward the new arrival as initiator. A duplicate
// event for an already-linked participant is a no-op: discovery is keyed by
// participant id and never produces a second link or a duplicate offer.
func (c *Call) handleUserJoined(ev channel.Event) {
	if ev.Participant == nil || ev.Participant.ID == "" {
		return
	}
	p := *ev.Participant

	c.mu.Lock()
	if p.ID == c.selfID {
		c.mu.Unlock()
		return
	}
	c.roster[p.ID] = p
	if _, exists := c.links[p.ID]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	l, err := c.createLink(p.ID, true)
	if err != nil {
		c.log.Error("failed to create link", "remote", p.ID, "err", err)
		return
	}
	if err := l.Offer(); err != nil {
		c.log.Error("initial offer failed", "remote", p.ID, "err", err)
		c.removeLink(p.ID)
	}
}

func (c *Call) handleUserLeft(ev channel.Event) {
	id := ev.From
	if id == "" && ev.Participant != nil {
		id = ev.Participant.ID
	}
	c.mu.Lock()
	delete(c.roster, id)
	l := c.links[id]
	delete(c.links, id)
	c.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
}

// handleOffer answers in place. An offer from an unlinked participant means
// we are the responder side of a fresh pair; one from a linked participant
// is a renegotiation.
func (c *Call) handleOffer(ev channel.Event) {
	c.mu.Lock()
	l := c.links[ev.From]
	c.mu.Unlock()

	if l == nil {
		var err error
		l, err = c.createLink(ev.From, false)
		if err != nil {
			c.log.Error("failed to create responder link", "remote", ev.From, "err", err)
			return
		}
	}
	if err := l.HandleOffer(ev.Envelope); err != nil {
		c.log.Warn("offer handling failed", "remote", ev.From, "err", err)
	}
}

func (c *Call) handleAnswer(ev channel.Event) {
	c.mu.Lock()
	l := c.links[ev.From]
	c.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.HandleAnswer(ev.Envelope); err != nil {
		c.log.Warn("answer handling failed", "remote", ev.From, "err", err)
	}
}

func (c *Call) handleCandidate(ev channel.Event) {
	c.mu.Lock()
	l := c.links[ev.From]
	c.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.HandleCandidate(ev.Envelope); err != nil {
		c.log.Warn("candidate handling failed", "remote", ev.From, "err", err)
	}
}

func (c *Call) handleToggle(ev channel.Event, kind media.Kind) {
	if ev.Enabled == nil {
		return
	}
	c.mu.Lock()
	p, ok := c.roster[ev.From]
	if ok {
		if kind == media.KindAudio {
			p.AudioEnabled = *ev.Enabled
		} else {
			p.VideoEnabled = *ev.Enabled
		}
		c.roster[ev.From] = p
	}
	c.mu.Unlock()
}

func (c *Call) handleError(ev channel.Event) {
	c.log.Error("server error", "code", ev.Code, "message", ev.Message)
	// Setup-fatal errors end the call; the server closes the socket right
	// after sending these.
	switch ev.Code {
	case "unauthorized", "room_full":
		c.mu.Lock()
		if c.err == nil {
			c.err = fmt.Errorf("call rejected: %s", ev.Code)
		}
		c.mu.Unlock()
		c.ch.Close()
	}
}

// renegotiateAll pushes the new local media state into every link. Only
// links whose sender set structurally changed get a fresh offer, and it is
// always this side (the one whose media changed) that offers.
func (c *Call) renegotiateAll(st media.State) {
	c.mu.Lock()
	links := make([]Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		changed, err := l.AttachTracks(st)
		if err != nil {
			if !errors.Is(err, peerlink.ErrClosed) {
				c.log.Warn("track sync failed", "remote", l.Remote(), "err", err)
			}
			continue
		}
		if !changed {
			continue
		}
		if err := l.Offer(); err != nil {
			c.log.Warn("renegotiation offer failed", "remote", l.Remote(), "err", err)
		}
	}
}

// discardFailedLink drops a failed link without touching the roster: a
// media-layer failure is not a leave, and the membership divergence heals
// through the server's own leave/timeout signals.
func (c *Call) discardFailedLink(remoteID string) {
	c.mu.Lock()
	l := c.links[remoteID]
	delete(c.links, remoteID)
	c.mu.Unlock()

	if l != nil {
		_ = l.Close()
		c.log.Info("peer link failed, discarded", "remote", remoteID)
	}
}

func (c *Call) createLink(remoteID string, initiator bool) (Link, error) {
	l, err := c.newLink(remoteID, initiator, c.onLinkState)
	if err != nil {
		return nil, err
	}

	if c.media != nil {
		if _, err := l.AttachTracks(c.media.State()); err != nil {
			_ = l.Close()
			return nil, err
		}
	}

	c.mu.Lock()
	if existing, ok := c.links[remoteID]; ok {
		// Lost a race with another creation path; keep the first.
		c.mu.Unlock()
		_ = l.Close()
		return existing, nil
	}
	c.links[remoteID] = l
	c.mu.Unlock()
	return l, nil
}

func (c *Call) removeLink(remoteID string) {
	c.mu.Lock()
	l := c.links[remoteID]
	delete(c.links, remoteID)
	c.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
}

func (c *Call) onLinkState(remoteID string, st peerlink.State) {
	if st != peerlink.StateFailed {
		return
	}
	select {
	case c.failedCh <- remoteID:
	case <-c.done:
	}
}

// NewPeerLinkFactory builds the production LinkFactory over pion.
func NewPeerLinkFactory(
	api *webrtc.API,
	iceServers []webrtc.ICEServer,
	sender peerlink.Sender,
	logger *slog.Logger,
	onTrack func(remoteID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver),
) LinkFactory {
	return func(remoteID string, initiator bool, onState func(string, peerlink.State)) (Link, error) {
		return peerlink.New(peerlink.Config{
			API:           api,
			ICEServers:    iceServers,
			RemoteID:      remoteID,
			Initiator:     initiator,
			Sender:        sender,
			Logger:        logger,
			OnStateChange: onState,
			OnTrack:       onTrack,
		})
	}
}

// Join is the one-call entry point: dial the signaling channel and start
// the orchestrator. Media acquisition happens beforehand through the
// manager; its failures degrade the call, never abort it.
func Join(ctx context.Context, chCfg channel.Config, mgr *media.Manager, factory LinkFactory, logger *slog.Logger) (*Call, error) {
	ch, err := channel.New(chCfg)
	if err != nil {
		return nil, err
	}
	if err := ch.Connect(ctx); err != nil {
		return nil, err
	}
	return New(Config{Channel: ch, Media: mgr, NewLink: factory, Logger: logger})
}
