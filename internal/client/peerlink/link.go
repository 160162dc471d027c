// Package peerlink runs the per-remote-participant connection state
// machine: negotiation, track attachment, renegotiation on media change, and
// teardown.
//
// Every link owns exactly one PeerConnection and is independent of all
// other links; there is no lock shared across remotes.
package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/collabra/callmesh/internal/client/media"
	"github.com/collabra/callmesh/internal/signaling"
)

type State string

const (
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

var ErrClosed = errors.New("peerlink: closed")

// Sender delivers signaling envelopes to the remote side. The call's
// channel satisfies it.
type Sender interface {
	Send(env signaling.Envelope) error
}

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	RemoteID string
	// Initiator marks the side that sends the first offer. Per the
	// glare-avoidance rule this is always the member that was already in the
	// room when the remote joined.
	Initiator bool

	Sender Sender
	Logger *slog.Logger

	// OnStateChange fires outside the link's lock.
	OnStateChange func(remoteID string, state State)

	// OnTrack surfaces inbound remote media to the UI layer.
	OnTrack func(remoteID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Link is one peer connection toward one remote participant.
type Link struct {
	remoteID  string
	initiator bool
	send      Sender
	log       *slog.Logger
	onState   func(string, State)

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	state State

	// localNegotiation stamps outgoing offers; pendingOffer remembers which
	// stamp the next answer must carry. Stale answers are discarded instead
	// of applied.
	localNegotiation uint64
	pendingOffer     uint64
	// remoteNegotiation is the highest remote offer stamp applied; older
	// offers arriving late (reordering across reconnects) are discarded.
	remoteNegotiation uint64

	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit

	senders map[media.Kind]*webrtc.RTPSender
}

func New(cfg Config) (*Link, error) {
	if cfg.API == nil {
		return nil, errors.New("peerlink: API is required")
	}
	if cfg.RemoteID == "" {
		return nil, errors.New("peerlink: RemoteID is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("peerlink: Sender is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peerlink: new peer connection: %w", err)
	}

	l := &Link{
		remoteID:  cfg.RemoteID,
		initiator: cfg.Initiator,
		send:      cfg.Sender,
		log:       logger.With("remote", cfg.RemoteID),
		onState:   cfg.OnStateChange,
		pc:        pc,
		state:     StateNegotiating,
		senders:   make(map[media.Kind]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := signaling.CandidateFromPion(c.ToJSON())
		err := l.send.Send(signaling.Envelope{
			Type:      signaling.MessageTypeICECandidate,
			To:        l.remoteID,
			Candidate: &candidate,
		})
		if err != nil {
			l.log.Warn("failed to send ice candidate", "err", err)
		}
	})

	if cfg.OnTrack != nil {
		onTrack := cfg.OnTrack
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			onTrack(l.remoteID, track, receiver)
		})
	}

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		switch cs {
		case webrtc.PeerConnectionStateConnected:
			l.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			// Fatal to this link only. Rediscovery, not retry, brings the pair
			// back.
			l.setState(StateFailed)
		}
	})

	return l, nil
}

func (l *Link) Remote() string  { return l.remoteID }
func (l *Link) Initiator() bool { return l.initiator }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	if l.state == s || l.state == StateClosed || l.state == StateFailed {
		l.mu.Unlock()
		return
	}
	l.state = s
	cb := l.onState
	l.mu.Unlock()

	l.log.Debug("peer link state", "state", s)
	if cb != nil {
		cb(l.remoteID, s)
	}
}

// AttachTracks reconciles the connection's outbound senders with the local
// media state. A same-kind sender is retargeted in place via ReplaceTrack,
// which needs no renegotiation; adding or removing a sender does, and is
// reported through the changed return so the side whose media changed can
// offer.
func (l *Link) AttachTracks(st media.State) (changed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed || l.state == StateFailed {
		return false, ErrClosed
	}

	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		var desired webrtc.TrackLocal
		if t := st.Track(kind); t != nil && enabled(st, kind) {
			desired = t.Local()
		}
		sender, have := l.senders[kind]

		switch {
		case desired == nil && have:
			if err := l.pc.RemoveTrack(sender); err != nil {
				return changed, fmt.Errorf("remove %s track: %w", kind, err)
			}
			delete(l.senders, kind)
			changed = true

		case desired != nil && have:
			if sender.Track() == desired {
				continue
			}
			if err := sender.ReplaceTrack(desired); err != nil {
				return changed, fmt.Errorf("replace %s track: %w", kind, err)
			}

		case desired != nil && !have:
			sender, err := l.pc.AddTrack(desired)
			if err != nil {
				return changed, fmt.Errorf("add %s track: %w", kind, err)
			}
			l.senders[kind] = sender
			changed = true
		}
	}
	return changed, nil
}

func enabled(st media.State, kind media.Kind) bool {
	if kind == media.KindAudio {
		return st.AudioEnabled
	}
	return st.VideoEnabled
}

// Offer creates and sends a fresh offer on the existing connection. Used
// both for initial negotiation (initiator side) and for renegotiation by
// whichever side's media changed.
func (l *Link) Offer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed || l.state == StateFailed {
		return ErrClosed
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	l.localNegotiation++
	l.pendingOffer = l.localNegotiation

	sdp := signaling.SDPFromPion(offer)
	return l.send.Send(signaling.Envelope{
		Type:        signaling.MessageTypeOffer,
		To:          l.remoteID,
		Negotiation: l.pendingOffer,
		SDP:         &sdp,
	})
}

// HandleOffer applies a remote offer and sends back an answer echoing the
// offer's negotiation stamp. Offers older than one already applied are
// discarded.
func (l *Link) HandleOffer(env signaling.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed || l.state == StateFailed {
		return ErrClosed
	}
	if env.SDP == nil {
		return errors.New("offer without sdp")
	}
	if env.Negotiation != 0 && env.Negotiation <= l.remoteNegotiation {
		l.log.Debug("discarding stale offer", "negotiation", env.Negotiation, "applied", l.remoteNegotiation)
		return nil
	}

	desc, err := env.SDP.ToPion()
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.remoteNegotiation = env.Negotiation
	l.remoteDescSet = true
	l.flushCandidatesLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	sdp := signaling.SDPFromPion(answer)
	return l.send.Send(signaling.Envelope{
		Type:        signaling.MessageTypeAnswer,
		To:          l.remoteID,
		Negotiation: env.Negotiation,
		SDP:         &sdp,
	})
}

// HandleAnswer applies a remote answer. Answers that do not match the
// outstanding offer stamp are stale and discarded.
func (l *Link) HandleAnswer(env signaling.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed || l.state == StateFailed {
		return ErrClosed
	}
	if env.SDP == nil {
		return errors.New("answer without sdp")
	}
	if l.pendingOffer == 0 || (env.Negotiation != 0 && env.Negotiation != l.pendingOffer) {
		l.log.Debug("discarding stale answer", "negotiation", env.Negotiation, "pending", l.pendingOffer)
		return nil
	}

	desc, err := env.SDP.ToPion()
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.pendingOffer = 0
	l.remoteDescSet = true
	l.flushCandidatesLocked()
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it when it
// arrives before the remote description.
func (l *Link) HandleCandidate(env signaling.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed || l.state == StateFailed {
		return ErrClosed
	}
	if env.Candidate == nil {
		return errors.New("ice_candidate without candidate")
	}

	init := env.Candidate.ToPion()
	if !l.remoteDescSet {
		l.pendingCandidates = append(l.pendingCandidates, init)
		return nil
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (l *Link) flushCandidatesLocked() {
	for _, init := range l.pendingCandidates {
		if err := l.pc.AddICECandidate(init); err != nil {
			l.log.Warn("failed to apply buffered candidate", "err", err)
		}
	}
	l.pendingCandidates = nil
}

// Close releases the connection. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	pc := l.pc
	l.mu.Unlock()

	return pc.Close()
}
