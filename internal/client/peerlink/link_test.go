package peerlink

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/collabra/callmesh/internal/client/media"
	"github.com/collabra/callmesh/internal/signaling"
)

type captureSender struct {
	mu   sync.Mutex
	sent []signaling.Envelope
}

func (s *captureSender) Send(env signaling.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *captureSender) byType(t signaling.MessageType) []signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLink(t *testing.T, remote string, initiator bool, send Sender) *Link {
	t.Helper()
	api, err := NewAPI(EngineOptions{})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	l, err := New(Config{
		API:       api,
		RemoteID:  remote,
		Initiator: initiator,
		Sender:    send,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func audioState(t *testing.T) media.State {
	t.Helper()
	track, err := (&media.SyntheticProvider{}).Acquire(context.Background(), media.KindAudio, media.Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return media.State{AudioTrack: track, AudioEnabled: true}
}

func TestOfferStampsMonotonicNegotiation(t *testing.T) {
	send := &captureSender{}
	l := newTestLink(t, "bob", true, send)

	if _, err := l.AttachTracks(audioState(t)); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	if err := l.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	offers := send.byType(signaling.MessageTypeOffer)
	if len(offers) != 1 {
		t.Fatalf("offers=%d, want 1", len(offers))
	}
	off := offers[0]
	if off.To != "bob" || off.Negotiation != 1 {
		t.Fatalf("offer=%+v", off)
	}
	if off.SDP == nil || off.SDP.Type != "offer" {
		t.Fatalf("offer sdp=%+v", off.SDP)
	}
}

func TestOfferAnswerHandshake(t *testing.T) {
	sendA := &captureSender{}
	sendB := &captureSender{}
	a := newTestLink(t, "bob", true, sendA)
	b := newTestLink(t, "alice", false, sendB)

	if _, err := a.AttachTracks(audioState(t)); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	if err := a.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	offer := sendA.byType(signaling.MessageTypeOffer)[0]

	if err := b.HandleOffer(offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	answers := sendB.byType(signaling.MessageTypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("answers=%d, want 1", len(answers))
	}
	ans := answers[0]
	if ans.Negotiation != offer.Negotiation {
		t.Fatalf("answer negotiation=%d, want %d", ans.Negotiation, offer.Negotiation)
	}
	if ans.SDP == nil || ans.SDP.Type != "answer" {
		t.Fatalf("answer sdp=%+v", ans.SDP)
	}

	if err := a.HandleAnswer(ans); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
}

func TestStaleOfferIsDiscarded(t *testing.T) {
	sendA := &captureSender{}
	sendB := &captureSender{}
	a := newTestLink(t, "bob", true, sendA)
	b := newTestLink(t, "alice", false, sendB)

	st := audioState(t)
	if _, err := a.AttachTracks(st); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	if err := a.Offer(); err != nil {
		t.Fatalf("first Offer: %v", err)
	}
	if err := a.Offer(); err != nil {
		t.Fatalf("second Offer: %v", err)
	}
	offers := sendA.byType(signaling.MessageTypeOffer)

	// The newer offer lands first; the older one must then be ignored.
	if err := b.HandleOffer(offers[1]); err != nil {
		t.Fatalf("HandleOffer(new): %v", err)
	}
	if err := b.HandleOffer(offers[0]); err != nil {
		t.Fatalf("HandleOffer(stale): %v", err)
	}
	if got := len(sendB.byType(signaling.MessageTypeAnswer)); got != 1 {
		t.Fatalf("answers=%d, want 1 (stale offer must not be answered)", got)
	}
}

func TestStaleAnswerIsDiscarded(t *testing.T) {
	send := &captureSender{}
	l := newTestLink(t, "bob", true, send)

	if _, err := l.AttachTracks(audioState(t)); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	if err := l.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	// An answer for a negotiation we never sent is dropped, not applied.
	bogus := signaling.Envelope{
		Type:        signaling.MessageTypeAnswer,
		Negotiation: 99,
		SDP:         &signaling.SessionDescription{Type: "answer", SDP: "v=0"},
	}
	if err := l.HandleAnswer(bogus); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if l.State() != StateNegotiating {
		t.Fatalf("state=%s, want negotiating", l.State())
	}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	sendA := &captureSender{}
	sendB := &captureSender{}
	a := newTestLink(t, "bob", true, sendA)
	b := newTestLink(t, "alice", false, sendB)

	mid := "0"
	var idx uint16
	early := signaling.Envelope{
		Type: signaling.MessageTypeICECandidate,
		Candidate: &signaling.Candidate{
			Candidate:     "candidate:1 1 udp 2130706431 192.0.2.7 50000 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		},
	}
	// Before any description this must buffer rather than error.
	if err := b.HandleCandidate(early); err != nil {
		t.Fatalf("HandleCandidate before remote description: %v", err)
	}

	if _, err := a.AttachTracks(audioState(t)); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	if err := a.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := b.HandleOffer(sendA.byType(signaling.MessageTypeOffer)[0]); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
}

func TestAttachTracksReportsStructuralChangesOnly(t *testing.T) {
	send := &captureSender{}
	l := newTestLink(t, "bob", true, send)

	st := audioState(t)
	changed, err := l.AttachTracks(st)
	if err != nil || !changed {
		t.Fatalf("first attach: changed=%v err=%v, want true,nil", changed, err)
	}

	// Same track again: nothing to do.
	changed, err = l.AttachTracks(st)
	if err != nil || changed {
		t.Fatalf("idempotent attach: changed=%v err=%v, want false,nil", changed, err)
	}

	// A fresh same-kind track retargets the existing sender in place.
	changed, err = l.AttachTracks(audioState(t))
	if err != nil || changed {
		t.Fatalf("replace: changed=%v err=%v, want false,nil (ReplaceTrack path)", changed, err)
	}

	// Dropping the track removes the sender; that is structural.
	changed, err = l.AttachTracks(media.State{})
	if err != nil || !changed {
		t.Fatalf("detach: changed=%v err=%v, want true,nil", changed, err)
	}
}

func TestMutedTrackIsNotAttached(t *testing.T) {
	send := &captureSender{}
	l := newTestLink(t, "bob", true, send)

	st := audioState(t)
	st.AudioEnabled = false
	changed, err := l.AttachTracks(st)
	if err != nil || changed {
		t.Fatalf("muted attach: changed=%v err=%v, want false,nil", changed, err)
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	send := &captureSender{}
	l := newTestLink(t, "bob", true, send)

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if l.State() != StateClosed {
		t.Fatalf("state=%s", l.State())
	}
	if err := l.Offer(); err != ErrClosed {
		t.Fatalf("Offer after close=%v, want ErrClosed", err)
	}
	if _, err := l.AttachTracks(media.State{}); err != ErrClosed {
		t.Fatalf("AttachTracks after close=%v, want ErrClosed", err)
	}
}
