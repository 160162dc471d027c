package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/collabra/callmesh/internal/room"
)

type MessageType string

const (
	// Server -> client.
	MessageTypeRoomInfo   MessageType = "room_info"
	MessageTypeUserJoined MessageType = "user_joined"
	MessageTypeUserLeft   MessageType = "user_left"
	MessageTypePong       MessageType = "pong"
	MessageTypeError      MessageType = "error"

	// Client -> server, relayed or handled.
	MessageTypeAuth         MessageType = "auth"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice_candidate"
	MessageTypeToggleAudio  MessageType = "toggle_audio"
	MessageTypeToggleVideo  MessageType = "toggle_video"
	MessageTypePing         MessageType = "ping"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the JSON message exchanged over the signaling socket.
//
// From is always server-stamped on relayed messages; a client-supplied From
// is overwritten, never trusted. To addresses exactly one participant and is
// required for offer/answer/ice_candidate.
//
// Negotiation is a per-link monotonically increasing counter stamped on
// offers and echoed on answers, letting receivers reject stale descriptions
// after reconnects instead of applying them blindly.
type Envelope struct {
	Type MessageType `json:"type"`
	From string      `json:"from,omitempty"`
	To   string      `json:"to,omitempty"`

	SDP         *SessionDescription `json:"sdp,omitempty"`
	Candidate   *Candidate          `json:"candidate,omitempty"`
	Negotiation uint64              `json:"negotiation,omitempty"`

	Enabled *bool `json:"enabled,omitempty"`

	RoomID       string             `json:"room_id,omitempty"`
	SelfID       string             `json:"your_id,omitempty"`
	Participant  *room.Participant  `json:"participant,omitempty"`
	Participants []room.Participant `json:"participants,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseClientEnvelope decodes and validates a message received from a
// client. Unknown fields, trailing data, and server-only message types are
// all rejected.
func ParseClientEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Envelope
	if err := dec.Decode(&msg); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validateClient(); err != nil {
		return Envelope{}, err
	}
	return msg, nil
}

func (e Envelope) validateClient() error {
	switch e.Type {
	case MessageTypeAuth:
		if e.APIKey == "" && e.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
	case MessageTypeOffer:
		if e.To == "" {
			return fmt.Errorf("offer message missing to")
		}
		if e.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if e.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", e.SDP.Type)
		}
	case MessageTypeAnswer:
		if e.To == "" {
			return fmt.Errorf("answer message missing to")
		}
		if e.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if e.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", e.SDP.Type)
		}
	case MessageTypeICECandidate:
		if e.To == "" {
			return fmt.Errorf("ice_candidate message missing to")
		}
		if e.Candidate == nil {
			return fmt.Errorf("ice_candidate message missing candidate")
		}
	case MessageTypeToggleAudio, MessageTypeToggleVideo:
		if e.Enabled == nil {
			return fmt.Errorf("%s message missing enabled", e.Type)
		}
	case MessageTypePing:
		// No payload.
	case MessageTypeRoomInfo, MessageTypeUserJoined, MessageTypeUserLeft, MessageTypePong, MessageTypeError:
		return fmt.Errorf("message type %q is server-to-client only", e.Type)
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}
