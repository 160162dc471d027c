// Package signaling implements the WebSocket signaling surface for call
// rooms: participant admission, membership broadcasts, and best-effort
// relay of offer/answer/ICE messages between participants.
package signaling
