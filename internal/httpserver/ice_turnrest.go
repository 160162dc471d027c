package httpserver

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// withTURNRESTCredentials stamps minted credentials onto every TURN entry,
// leaving STUN entries alone. The input slice is not mutated.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
