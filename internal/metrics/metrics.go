package metrics

import "sync"

// Event counter names. Kept as a flat namespace; the Prometheus handler
// exposes them as one counter with an `event` label.
const (
	AuthFailure        = "auth_failure"
	RoomJoin           = "room_join"
	RoomLeave          = "room_leave"
	RoomFull           = "room_full"
	RoomNotFound       = "room_not_found"
	RelayForwarded     = "relay_forwarded"
	RelayDropped       = "relay_dropped_no_target"
	RelayBadMessage    = "relay_bad_message"
	RateLimited        = "rate_limited"
	WSMessageTooLarge  = "ws_message_too_large"
	DirectoryResolve   = "directory_resolve"
	DirectoryCreate    = "directory_create"
	TurnRESTCredential = "turn_rest_credential"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
