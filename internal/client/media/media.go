// Package media acquires and releases local capture tracks and tracks the
// call session's media state: which tracks exist, whether they are enabled,
// and what is known about permissions and device presence.
//
// Acquisition failures are never fatal to a call. A participant with zero
// granted media kinds still joins and signals normally (listener mode).
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// FailureKind classifies an acquisition failure so callers can choose a
// recovery policy instead of string-matching device errors.
type FailureKind string

const (
	FailurePermissionDenied         FailureKind = "permission_denied"
	FailureDeviceNotFound           FailureKind = "device_not_found"
	FailureDeviceBusy               FailureKind = "device_busy"
	FailureConstraintsUnsatisfiable FailureKind = "constraints_unsatisfiable"
)

// AcquireError wraps a device-layer failure with its classification.
type AcquireError struct {
	Kind  FailureKind
	Cause error
}

func (e *AcquireError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *AcquireError) Unwrap() error { return e.Cause }

// FailureKindOf extracts the classification, or "" for non-acquire errors.
func FailureKindOf(err error) FailureKind {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Permission is what we know about a capture permission.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Presence is a deliberate tri-state. Device enumeration before a permission
// grant under-reports, so absence can only be asserted after a degraded
// retry also fails; until then the honest answer is "unknown".
type Presence string

const (
	PresenceUnknown Presence = "unknown"
	PresencePresent Presence = "present"
	PresenceAbsent  Presence = "absent"
)

// Constraints are capture hints. Zero values mean "no preference".
type Constraints struct {
	SampleRate   int
	ChannelCount int
	Width        int
	Height       int
	FrameRate    int
}

// Relaxed drops the hints, for the degraded retry pass.
func (Constraints) Relaxed() Constraints { return Constraints{} }

// Track is one live capture track. Close releases the underlying device.
type Track interface {
	Kind() Kind
	Local() webrtc.TrackLocal
	Close() error
}

// Provider performs the actual device acquisition. Failures must be
// *AcquireError so the manager can drive retry policy.
type Provider interface {
	Acquire(ctx context.Context, kind Kind, constraints Constraints) (Track, error)
}

// State is a snapshot of the session's local media.
type State struct {
	AudioTrack Track
	VideoTrack Track

	AudioEnabled bool
	VideoEnabled bool

	MicPermission    Permission
	CameraPermission Permission

	MicDevicePresent Presence
}

// Track returns the track of the given kind, nil when absent.
func (s State) Track(kind Kind) Track {
	if kind == KindAudio {
		return s.AudioTrack
	}
	return s.VideoTrack
}

// Manager owns the session's State. Acquisitions for the same kind collapse
// to a single in-flight device request; audio and video never block each
// other.
type Manager struct {
	provider Provider
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	inflight map[Kind]*acquisition
	onChange []func(State)
}

type acquisition struct {
	done  chan struct{}
	track Track
	err   error
}

func NewManager(provider Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider: provider,
		log:      logger,
		state: State{
			MicPermission:    PermissionUnknown,
			CameraPermission: PermissionUnknown,
			MicDevicePresent: PresenceUnknown,
		},
		inflight: make(map[Kind]*acquisition),
	}
}

// OnChange registers a state listener. Listeners run synchronously after
// each state mutation, outside the manager lock.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AcquireAll attempts audio first (call-critical), then video. The errors
// are independent: one kind failing never aborts the other, and both
// failing still leaves a joinable listener-mode session.
func (m *Manager) AcquireAll(ctx context.Context, audio, video Constraints) (audioErr, videoErr error) {
	_, audioErr = m.Acquire(ctx, KindAudio, audio)
	_, videoErr = m.Acquire(ctx, KindVideo, video)
	return audioErr, videoErr
}

// Acquire obtains a track of the given kind, updating State on the way. A
// concurrent second call for the same kind waits for the in-flight request
// instead of hitting the device twice.
func (m *Manager) Acquire(ctx context.Context, kind Kind, constraints Constraints) (Track, error) {
	m.mu.Lock()
	if t := m.state.Track(kind); t != nil {
		m.mu.Unlock()
		return t, nil
	}
	if in, ok := m.inflight[kind]; ok {
		m.mu.Unlock()
		select {
		case <-in.done:
			return in.track, in.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	in := &acquisition{done: make(chan struct{})}
	m.inflight[kind] = in
	m.mu.Unlock()

	track, err := m.acquire(ctx, kind, constraints)

	in.track = track
	in.err = err

	m.mu.Lock()
	delete(m.inflight, kind)
	m.applyResultLocked(kind, track, err)
	state := m.state
	listeners := m.onChange
	m.mu.Unlock()

	close(in.done)
	for _, fn := range listeners {
		fn(state)
	}
	return track, err
}

// acquire runs the device request, including the one degraded retry for
// audio on DeviceNotFound.
func (m *Manager) acquire(ctx context.Context, kind Kind, constraints Constraints) (Track, error) {
	track, err := m.provider.Acquire(ctx, kind, constraints)
	if err == nil {
		return track, nil
	}

	if kind == KindAudio && FailureKindOf(err) == FailureDeviceNotFound {
		m.log.Info("audio device not found, retrying with relaxed constraints")
		track, retryErr := m.provider.Acquire(ctx, kind, constraints.Relaxed())
		if retryErr == nil {
			return track, nil
		}
		return nil, retryErr
	}
	return nil, err
}

// applyResultLocked folds an acquisition outcome into State. Absence is only
// asserted for audio after the degraded retry failed too; the single-pass
// video path keeps presence unknown.
func (m *Manager) applyResultLocked(kind Kind, track Track, err error) {
	if err == nil {
		switch kind {
		case KindAudio:
			m.state.AudioTrack = track
			m.state.AudioEnabled = true
			m.state.MicPermission = PermissionGranted
			m.state.MicDevicePresent = PresencePresent
		case KindVideo:
			m.state.VideoTrack = track
			m.state.VideoEnabled = true
			m.state.CameraPermission = PermissionGranted
		}
		return
	}

	failure := FailureKindOf(err)
	switch kind {
	case KindAudio:
		if failure == FailurePermissionDenied {
			m.state.MicPermission = PermissionDenied
		}
		if failure == FailureDeviceNotFound {
			m.state.MicDevicePresent = PresenceAbsent
		}
	case KindVideo:
		if failure == FailurePermissionDenied {
			m.state.CameraPermission = PermissionDenied
		}
	}
}

// Release closes and forgets the track of the given kind.
func (m *Manager) Release(kind Kind) {
	m.mu.Lock()
	var track Track
	switch kind {
	case KindAudio:
		track = m.state.AudioTrack
		m.state.AudioTrack = nil
		m.state.AudioEnabled = false
	case KindVideo:
		track = m.state.VideoTrack
		m.state.VideoTrack = nil
		m.state.VideoEnabled = false
	}
	state := m.state
	listeners := m.onChange
	m.mu.Unlock()

	if track != nil {
		_ = track.Close()
	}
	for _, fn := range listeners {
		fn(state)
	}
}

// SetEnabled flips the mute flag without releasing the device.
func (m *Manager) SetEnabled(kind Kind, enabled bool) {
	m.mu.Lock()
	switch kind {
	case KindAudio:
		m.state.AudioEnabled = enabled
	case KindVideo:
		m.state.VideoEnabled = enabled
	}
	state := m.state
	listeners := m.onChange
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
