package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SampleWriter is implemented by tracks that accept pushed samples.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

// SyntheticProvider mints silence/blank tracks backed by
// TrackLocalStaticSample. Headless processes (test harnesses, the CLI
// join command) use it in place of real capture devices; the returned
// tracks implement SampleWriter for callers that push media.
type SyntheticProvider struct {
	// Missing simulates absent devices per kind.
	Missing map[Kind]bool
}

func (p *SyntheticProvider) Acquire(_ context.Context, kind Kind, _ Constraints) (Track, error) {
	if p.Missing != nil && p.Missing[kind] {
		return nil, &AcquireError{Kind: FailureDeviceNotFound, Cause: fmt.Errorf("no %s capture device", kind)}
	}

	var codec webrtc.RTPCodecCapability
	var streamID string
	switch kind {
	case KindAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
		streamID = "synthetic-audio"
	case KindVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
		streamID = "synthetic-video"
	default:
		return nil, &AcquireError{Kind: FailureConstraintsUnsatisfiable, Cause: fmt.Errorf("unsupported kind %q", kind)}
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, &AcquireError{Kind: FailureConstraintsUnsatisfiable, Cause: err}
	}
	return &syntheticTrack{kind: kind, local: local}, nil
}

type syntheticTrack struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample

	mu     sync.Mutex
	closed bool
}

func (t *syntheticTrack) Kind() Kind               { return t.kind }
func (t *syntheticTrack) Local() webrtc.TrackLocal { return t.local }

func (t *syntheticTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// WriteSample pushes one media sample. Writes after Close are dropped.
func (t *syntheticTrack) WriteSample(sample media.Sample) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	return t.local.WriteSample(sample)
}
