package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	kind   Kind
	closed atomic.Bool
}

func (t *fakeTrack) Kind() Kind               { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }
func (t *fakeTrack) Close() error             { t.closed.Store(true); return nil }

// fakeProvider scripts per-kind outcomes; each call consumes one outcome.
type fakeProvider struct {
	mu       sync.Mutex
	outcomes map[Kind][]error
	calls    map[Kind]int
	block    chan struct{} // when set, Acquire waits on it
}

func (p *fakeProvider) Acquire(ctx context.Context, kind Kind, _ Constraints) (Track, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[Kind]int)
	}
	n := p.calls[kind]
	p.calls[kind] = n + 1

	if outcomes := p.outcomes[kind]; n < len(outcomes) && outcomes[n] != nil {
		return nil, outcomes[n]
	}
	return &fakeTrack{kind: kind}, nil
}

func (p *fakeProvider) callCount(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[kind]
}

func newTestManager(p Provider) *Manager {
	return NewManager(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAcquireSuccessUpdatesState(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeProvider{})
	track, err := m.Acquire(context.Background(), KindAudio, Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if track == nil {
		t.Fatal("nil track")
	}

	st := m.State()
	if st.AudioTrack != track || !st.AudioEnabled {
		t.Fatalf("state=%+v", st)
	}
	if st.MicPermission != PermissionGranted || st.MicDevicePresent != PresencePresent {
		t.Fatalf("mic state: permission=%s presence=%s", st.MicPermission, st.MicDevicePresent)
	}
	if st.CameraPermission != PermissionUnknown {
		t.Fatalf("camera permission=%s, want unknown", st.CameraPermission)
	}
}

func TestAcquireFailuresAreIndependent(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{outcomes: map[Kind][]error{
		KindAudio: {&AcquireError{Kind: FailurePermissionDenied}, &AcquireError{Kind: FailurePermissionDenied}},
	}}
	m := newTestManager(p)

	audioErr, videoErr := m.AcquireAll(context.Background(), Constraints{}, Constraints{})
	if FailureKindOf(audioErr) != FailurePermissionDenied {
		t.Fatalf("audioErr=%v", audioErr)
	}
	if videoErr != nil {
		t.Fatalf("videoErr=%v, want nil", videoErr)
	}

	st := m.State()
	if st.AudioTrack != nil || st.VideoTrack == nil {
		t.Fatalf("state=%+v", st)
	}
	if st.MicPermission != PermissionDenied {
		t.Fatalf("mic permission=%s, want denied", st.MicPermission)
	}
}

func TestAudioDegradedRetryThenAbsent(t *testing.T) {
	t.Parallel()

	notFound := &AcquireError{Kind: FailureDeviceNotFound, Cause: errors.New("no mic")}
	p := &fakeProvider{outcomes: map[Kind][]error{
		KindAudio: {notFound, notFound},
	}}
	m := newTestManager(p)

	_, err := m.Acquire(context.Background(), KindAudio, Constraints{SampleRate: 48000})
	if FailureKindOf(err) != FailureDeviceNotFound {
		t.Fatalf("err=%v", err)
	}
	if got := p.callCount(KindAudio); got != 2 {
		t.Fatalf("device requests=%d, want 2 (original + one degraded retry)", got)
	}
	if st := m.State(); st.MicDevicePresent != PresenceAbsent {
		t.Fatalf("presence=%s, want absent after failed retry", st.MicDevicePresent)
	}
}

func TestAudioDegradedRetrySucceeds(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{outcomes: map[Kind][]error{
		KindAudio: {&AcquireError{Kind: FailureDeviceNotFound}, nil},
	}}
	m := newTestManager(p)

	track, err := m.Acquire(context.Background(), KindAudio, Constraints{SampleRate: 48000})
	if err != nil || track == nil {
		t.Fatalf("Acquire=%v, %v", track, err)
	}
	if st := m.State(); st.MicDevicePresent != PresencePresent {
		t.Fatalf("presence=%s, want present", st.MicDevicePresent)
	}
}

func TestPresenceStaysUnknownWithoutRetryEvidence(t *testing.T) {
	t.Parallel()

	// A busy device says nothing about presence.
	p := &fakeProvider{outcomes: map[Kind][]error{
		KindAudio: {&AcquireError{Kind: FailureDeviceBusy}},
	}}
	m := newTestManager(p)

	_, _ = m.Acquire(context.Background(), KindAudio, Constraints{})
	if st := m.State(); st.MicDevicePresent != PresenceUnknown {
		t.Fatalf("presence=%s, want unknown", st.MicDevicePresent)
	}
}

func TestConcurrentAcquireCollapses(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{block: make(chan struct{})}
	m := newTestManager(p)

	const callers = 8
	results := make(chan Track, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			track, err := m.Acquire(context.Background(), KindAudio, Constraints{})
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			results <- track
		}()
	}

	time.Sleep(20 * time.Millisecond) // let the callers pile up
	close(p.block)
	wg.Wait()
	close(results)

	if got := p.callCount(KindAudio); got != 1 {
		t.Fatalf("device requests=%d, want 1", got)
	}
	var first Track
	for track := range results {
		if first == nil {
			first = track
		} else if track != first {
			t.Fatal("concurrent callers got different tracks")
		}
	}
}

func TestReleaseClosesTrackAndNotifies(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeProvider{})
	track, err := m.Acquire(context.Background(), KindAudio, Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var notified atomic.Int64
	m.OnChange(func(State) { notified.Add(1) })

	m.Release(KindAudio)

	if st := m.State(); st.AudioTrack != nil || st.AudioEnabled {
		t.Fatalf("state=%+v", st)
	}
	if !track.(*fakeTrack).closed.Load() {
		t.Fatal("track not closed on release")
	}
	if notified.Load() == 0 {
		t.Fatal("no change notification")
	}
}

func TestSetEnabledIsAMuteNotARelease(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeProvider{})
	track, _ := m.Acquire(context.Background(), KindAudio, Constraints{})

	m.SetEnabled(KindAudio, false)
	st := m.State()
	if st.AudioEnabled {
		t.Fatal("still enabled")
	}
	if st.AudioTrack != track || track.(*fakeTrack).closed.Load() {
		t.Fatal("mute must keep the device open")
	}
}

func TestSyntheticProvider(t *testing.T) {
	t.Parallel()

	p := &SyntheticProvider{}
	track, err := p.Acquire(context.Background(), KindAudio, Constraints{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if track.Kind() != KindAudio || track.Local() == nil {
		t.Fatalf("track=%+v", track)
	}
	if _, ok := track.(SampleWriter); !ok {
		t.Fatal("synthetic track does not accept samples")
	}

	missing := &SyntheticProvider{Missing: map[Kind]bool{KindVideo: true}}
	if _, err := missing.Acquire(context.Background(), KindVideo, Constraints{}); FailureKindOf(err) != FailureDeviceNotFound {
		t.Fatalf("err=%v, want device_not_found", err)
	}
}
