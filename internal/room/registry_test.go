package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs [][]byte
	full bool
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, data)
	return true
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func pt(id string, joinedAt time.Time) Participant {
	return Participant{ID: id, DisplayName: "name-" + id, JoinedAt: joinedAt}
}

func TestJoinReturnsSnapshotInJoinOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if snap, err := reg.Join("r1", pt("a", base), &fakeConn{}); err != nil || len(snap) != 0 {
		t.Fatalf("first join: snap=%v err=%v, want empty", snap, err)
	}
	if _, err := reg.Join("r1", pt("c", base.Add(2*time.Second)), &fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Join("r1", pt("b", base.Add(time.Second)), &fakeConn{}); err != nil {
		t.Fatal(err)
	}

	snap, err := reg.Join("r1", pt("d", base.Add(3*time.Second)), &fakeConn{})
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].ID != want {
			t.Errorf("snap[%d].ID = %q, want %q", i, snap[i].ID, want)
		}
	}
}

func TestJoinEnforcesParticipantLimit(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(2)
	now := time.Now()

	if _, err := reg.Join("r1", pt("a", now), &fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Join("r1", pt("b", now), &fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Join("r1", pt("c", now), &fakeConn{}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}

	// Rejoin of an existing participant doesn't count against the limit.
	if _, err := reg.Join("r1", pt("b", now), &fakeConn{}); err != nil {
		t.Fatalf("rejoin should replace, got %v", err)
	}
}

func TestRejoinReplacesConnection(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	now := time.Now()
	old := &fakeConn{}
	repl := &fakeConn{}

	if _, err := reg.Join("r1", pt("a", now), old); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Join("r1", pt("a", now), repl); err != nil {
		t.Fatal(err)
	}

	if ok := reg.SendTo("r1", "a", []byte("x")); !ok {
		t.Fatal("SendTo should reach the replacement connection")
	}
	if old.count() != 0 || repl.count() != 1 {
		t.Fatalf("old=%d repl=%d, want 0/1", old.count(), repl.count())
	}

	// The stale channel's deferred leave must not evict the new connection.
	if removed := reg.Leave("r1", "a", old); removed {
		t.Fatal("leave with stale conn must be a no-op")
	}
	if reg.Count("r1") != 1 {
		t.Fatalf("count = %d, want 1", reg.Count("r1"))
	}
	if removed := reg.Leave("r1", "a", repl); !removed {
		t.Fatal("leave with current conn should remove")
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	c := &fakeConn{}
	if _, err := reg.Join("r1", pt("a", time.Now()), c); err != nil {
		t.Fatal(err)
	}
	reg.Leave("r1", "a", c)

	if reg.Count("r1") != 0 {
		t.Fatal("room should be gone")
	}
	if reg.Leave("r1", "a", c) {
		t.Fatal("second leave must report not-present")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	now := time.Now()
	conns := map[string]*fakeConn{"a": {}, "b": {}, "c": {}}
	for id, c := range conns {
		if _, err := reg.Join("r1", pt(id, now), c); err != nil {
			t.Fatal(err)
		}
	}

	sent := reg.Broadcast("r1", "a", []byte("hello"))
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if conns["a"].count() != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if conns["b"].count() != 1 || conns["c"].count() != 1 {
		t.Fatal("other members should each receive one message")
	}
}

func TestBroadcastCountsOnlyEnqueuedSends(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	now := time.Now()
	if _, err := reg.Join("r1", pt("a", now), &fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Join("r1", pt("b", now), &fakeConn{full: true}); err != nil {
		t.Fatal(err)
	}

	if sent := reg.Broadcast("r1", "", []byte("x")); sent != 1 {
		t.Fatalf("sent = %d, want 1 (full buffer doesn't count)", sent)
	}
}

func TestSendToUnknownTarget(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	if reg.SendTo("nope", "a", []byte("x")) {
		t.Fatal("send to unknown room must fail")
	}
	if _, err := reg.Join("r1", pt("a", time.Now()), &fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if reg.SendTo("r1", "ghost", []byte("x")) {
		t.Fatal("send to unknown participant must fail")
	}
}

func TestMediaFlagsSurviveInSnapshots(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	now := time.Now()
	p := pt("a", now)
	p.AudioEnabled = true
	p.VideoEnabled = true
	if _, err := reg.Join("r1", p, &fakeConn{}); err != nil {
		t.Fatal(err)
	}

	reg.SetAudioEnabled("r1", "a", false)
	reg.SetVideoEnabled("r1", "a", false)
	reg.SetVideoEnabled("r1", "ghost", true) // unknown ids ignored

	got := reg.Participants("r1")
	if len(got) != 1 {
		t.Fatalf("participants = %v", got)
	}
	if got[0].AudioEnabled || got[0].VideoEnabled {
		t.Fatalf("flags not updated: %+v", got[0])
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			c := &fakeConn{}
			if _, err := reg.Join("r1", pt(id, now), c); err != nil {
				t.Error(err)
				return
			}
			reg.Broadcast("r1", id, []byte("hi"))
			if i%2 == 0 {
				reg.Leave("r1", id, c)
			}
		}(i)
	}
	wg.Wait()

	if got := reg.Count("r1"); got != 16 {
		t.Fatalf("count = %d, want 16", got)
	}
}
