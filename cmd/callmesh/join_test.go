package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeServerURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{in: "https://mesh.example.com/", want: "https://mesh.example.com"},
		{in: " http://mesh.example.com/api/ ", want: "http://mesh.example.com"},
		{in: "ws://mesh.example.com", wantErr: true},
		{in: "mesh.example.com", wantErr: true},
		{in: "http://", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizeServerURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("normalizeServerURL(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeServerURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("normalizeServerURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHTTPToWS(t *testing.T) {
	if got := httpToWS("http://localhost:8080"); got != "ws://localhost:8080" {
		t.Errorf("httpToWS http = %q", got)
	}
	if got := httpToWS("https://mesh.example.com"); got != "wss://mesh.example.com" {
		t.Errorf("httpToWS https = %q", got)
	}
}

func TestResolveMeeting(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/standup" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"meeting_id":"standup","room_id":"r-1","created":true,"participants":2,"ws_path":"/ws/rooms/r-1"}`))
	}))
	defer ts.Close()

	lookup, err := resolveMeeting(context.Background(), ts.URL, "standup")
	if err != nil {
		t.Fatalf("resolveMeeting: %v", err)
	}
	if lookup.RoomID != "r-1" || lookup.Participants != 2 || !lookup.Created {
		t.Fatalf("unexpected lookup: %+v", lookup)
	}
}

func TestResolveMeetingSurfacesServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"directory unavailable"}`))
	}))
	defer ts.Close()

	_, err := resolveMeeting(context.Background(), ts.URL, "standup")
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "directory unavailable"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not mention %q", err, want)
	}
}

func TestFetchICEServers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("participant"); got != "alice" {
			t.Errorf("participant query = %q, want alice", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"iceServers":[{"urls":["stun:stun.example.com:3478"]},{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}],"ttl":600}`))
	}))
	defer ts.Close()

	servers, err := fetchICEServers(context.Background(), ts.URL, "alice")
	if err != nil {
		t.Fatalf("fetchICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].Credential != nil {
		t.Errorf("stun entry should carry no credential, got %#v", servers[0].Credential)
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Errorf("turn entry = %+v", servers[1])
	}
}
