package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(RoomJoin)
	m.Add(RelayForwarded, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE callmesh_signaling_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `callmesh_signaling_events_total{event="relay_forwarded"} 2`) {
		t.Fatalf("missing relay counter: %s", body)
	}
	if !strings.Contains(body, `callmesh_signaling_events_total{event="room_join"} 1`) {
		t.Fatalf("missing join counter: %s", body)
	}
	// Label escaping must follow Prometheus text format rules.
	if !strings.Contains(body, `callmesh_signaling_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
}
