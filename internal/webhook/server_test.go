package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/config"
)

const notificationBody = `{
	"chronothermostats": [{
		"function": "HEATING",
		"mode": "MANUAL",
		"setPoint": {"value": "21.0", "unit": "C"},
		"time": "2026-08-30T10:15:00",
		"sender": {"plant": {"id": "plant-1", "module": {"id": "mod-1"}}}
	}]
}`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(config.WebhookConfig{Endpoint: "https://bridge.example"}, nil)
	s.SetActivePlants([]string{"plant-1"})

	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHandleNotification(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/smarther-bridge/plant-1", "application/json",
		strings.NewReader(notificationBody))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	select {
	case status := <-s.Push():
		if len(status.Chronothermostats) != 1 {
			t.Fatalf("entries = %d, want 1", len(status.Chronothermostats))
		}
		st := status.Chronothermostats[0]
		if st.Sender == nil || st.Sender.Plant == nil || st.Sender.Plant.Module.ID != "mod-1" {
			t.Errorf("sender = %+v", st.Sender)
		}
		if st.SetPoint == nil || st.SetPoint.Value != 21.0 {
			t.Errorf("setPoint = %+v, want 21.0", st.SetPoint)
		}
	default:
		t.Fatal("notification was not forwarded on the push channel")
	}
}

func TestHandleNotification_InactivePlant(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/smarther-bridge/plant-9", "application/json",
		strings.NewReader(notificationBody))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	select {
	case <-s.Push():
		t.Error("notification for inactive plant must not be forwarded")
	default:
	}
}

func TestHandleNotification_BadJSON(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/smarther-bridge/plant-1", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleNotification_ActivePlantsReplaceable(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetActivePlants([]string{"plant-2"})

	resp, err := http.Post(ts.URL+"/smarther-bridge/plant-1", "application/json",
		strings.NewReader(notificationBody))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 after topology change", resp.StatusCode)
	}
}

func TestStart_RequiresEndpoint(t *testing.T) {
	s := NewServer(config.WebhookConfig{}, nil)
	if err := s.Start(); err == nil {
		t.Error("Start() without endpoint should fail")
	}
}
