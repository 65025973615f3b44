package smarther

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/auth"
)

// fakeTokenSource implements TokenSource for testing.
type fakeTokenSource struct {
	token        string
	tokenErr     error
	refreshCalls int32
}

func (f *fakeTokenSource) Token(context.Context) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeTokenSource) ForceRefresh(context.Context) error {
	atomic.AddInt32(&f.refreshCalls, 1)
	f.token = "refreshed-token"
	return nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeTokenSource) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(ClientOptions{
		BaseURL:         server.URL,
		TokenURL:        server.URL + "/token",
		ClientID:        "test-client",
		ClientSecret:    "test-secret",
		SubscriptionKey: "test-subkey",
	})
	tokens := &fakeTokenSource{token: "test-token"}
	client.SetTokenSource(tokens)
	return client, tokens
}

func TestListPlants(t *testing.T) {
	var gotAuth, gotSubKey string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plants" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotSubKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"plants":[{"id":"plant-1","name":"Home"},{"id":"plant-2","name":"Cabin"}]}`)) //nolint:errcheck
	}))

	plants, err := client.ListPlants(context.Background())
	if err != nil {
		t.Fatalf("ListPlants() error = %v", err)
	}

	if len(plants) != 2 {
		t.Fatalf("len(plants) = %d, want 2", len(plants))
	}
	if plants[0].ID != "plant-1" || plants[0].Name != "Home" {
		t.Errorf("plants[0] = %+v", plants[0])
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotSubKey != "test-subkey" {
		t.Errorf("Ocp-Apim-Subscription-Key = %q, want test-subkey", gotSubKey)
	}
}

func TestGetTopology(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plants/plant-1/topology" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"plant":{"id":"plant-1","name":"Home","modules":[{"id":"mod-1","name":"Living Room","device":"smarther2"}]}}`)) //nolint:errcheck
	}))

	detail, err := client.GetTopology(context.Background(), "plant-1")
	if err != nil {
		t.Fatalf("GetTopology() error = %v", err)
	}
	if len(detail.Modules) != 1 || detail.Modules[0].ID != "mod-1" {
		t.Errorf("Modules = %+v", detail.Modules)
	}
}

func TestGetStatus(t *testing.T) {
	const statusBody = `{
		"chronothermostats": [{
			"function": "HEATING",
			"mode": "AUTOMATIC",
			"setPoint": {"value": "21.5", "unit": "C"},
			"time": "2026-08-30T10:15:00",
			"thermometer": {"measures": [{"timeStamp": "2026-08-30T10:14:00", "value": "20.9"}]},
			"hygrometer": {"measures": [{"timeStamp": "2026-08-30T10:14:00", "value": "48.2"}]}
		}]
	}`

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/chronothermostat/thermoregulation/addressLocation/plants/plant-1/modules/parameter/id/value/mod-1"
		if r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		w.Write([]byte(statusBody)) //nolint:errcheck
	}))

	status, err := client.GetStatus(context.Background(), "plant-1", "mod-1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if len(status.Chronothermostats) != 1 {
		t.Fatalf("len(Chronothermostats) = %d, want 1", len(status.Chronothermostats))
	}

	st := status.Chronothermostats[0]
	if st.Mode != ModeAutomatic || st.Function != FunctionHeating {
		t.Errorf("mode/function = %s/%s", st.Mode, st.Function)
	}
	if st.SetPoint == nil || st.SetPoint.Value != 21.5 {
		t.Errorf("SetPoint = %+v, want 21.5", st.SetPoint)
	}
	if m := st.Thermometer.LastMeasure(); m == nil || m.Value != 20.9 {
		t.Errorf("thermometer LastMeasure = %+v, want 20.9", m)
	}
	if m := st.Hygrometer.LastMeasure(); m == nil || m.Value != 48.2 {
		t.Errorf("hygrometer LastMeasure = %+v, want 48.2", m)
	}
}

func TestSetStatus(t *testing.T) {
	var gotBody SetStatusRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := SetStatusRequest{
		Function: FunctionHeating,
		Mode:     ModeManual,
		SetPoint: &Measurement{Value: 22.0, Unit: "C"},
	}
	if err := client.SetStatus(context.Background(), "plant-1", "mod-1", req); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	if gotBody.Mode != ModeManual || gotBody.SetPoint == nil || gotBody.SetPoint.Value != 22.0 {
		t.Errorf("server received %+v", gotBody)
	}
}

func TestDoJSON_RetriesOnceAfter401(t *testing.T) {
	var requests int32
	client, tokens := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer refreshed-token" {
			t.Errorf("retry Authorization = %q, want refreshed token", got)
		}
		w.Write([]byte(`{"plants":[]}`)) //nolint:errcheck
	}))

	if _, err := client.ListPlants(context.Background()); err != nil {
		t.Fatalf("ListPlants() error = %v, want retry to succeed", err)
	}
	if atomic.LoadInt32(&requests) != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	if atomic.LoadInt32(&tokens.refreshCalls) != 1 {
		t.Errorf("refresh calls = %d, want 1", tokens.refreshCalls)
	}
}

func TestDoJSON_AuthExpiredAfterFailedRetry(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ListPlants(context.Background())
	if KindOf(err) != KindAuthExpired {
		t.Errorf("KindOf(err) = %s, want auth_expired (err: %v)", KindOf(err), err)
	}
}

func TestDoJSON_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   ErrorKind
		wantDelay  time.Duration
	}{
		{"rate limited with delay", http.StatusTooManyRequests, "30", KindRateLimited, 30 * time.Second},
		{"rate limited without delay", http.StatusTooManyRequests, "", KindRateLimited, 0},
		{"bad request", http.StatusBadRequest, "", KindRejected, 0},
		{"not found", http.StatusNotFound, "", KindRejected, 0},
		{"server error", http.StatusInternalServerError, "", KindTransient, 0},
		{"bad gateway", http.StatusBadGateway, "", KindTransient, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))

			_, err := client.ListPlants(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error is not *APIError: %v", err)
			}
			if apiErr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", apiErr.Kind, tt.wantKind)
			}
			if apiErr.RetryAfter != tt.wantDelay {
				t.Errorf("RetryAfter = %v, want %v", apiErr.RetryAfter, tt.wantDelay)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
		})
	}
}

func TestDoJSON_NetworkFailureIsTransient(t *testing.T) {
	client := NewClient(ClientOptions{
		BaseURL: "http://127.0.0.1:1", // Nothing listens here.
		Timeout: time.Second,
	})
	client.SetTokenSource(&fakeTokenSource{token: "t"})

	_, err := client.ListPlants(context.Background())
	if KindOf(err) != KindTransient {
		t.Errorf("KindOf(err) = %s, want transient (err: %v)", KindOf(err), err)
	}
}

func TestRegisterWebhook(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plants/plant-1/subscription" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if body["EndPointUrl"] != "https://bridge.example/smarther-bridge/plant-1" {
			t.Errorf("EndPointUrl = %q", body["EndPointUrl"])
		}
		w.Write([]byte(`{"subscriptionId":"sub-42"}`)) //nolint:errcheck
	}))

	sub, err := client.RegisterWebhook(context.Background(), "plant-1",
		"https://bridge.example/smarther-bridge/plant-1")
	if err != nil {
		t.Fatalf("RegisterWebhook() error = %v", err)
	}
	if sub.SubscriptionID != "sub-42" {
		t.Errorf("SubscriptionID = %q, want sub-42", sub.SubscriptionID)
	}
	if sub.PlantID != "plant-1" {
		t.Errorf("PlantID = %q, want plant-1 (filled by client)", sub.PlantID)
	}
}

func TestDeleteWebhook(t *testing.T) {
	var called bool
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/plants/plant-1/subscription/sub-42" || r.Method != http.MethodDelete {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.DeleteWebhook(context.Background(), "plant-1", "sub-42"); err != nil {
		t.Fatalf("DeleteWebhook() error = %v", err)
	}
	if !called {
		t.Error("server was not called")
	}
}

func TestRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		if r.PostForm.Get("client_id") != "test-client" || r.PostForm.Get("client_secret") != "test-secret" {
			t.Error("missing client credentials")
		}
		// Numbers arrive as strings from this endpoint.
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":"3600"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		TokenURL:     server.URL,
		ClientID:     "test-client",
		ClientSecret: "test-secret",
	})

	cred, err := client.Refresh(context.Background(), auth.Credential{RefreshToken: "old-refresh"})
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if cred.AccessToken != "new-access" || cred.RefreshToken != "new-refresh" {
		t.Errorf("credential = %+v", cred)
	}

	remaining := time.Until(cred.ExpiresAt)
	if remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("ExpiresAt %v from now, want ~1h", remaining)
	}
}

func TestRefreshToken_RejectedMeansReauthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{TokenURL: server.URL})

	_, err := client.Refresh(context.Background(), auth.Credential{RefreshToken: "revoked"})
	if !errors.Is(err, auth.ErrReauthorizationRequired) {
		t.Errorf("error = %v, want ErrReauthorizationRequired", err)
	}
}

func TestRefreshToken_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{TokenURL: server.URL})

	_, err := client.Refresh(context.Background(), auth.Credential{RefreshToken: "r"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, auth.ErrReauthorizationRequired) {
		t.Error("server error must not be treated as credential rejection")
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		resp tokenResponse
		want time.Time
	}{
		{"expires_on wins", tokenResponse{ExpiresOn: "1787140800", ExpiresIn: "3600"}, time.Unix(1787140800, 0)},
		{"expires_in fallback", tokenResponse{ExpiresIn: "1800"}, now.Add(30 * time.Minute)},
		{"neither present", tokenResponse{}, now.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenExpiry(tt.resp, now); !got.Equal(tt.want) {
				t.Errorf("tokenExpiry() = %v, want %v", got, tt.want)
			}
		})
	}
}
