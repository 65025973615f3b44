package smarther

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/auth"
)

// Client defaults.
const (
	// DefaultBaseURL is the production Smarther v2 API root.
	DefaultBaseURL = "https://api.developer.legrand.com/smarther/v2.0"

	// DefaultTokenURL is the Eliot partner login token endpoint.
	DefaultTokenURL = "https://partners-login.eliotbylegrand.com/token"

	// defaultRequestTimeout bounds each HTTP round-trip when the caller
	// supplies no http.Client of its own.
	defaultRequestTimeout = 15 * time.Second

	// maxErrorBodySize caps how much of an error response body is read
	// for diagnostics.
	maxErrorBodySize = 4 * 1024
)

// statusPathFormat is the chronothermostat status resource, shared by
// reads (GET) and writes (POST).
const statusPathFormat = "/chronothermostat/thermoregulation/addressLocation/plants/%s/modules/parameter/id/value/%s"

// TokenSource supplies access tokens for API requests. Implemented by
// auth.Manager.
type TokenSource interface {
	// Token returns an access token valid for the immediate request.
	Token(ctx context.Context) (string, error)

	// ForceRefresh replaces the token unconditionally. Called after the
	// cloud rejects a token the source considered valid.
	ForceRefresh(ctx context.Context) error
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ClientOptions holds configuration for creating a Client.
type ClientOptions struct {
	// BaseURL is the API root. Default: DefaultBaseURL.
	BaseURL string

	// TokenURL is the OAuth2 token endpoint. Default: DefaultTokenURL.
	TokenURL string

	// ClientID and ClientSecret identify the registered application for
	// the refresh grant.
	ClientID     string
	ClientSecret string

	// SubscriptionKey is the Ocp-Apim-Subscription-Key sent with every
	// API request.
	SubscriptionKey string

	// HTTPClient overrides the default client (useful in tests).
	HTTPClient *http.Client

	// Timeout bounds each round-trip when HTTPClient is nil.
	Timeout time.Duration

	// Logger is optional structured logging.
	Logger Logger
}

// Client is the Smarther v2 API client.
//
// Thread Safety: safe for concurrent use once SetTokenSource has been
// called during wiring.
type Client struct {
	baseURL         string
	tokenURL        string
	clientID        string
	clientSecret    string
	subscriptionKey string

	httpClient *http.Client
	tokens     TokenSource
	logger     Logger
}

// NewClient creates a Smarther API client.
//
// The client is created before the token manager (the manager needs the
// client's RefreshToken as its Refresher), so the token source is wired
// afterwards with SetTokenSource.
func NewClient(opts ClientOptions) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		tokenURL:        tokenURL,
		clientID:        opts.ClientID,
		clientSecret:    opts.ClientSecret,
		subscriptionKey: opts.SubscriptionKey,
		httpClient:      httpClient,
		logger:          logger,
	}
}

// SetTokenSource wires the access-token supplier. Must be called before
// any API operation (RefreshToken works without it).
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// ListPlants returns the plants registered to the authorized account.
func (c *Client) ListPlants(ctx context.Context) ([]Plant, error) {
	var resp plantsResponse
	if err := c.doJSON(ctx, "list plants", http.MethodGet, "/plants", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plants, nil
}

// GetTopology returns the plant's modules.
func (c *Client) GetTopology(ctx context.Context, plantID string) (PlantDetail, error) {
	var resp topologyResponse
	path := fmt.Sprintf("/plants/%s/topology", url.PathEscape(plantID))
	if err := c.doJSON(ctx, "get topology", http.MethodGet, path, nil, &resp); err != nil {
		return PlantDetail{}, err
	}
	return resp.Plant, nil
}

// GetStatus reads the current chronothermostat status of a module.
func (c *Client) GetStatus(ctx context.Context, plantID, moduleID string) (ModuleStatus, error) {
	var resp ModuleStatus
	path := fmt.Sprintf(statusPathFormat, url.PathEscape(plantID), url.PathEscape(moduleID))
	if err := c.doJSON(ctx, "get status", http.MethodGet, path, nil, &resp); err != nil {
		return ModuleStatus{}, err
	}
	return resp, nil
}

// SetStatus writes a chronothermostat status change.
func (c *Client) SetStatus(ctx context.Context, plantID, moduleID string, req SetStatusRequest) error {
	path := fmt.Sprintf(statusPathFormat, url.PathEscape(plantID), url.PathEscape(moduleID))
	return c.doJSON(ctx, "set status", http.MethodPost, path, req, nil)
}

// RegisterWebhook subscribes the given endpoint URL to status
// notifications for a plant. The returned SubscriptionInfo has PlantID
// filled in (the cloud omits it on registration).
func (c *Client) RegisterWebhook(ctx context.Context, plantID, endpointURL string) (SubscriptionInfo, error) {
	body := struct {
		EndPointURL string `json:"EndPointUrl"`
	}{EndPointURL: endpointURL}

	var sub SubscriptionInfo
	path := fmt.Sprintf("/plants/%s/subscription", url.PathEscape(plantID))
	if err := c.doJSON(ctx, "register webhook", http.MethodPost, path, body, &sub); err != nil {
		return SubscriptionInfo{}, err
	}
	sub.PlantID = plantID
	return sub, nil
}

// ListWebhooks returns all active subscriptions for the account.
func (c *Client) ListWebhooks(ctx context.Context) ([]SubscriptionInfo, error) {
	var subs []SubscriptionInfo
	if err := c.doJSON(ctx, "list webhooks", http.MethodGet, "/subscription", nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// DeleteWebhook removes a subscription.
func (c *Client) DeleteWebhook(ctx context.Context, plantID, subscriptionID string) error {
	path := fmt.Sprintf("/plants/%s/subscription/%s",
		url.PathEscape(plantID), url.PathEscape(subscriptionID))
	return c.doJSON(ctx, "delete webhook", http.MethodDelete, path, nil, nil)
}

// tokenResponse is the body returned by the Eliot token endpoint. The
// endpoint encodes numbers as strings.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	ExpiresOn    json.Number `json:"expires_on"`
}

// RefreshToken exchanges a refresh token for a new credential via the
// OAuth2 refresh grant. Satisfies auth.Refresher: a 400/401 from the
// token endpoint means the refresh token itself was rejected and is
// reported as auth.ErrReauthorizationRequired.
func (c *Client) Refresh(ctx context.Context, cred auth.Credential) (auth.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", cred.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return auth.Credential{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return auth.Credential{}, fmt.Errorf("%w: token endpoint returned status %d",
			auth.ErrReauthorizationRequired, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return auth.Credential{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return auth.Credential{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return auth.Credential{}, fmt.Errorf("token response missing tokens")
	}

	return auth.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    tokenExpiry(tr, time.Now()),
	}, nil
}

// tokenExpiry derives the credential expiry from the token response:
// expires_on (absolute unix time) when present, else now + expires_in.
func tokenExpiry(tr tokenResponse, now time.Time) time.Time {
	if on, err := tr.ExpiresOn.Int64(); err == nil && on > 0 {
		return time.Unix(on, 0)
	}
	if in, err := tr.ExpiresIn.Int64(); err == nil && in > 0 {
		return now.Add(time.Duration(in) * time.Second)
	}
	// The endpoint always sends one of the two; an hour is its usual
	// access token lifetime.
	return now.Add(time.Hour)
}

// doJSON performs an authorized request and decodes the JSON response
// into out (skipped when out is nil). A 401 triggers one forced token
// refresh and retry before the error surfaces.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	if c.tokens == nil {
		return &APIError{Kind: KindRejected, Op: op,
			Err: fmt.Errorf("client has no token source")}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindRejected, Op: op,
				Err: fmt.Errorf("encoding request: %w", err)}
		}
	}

	resp, err := c.send(ctx, op, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close() //nolint:errcheck // Retrying with a fresh token

		c.logger.Debug("access token rejected, forcing refresh", "op", op)
		if refreshErr := c.tokens.ForceRefresh(ctx); refreshErr != nil {
			return &APIError{Kind: KindAuthExpired, Op: op,
				StatusCode: http.StatusUnauthorized, Err: refreshErr}
		}

		resp, err = c.send(ctx, op, method, path, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close() //nolint:errcheck // Read-only body

		if resp.StatusCode == http.StatusUnauthorized {
			return &APIError{Kind: KindAuthExpired, Op: op,
				StatusCode: http.StatusUnauthorized}
		}
	}

	if err := classifyStatus(op, resp); err != nil {
		return err
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // Best effort
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindTransient, Op: op,
			Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// send builds and executes one authorized request.
func (c *Client) send(ctx context.Context, op, method, path string, payload []byte) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &APIError{Kind: KindAuthExpired, Op: op, Err: err}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &APIError{Kind: KindRejected, Op: op, Err: err}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.subscriptionKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Op: op, Err: err}
	}
	return resp, nil
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Body content is diagnostic only; keep it short.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize)) //nolint:errcheck // Best effort

	apiErr := &APIError{
		Op:         op,
		StatusCode: resp.StatusCode,
	}
	if len(snippet) > 0 {
		apiErr.Err = fmt.Errorf("%s", strings.TrimSpace(string(snippet)))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		apiErr.Kind = KindRejected
	default:
		apiErr.Kind = KindTransient
	}
	return apiErr
}

// parseRetryAfter handles the delta-seconds form of the Retry-After
// header. The HTTP-date form is rare enough here to ignore.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
