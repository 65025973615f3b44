// Package smarther provides a typed client for the Legrand/BTicino
// Smarther v2 C2C (cloud-to-cloud) API.
//
// The client covers the subset of the API the bridge needs: plant and
// topology discovery, chronothermostat status reads, status writes,
// webhook subscription management, and the OAuth2 refresh grant against
// the Eliot partner login (which satisfies auth.Refresher).
//
// # Error Handling
//
// Every cloud failure is reported as an *APIError carrying a closed
// ErrorKind so callers can branch without inspecting status codes:
//
//	var apiErr *smarther.APIError
//	if errors.As(err, &apiErr) {
//	    switch apiErr.Kind {
//	    case smarther.KindTransient:   // retry with backoff
//	    case smarther.KindRateLimited: // retry after apiErr.RetryAfter
//	    case smarther.KindRejected:    // do not retry
//	    }
//	}
//
// Expired access tokens (401) are handled inside the client: it forces a
// refresh through its TokenSource and retries the request once. Only if
// the retry fails too does the caller see KindAuthExpired.
//
// # Usage
//
//	client := smarther.NewClient(smarther.ClientOptions{
//	    BaseURL:         cfg.Cloud.BaseURL,
//	    TokenURL:        cfg.Cloud.TokenURL,
//	    ClientID:        cfg.Cloud.ClientID,
//	    ClientSecret:    cfg.Cloud.ClientSecret,
//	    SubscriptionKey: cfg.Cloud.SubscriptionKey,
//	})
//	manager, _ := auth.NewManager(ctx, auth.ManagerOptions{Refresher: client, Store: store})
//	client.SetTokenSource(manager)
package smarther
