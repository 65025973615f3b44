// Package auth owns the bridge's OAuth2 credential for the Smarther cloud.
//
// It implements:
//   - A single live Credential (access token, refresh token, expiry),
//     replaced atomically on refresh so readers never observe a torn value
//   - Token() with a validity safety margin: callers always receive a token
//     valid for at least the margin past the call
//   - Request coalescing: concurrent callers during a refresh all await the
//     single in-flight refresh (golang.org/x/sync/singleflight)
//   - SQLite persistence so a refreshed credential survives restarts
//   - A watchdog that refreshes ahead of expiry and retries on transient
//     failure
//
// A rejected refresh token is fatal: it means the user must reauthorize
// with the cloud provider, so the bridge halts rather than retrying.
package auth
