package auth

import "errors"

// Domain-specific errors for credential operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNoCredential is returned when no credential has been stored yet.
	// The bridge cannot start without one (obtained via the setup flow).
	ErrNoCredential = errors.New("auth: no stored credential")

	// ErrReauthorizationRequired is returned when the refresh token itself
	// is rejected by the cloud. This is fatal: the orchestrator halts and
	// the user must reauthorize.
	ErrReauthorizationRequired = errors.New("auth: refresh token rejected, reauthorization required")

	// ErrRefreshFailed is returned for non-fatal refresh failures
	// (network errors, 5xx). Retried by the watchdog.
	ErrRefreshFailed = errors.New("auth: token refresh failed")
)
