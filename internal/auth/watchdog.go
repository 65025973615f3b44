package auth

import (
	"context"
	"errors"
	"time"
)

// Watchdog cadence constants, mirroring the refresh discipline of the
// Legrand partner API: refresh tokens are long-lived but must be rotated
// well before their hard expiry.
const (
	// maxRefreshInterval caps how long the watchdog waits before
	// proactively rotating the credential (85 days).
	maxRefreshInterval = 85 * 24 * time.Hour

	// refreshFailRetryInterval is how long to wait before retrying a
	// failed scheduled refresh.
	refreshFailRetryInterval = 5 * time.Minute
)

// Watchdog proactively refreshes the credential ahead of expiry.
//
// It waits until the access token approaches its expiry (or the rotation
// cap, whichever is sooner), refreshes, and rearms. An on-demand refresh
// performed elsewhere (via Manager.Token) rearms the timer through the
// Manager's refreshed signal. Transient failures are retried every
// refreshFailRetryInterval; a rejected refresh token stops the watchdog
// and is reported through Err.
type Watchdog struct {
	manager *Manager
	logger  Logger

	// fatal receives the terminal error when the refresh token is
	// rejected. The orchestrator treats this as a halt condition.
	fatal chan error
}

// NewWatchdog creates a watchdog for the given manager.
func NewWatchdog(manager *Manager, logger Logger) *Watchdog {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Watchdog{
		manager: manager,
		logger:  logger,
		fatal:   make(chan error, 1),
	}
}

// Fatal returns a channel that receives ErrReauthorizationRequired if the
// cloud rejects the refresh token. At most one error is ever sent.
func (w *Watchdog) Fatal() <-chan error {
	return w.fatal
}

// Run blocks until ctx is cancelled or the refresh token is rejected.
// Intended to run in its own goroutine.
func (w *Watchdog) Run(ctx context.Context) {
	for {
		delay := w.nextRefreshDelay(time.Now())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.manager.Refreshed():
			// Someone else refreshed; recompute the deadline.
			timer.Stop()
			continue
		case <-timer.C:
		}

		if !w.refreshWithRetry(ctx) {
			return
		}
	}
}

// nextRefreshDelay computes how long to wait before the next scheduled
// refresh: the token's remaining lifetime minus the manager's margin,
// capped at maxRefreshInterval and floored at zero.
func (w *Watchdog) nextRefreshDelay(now time.Time) time.Duration {
	cred := w.manager.Current()

	delay := cred.ExpiresAt.Sub(now) - w.manager.margin
	if delay > maxRefreshInterval {
		delay = maxRefreshInterval
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// refreshWithRetry refreshes the credential, retrying transient failures.
// Returns false when the watchdog should stop (fatal error or shutdown).
func (w *Watchdog) refreshWithRetry(ctx context.Context) bool {
	for {
		err := w.manager.ForceRefresh(ctx)
		if err == nil {
			// Drain our own refresh signal so the next loop iteration
			// computes a fresh deadline instead of spinning on it.
			select {
			case <-w.manager.Refreshed():
			default:
			}
			return true
		}

		if errors.Is(err, ErrReauthorizationRequired) {
			w.logger.Error("refresh token rejected, bridge must halt", "error", err)
			w.fatal <- err
			return false
		}

		w.logger.Warn("scheduled token refresh failed, will retry",
			"error", err,
			"retry_in", refreshFailRetryInterval,
		)

		timer := time.NewTimer(refreshFailRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-w.manager.Refreshed():
			// An on-demand refresh succeeded in the meantime.
			timer.Stop()
			return true
		case <-timer.C:
		}
	}
}
