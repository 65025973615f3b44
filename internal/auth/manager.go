package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultRefreshMargin is the minimum remaining lifetime a returned token
// is guaranteed to have.
const defaultRefreshMargin = 60 * time.Second

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Refresher exchanges a refresh token for a new credential.
// Implemented by the cloud client's token-endpoint call.
//
// A rejected refresh token must be reported as (or wrap)
// ErrReauthorizationRequired; any other failure is treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// Manager owns the single live Credential.
//
// Thread Safety: all methods are safe for concurrent use. The credential
// is replaced as a whole under the mutex; readers get a copy.
type Manager struct {
	refresher Refresher
	store     Store
	margin    time.Duration

	cred   Credential
	credMu sync.RWMutex

	// group coalesces concurrent refresh attempts into one upstream call.
	group singleflight.Group

	// refreshed is signalled after every successful refresh so the
	// watchdog can rearm its timer. Buffered; signals never block.
	refreshed chan struct{}

	logger Logger
}

// ManagerOptions holds configuration for creating a Manager.
type ManagerOptions struct {
	// Refresher performs the OAuth2 refresh grant. Required.
	Refresher Refresher

	// Store persists refreshed credentials. Required.
	Store Store

	// Margin is the minimum remaining token lifetime guaranteed to
	// callers of Token. Default: 60s.
	Margin time.Duration

	// Logger is optional structured logging.
	Logger Logger
}

// NewManager creates a credential manager seeded from the store.
// Returns ErrNoCredential if the store is empty: the bridge cannot run
// without an initial credential from the setup flow.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	if opts.Refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	margin := opts.Margin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	cred, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, err
	}

	return &Manager{
		refresher: opts.Refresher,
		store:     opts.Store,
		margin:    margin,
		cred:      *cred,
		refreshed: make(chan struct{}, 1),
		logger:    logger,
	}, nil
}

// Token returns an access token guaranteed valid for at least the
// configured margin past the call. If the cached token's remaining
// lifetime is below the margin, a refresh is performed first; concurrent
// callers share a single in-flight refresh.
//
// Returns ErrReauthorizationRequired (fatal) if the refresh token is
// rejected by the cloud.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.credMu.RLock()
	cred := m.cred
	m.credMu.RUnlock()

	if cred.ValidFor(time.Now(), m.margin) {
		return cred.AccessToken, nil
	}

	if err := m.refresh(ctx); err != nil {
		return "", err
	}

	m.credMu.RLock()
	token := m.cred.AccessToken
	m.credMu.RUnlock()
	return token, nil
}

// Current returns a copy of the live credential.
func (m *Manager) Current() Credential {
	m.credMu.RLock()
	defer m.credMu.RUnlock()
	return m.cred
}

// Refreshed returns a channel signalled after every successful refresh.
// Used by the watchdog to rearm its timer.
func (m *Manager) Refreshed() <-chan struct{} {
	return m.refreshed
}

// ForceRefresh refreshes the credential regardless of remaining lifetime.
// Used by the watchdog's scheduled refresh.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	return m.doRefresh(ctx, true)
}

// refresh refreshes the credential if it is (still) below the margin.
func (m *Manager) refresh(ctx context.Context) error {
	return m.doRefresh(ctx, false)
}

func (m *Manager) doRefresh(ctx context.Context, force bool) error {
	// All concurrent callers coalesce onto one upstream refresh.
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		m.credMu.RLock()
		cred := m.cred
		m.credMu.RUnlock()

		// Another caller may have completed a refresh between our
		// validity check and joining the flight.
		if !force && cred.ValidFor(time.Now(), m.margin) {
			return nil, nil
		}

		refreshed, err := m.refresher.Refresh(ctx, cred)
		if err != nil {
			if errors.Is(err, ErrReauthorizationRequired) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}

		m.credMu.Lock()
		m.cred = refreshed
		m.credMu.Unlock()

		// Persist so the refreshed token survives restarts. A storage
		// failure is logged but does not invalidate the refresh.
		if saveErr := m.store.Save(ctx, refreshed); saveErr != nil {
			m.logger.Error("failed to persist refreshed credential", "error", saveErr)
		}

		m.logger.Info("credential refreshed", "expires_at", refreshed.ExpiresAt)

		// Rearm the watchdog (non-blocking; channel is buffered).
		select {
		case m.refreshed <- struct{}{}:
		default:
		}

		return nil, nil
	})
	return err
}
