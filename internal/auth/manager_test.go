package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockRefresher implements Refresher for testing.
type mockRefresher struct {
	mu       sync.Mutex
	calls    int32
	delay    time.Duration
	err      error
	lifetime time.Duration
}

func (r *mockRefresher) Refresh(_ context.Context, cred Credential) (Credential, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return Credential{}, r.err
	}

	lifetime := r.lifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}

	r.mu.Lock()
	n := r.calls
	r.mu.Unlock()

	return Credential{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    time.Now().Add(lifetime),
	}, nil
}

func (r *mockRefresher) callCount() int {
	return int(atomic.LoadInt32(&r.calls))
}

// memStore implements Store in memory for testing.
type memStore struct {
	mu    sync.Mutex
	cred  *Credential
	saves int
	err   error
}

func (s *memStore) Load(context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, ErrNoCredential
	}
	cpy := *s.cred
	return &cpy, nil
}

func (s *memStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cred = &cred
	s.saves++
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func validCredential() Credential {
	return Credential{
		AccessToken:  "cached-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func expiredCredential() Credential {
	return Credential{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
}

func newTestManager(t *testing.T, cred Credential, refresher Refresher) (*Manager, *memStore) {
	t.Helper()
	store := &memStore{cred: &cred}
	m, err := NewManager(context.Background(), ManagerOptions{
		Refresher: refresher,
		Store:     store,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, store
}

func TestNewManager_NoStoredCredential(t *testing.T) {
	_, err := NewManager(context.Background(), ManagerOptions{
		Refresher: &mockRefresher{},
		Store:     &memStore{},
	})
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("NewManager() error = %v, want ErrNoCredential", err)
	}
}

func TestToken_CachedValid(t *testing.T) {
	refresher := &mockRefresher{}
	m, _ := newTestManager(t, validCredential(), refresher)

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "cached-token" {
		t.Errorf("Token() = %q, want cached-token", token)
	}
	if refresher.callCount() != 0 {
		t.Errorf("refresh calls = %d, want 0", refresher.callCount())
	}
}

func TestToken_RefreshesWhenBelowMargin(t *testing.T) {
	refresher := &mockRefresher{}
	// Valid but within the 60s default margin.
	cred := validCredential()
	cred.ExpiresAt = time.Now().Add(30 * time.Second)
	m, store := newTestManager(t, cred, refresher)

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "access-1" {
		t.Errorf("Token() = %q, want access-1", token)
	}
	if refresher.callCount() != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.callCount())
	}
	if store.saveCount() != 1 {
		t.Errorf("store saves = %d, want 1", store.saveCount())
	}
}

// TestToken_ConcurrentCallersSingleRefresh verifies request coalescing:
// N concurrent callers while the token is expired trigger exactly one
// upstream refresh.
func TestToken_ConcurrentCallersSingleRefresh(t *testing.T) {
	refresher := &mockRefresher{delay: 50 * time.Millisecond}
	m, _ := newTestManager(t, expiredCredential(), refresher)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if tokens[i] != "access-1" {
			t.Errorf("caller %d token = %q, want access-1", i, tokens[i])
		}
	}

	if refresher.callCount() != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", refresher.callCount())
	}
}

func TestToken_ReauthorizationRequired(t *testing.T) {
	refresher := &mockRefresher{err: ErrReauthorizationRequired}
	m, _ := newTestManager(t, expiredCredential(), refresher)

	_, err := m.Token(context.Background())
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("Token() error = %v, want ErrReauthorizationRequired", err)
	}
}

func TestToken_TransientRefreshFailure(t *testing.T) {
	refresher := &mockRefresher{err: errors.New("connection reset")}
	m, _ := newTestManager(t, expiredCredential(), refresher)

	_, err := m.Token(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("Token() error = %v, want ErrRefreshFailed", err)
	}
}

func TestToken_StoreFailureDoesNotInvalidateRefresh(t *testing.T) {
	refresher := &mockRefresher{}
	store := &memStore{cred: func() *Credential { c := expiredCredential(); return &c }(), err: errors.New("disk full")}
	m, err := NewManager(context.Background(), ManagerOptions{
		Refresher: refresher,
		Store:     store,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v, refresh should survive store failure", err)
	}
	if token != "access-1" {
		t.Errorf("Token() = %q, want access-1", token)
	}
}

func TestForceRefresh_SignalsRefreshed(t *testing.T) {
	refresher := &mockRefresher{}
	m, _ := newTestManager(t, validCredential(), refresher)

	if err := m.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if refresher.callCount() != 1 {
		t.Errorf("refresh calls = %d, want 1 (force ignores validity)", refresher.callCount())
	}

	select {
	case <-m.Refreshed():
	default:
		t.Error("expected refreshed signal after ForceRefresh")
	}
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t, validCredential(), &mockRefresher{})

	cred := m.Current()
	if cred.AccessToken != "cached-token" {
		t.Errorf("Current().AccessToken = %q, want cached-token", cred.AccessToken)
	}
}
