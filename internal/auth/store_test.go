package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lucafoss/smarther-mqtt-bridge/migrations"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/database"
)

func openStoreDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "auth-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestSQLiteStore_LoadEmpty(t *testing.T) {
	store := NewSQLiteStore(openStoreDB(t).DB)

	_, err := store.Load(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("Load() error = %v, want ErrNoCredential", err)
	}
}

func TestSQLiteStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewSQLiteStore(openStoreDB(t).DB)
	ctx := context.Background()

	cred := Credential{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}

	if err := store.Save(ctx, cred); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.AccessToken != cred.AccessToken {
		t.Errorf("AccessToken = %q, want %q", loaded.AccessToken, cred.AccessToken)
	}
	if loaded.RefreshToken != cred.RefreshToken {
		t.Errorf("RefreshToken = %q, want %q", loaded.RefreshToken, cred.RefreshToken)
	}
	if !loaded.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", loaded.ExpiresAt, cred.ExpiresAt)
	}
}

func TestSQLiteStore_SaveReplacesPrevious(t *testing.T) {
	store := NewSQLiteStore(openStoreDB(t).DB)
	ctx := context.Background()

	first := Credential{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().UTC(),
	}
	second := Credential{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(2 * time.Hour).UTC(),
	}

	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save(first) error = %v", err)
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save(second) error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want new-access (single live credential)", loaded.AccessToken)
	}
}

func TestCredential_ValidFor(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		cred   Credential
		margin time.Duration
		want   bool
	}{
		{"valid with room", Credential{AccessToken: "t", ExpiresAt: now.Add(time.Hour)}, time.Minute, true},
		{"inside margin", Credential{AccessToken: "t", ExpiresAt: now.Add(30 * time.Second)}, time.Minute, false},
		{"expired", Credential{AccessToken: "t", ExpiresAt: now.Add(-time.Second)}, time.Minute, false},
		{"empty token", Credential{ExpiresAt: now.Add(time.Hour)}, time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.ValidFor(now, tt.margin); got != tt.want {
				t.Errorf("ValidFor() = %v, want %v", got, tt.want)
			}
		})
	}
}
