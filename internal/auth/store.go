package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store defines the interface for credential persistence.
// The credential is a singleton: Save replaces the stored row.
type Store interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred Credential) error
}

// SQLiteStore implements Store using the credentials table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed credential store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load retrieves the stored credential.
// Returns ErrNoCredential if none has been saved yet.
func (s *SQLiteStore) Load(ctx context.Context) (*Credential, error) {
	var cred Credential
	var expiresAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM credentials WHERE id = 1`,
	).Scan(&cred.AccessToken, &cred.RefreshToken, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	cred.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing credential expiry: %w", err)
	}

	return &cred, nil
}

// Save stores the credential, replacing any previous one.
func (s *SQLiteStore) Save(ctx context.Context, cred Credential) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, access_token, refresh_token, expires_at, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		cred.AccessToken, cred.RefreshToken,
		cred.ExpiresAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	return nil
}
