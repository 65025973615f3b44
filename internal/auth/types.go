package auth

import "time"

// Credential is the bridge's OAuth2 credential for the cloud API.
// Values are immutable once created; the Manager replaces the whole
// struct atomically on refresh.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ValidFor reports whether the access token remains valid for at least
// the given margin past now.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.After(now.Add(margin))
}
