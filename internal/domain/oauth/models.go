package oauth

import "time"

// OAuthState is the one-time record binding an authorization attempt to a user.
// CodeVerifier holds the encrypted envelope, never the raw verifier.
type OAuthState struct {
	State        string    `json:"state"`
	UserID       string    `json:"user_id"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the state is no longer usable at now.
func (s OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenResponse models the Salesforce token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	InstanceURL  string
	IdentityURL  string
	TokenType    string
	Scope        string
	IssuedAt     string
}

// Identity is the org/user pair parsed from the identity URL.
type Identity struct {
	OrgID  string
	UserID string
}
