package oauth

import "time"

// Provider names accepted by the resolver.
const (
	ProviderGoogle = "google"
	ProviderApple  = "apple"
)

// Identity is a verified assertion returned by a provider. The resolver trusts it as is.
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
	AvatarURL      string
	// RefreshToken is the provider-issued refresh token, when the provider returned one.
	RefreshToken string
}

// Assertion is the raw material a provider verifies: either an authorization code
// (with its PKCE verifier) or an id_token obtained by a native client.
type Assertion struct {
	Code         string
	CodeVerifier string
	IDToken      string
	Nonce        string
}

// Link binds a provider account to a local user.
type Link struct {
	ID                    int64
	UserID                int64
	Provider              string
	ProviderUserID        string
	Email                 string
	EncryptedRefreshToken []byte
	CreatedAt             time.Time
}

// State captures the state/nonce/pkce tuple persisted during authorization.
type State struct {
	State        string
	Nonce        string
	CodeVerifier string
	Provider     string
	RedirectURI  string
	CreatedAt    time.Time
}

// ProviderInfo describes an enabled provider for clients rendering sign-in buttons.
type ProviderInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	StartURL    string `json:"start_url"`
}
