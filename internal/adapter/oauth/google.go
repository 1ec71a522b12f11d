package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

var googleDefaults = Endpoints{
	AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	RevokeURL: "https://oauth2.googleapis.com/revoke",
	JWKSURL:   "https://www.googleapis.com/oauth2/v3/certs",
	Issuers:   []string{"https://accounts.google.com", "accounts.google.com"},
}

// GoogleConfig holds the OAuth client registration.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoints    Endpoints
}

// GoogleProvider signs users in with Google using the authorization code flow with
// PKCE, or with an id_token obtained by a native client.
type GoogleProvider struct {
	config    *oauth2.Config
	endpoints Endpoints
	keys      *remoteKeySet
	client    *http.Client
	clock     func() time.Time
}

// NewGoogleProvider constructs the provider.
func NewGoogleProvider(cfg GoogleConfig, client *http.Client) *GoogleProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoints := cfg.Endpoints.withDefaults(googleDefaults)
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.AuthURL,
				TokenURL:  endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		endpoints: endpoints,
		keys:      newRemoteKeySet(endpoints.JWKSURL, client),
		client:    client,
		clock:     time.Now,
	}
}

func (g *GoogleProvider) Name() string { return domainoauth.ProviderGoogle }

func (g *GoogleProvider) DisplayName() string { return "Google" }

// AuthCodeURL requests offline access so Google returns a refresh token.
func (g *GoogleProvider) AuthCodeURL(state, nonce, verifier string) string {
	return g.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.S256ChallengeOption(verifier),
	)
}

// VerifyAssertion exchanges the code when present, then verifies the id_token.
func (g *GoogleProvider) VerifyAssertion(ctx context.Context, assertion domainoauth.Assertion) (domainoauth.Identity, error) {
	rawIDToken := assertion.IDToken
	var providerRefresh string
	if strings.TrimSpace(assertion.Code) != "" {
		exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, g.client)
		var opts []oauth2.AuthCodeOption
		if assertion.CodeVerifier != "" {
			opts = append(opts, oauth2.VerifierOption(assertion.CodeVerifier))
		}
		token, err := g.config.Exchange(exchangeCtx, assertion.Code, opts...)
		if err != nil {
			return domainoauth.Identity{}, fmt.Errorf("%w: google code exchange: %v", domainoauth.ErrAssertionInvalid, err)
		}
		idToken, _ := token.Extra("id_token").(string)
		rawIDToken = idToken
		providerRefresh = token.RefreshToken
	}
	if strings.TrimSpace(rawIDToken) == "" {
		return domainoauth.Identity{}, fmt.Errorf("%w: id_token missing", domainoauth.ErrAssertionInvalid)
	}

	std, extra, err := verifyIDToken(ctx, g.keys, rawIDToken, g.endpoints.Issuers, g.config.ClientID, assertion.Nonce, g.clock())
	if err != nil {
		return domainoauth.Identity{}, err
	}
	identity, err := identityFromClaims(g.Name(), std, extra)
	if err != nil {
		return domainoauth.Identity{}, err
	}
	identity.RefreshToken = providerRefresh
	return identity, nil
}

// RevokeToken revokes a Google refresh token.
func (g *GoogleProvider) RevokeToken(ctx context.Context, refreshToken string) error {
	form := url.Values{"token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoints.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build google revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doRevoke(g.client, req)
}

func doRevoke(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status=%d", errRevokeFailed, resp.StatusCode)
	}
	return nil
}
