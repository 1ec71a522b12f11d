package oauth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

const (
	appleAudience        = "https://appleid.apple.com"
	appleClientSecretTTL = 5 * time.Minute
)

var appleDefaults = Endpoints{
	AuthURL:   "https://appleid.apple.com/auth/authorize",
	TokenURL:  "https://appleid.apple.com/auth/token",
	RevokeURL: "https://appleid.apple.com/auth/revoke",
	JWKSURL:   "https://appleid.apple.com/auth/keys",
	Issuers:   []string{"https://appleid.apple.com"},
}

// AppleConfig holds the Sign in with Apple service registration.
type AppleConfig struct {
	ClientID    string
	TeamID      string
	KeyID       string
	PrivateKey  string
	RedirectURL string
	Endpoints   Endpoints
}

// AppleProvider implements Sign in with Apple. The client secret is an ES256 JWT
// signed with the team key and minted per request.
type AppleProvider struct {
	config     *oauth2.Config
	endpoints  Endpoints
	teamID     string
	keyID      string
	signingKey *ecdsa.PrivateKey
	keys       *remoteKeySet
	client     *http.Client
	clock      func() time.Time
}

// NewAppleProvider parses the PEM team key and constructs the provider.
func NewAppleProvider(cfg AppleConfig, client *http.Client) (*AppleProvider, error) {
	if cfg.TeamID == "" || cfg.KeyID == "" {
		return nil, errors.New("APPLE_TEAM_ID and APPLE_KEY_ID are required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n")))
	if err != nil {
		return nil, fmt.Errorf("parse APPLE_PRIVATE_KEY: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoints := cfg.Endpoints.withDefaults(appleDefaults)
	return &AppleProvider{
		config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      []string{"name", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.AuthURL,
				TokenURL:  endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		endpoints:  endpoints,
		teamID:     cfg.TeamID,
		keyID:      cfg.KeyID,
		signingKey: key,
		keys:       newRemoteKeySet(endpoints.JWKSURL, client),
		client:     client,
		clock:      time.Now,
	}, nil
}

func (a *AppleProvider) Name() string { return domainoauth.ProviderApple }

func (a *AppleProvider) DisplayName() string { return "Apple" }

// AuthCodeURL asks Apple to POST the callback.
func (a *AppleProvider) AuthCodeURL(state, nonce, verifier string) string {
	return a.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "form_post"),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.S256ChallengeOption(verifier),
	)
}

// clientSecret mints the short-lived ES256 client assertion Apple expects.
func (a *AppleProvider) clientSecret() (string, error) {
	now := a.clock()
	claims := jwt.RegisteredClaims{
		Issuer:    a.teamID,
		Subject:   a.config.ClientID,
		Audience:  jwt.ClaimStrings{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleClientSecretTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = a.keyID
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign apple client secret: %w", err)
	}
	return signed, nil
}

// VerifyAssertion exchanges the code when present, then verifies the id_token.
func (a *AppleProvider) VerifyAssertion(ctx context.Context, assertion domainoauth.Assertion) (domainoauth.Identity, error) {
	rawIDToken := assertion.IDToken
	var providerRefresh string
	if strings.TrimSpace(assertion.Code) != "" {
		secret, err := a.clientSecret()
		if err != nil {
			return domainoauth.Identity{}, err
		}
		cfg := *a.config
		cfg.ClientSecret = secret
		exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, a.client)
		var opts []oauth2.AuthCodeOption
		if assertion.CodeVerifier != "" {
			opts = append(opts, oauth2.VerifierOption(assertion.CodeVerifier))
		}
		token, err := cfg.Exchange(exchangeCtx, assertion.Code, opts...)
		if err != nil {
			return domainoauth.Identity{}, fmt.Errorf("%w: apple code exchange: %v", domainoauth.ErrAssertionInvalid, err)
		}
		idToken, _ := token.Extra("id_token").(string)
		rawIDToken = idToken
		providerRefresh = token.RefreshToken
	}
	if strings.TrimSpace(rawIDToken) == "" {
		return domainoauth.Identity{}, fmt.Errorf("%w: id_token missing", domainoauth.ErrAssertionInvalid)
	}

	std, extra, err := verifyIDToken(ctx, a.keys, rawIDToken, a.endpoints.Issuers, a.config.ClientID, assertion.Nonce, a.clock())
	if err != nil {
		return domainoauth.Identity{}, err
	}
	identity, err := identityFromClaims(a.Name(), std, extra)
	if err != nil {
		return domainoauth.Identity{}, err
	}
	identity.RefreshToken = providerRefresh
	return identity, nil
}

// RevokeToken revokes an Apple refresh token.
func (a *AppleProvider) RevokeToken(ctx context.Context, refreshToken string) error {
	secret, err := a.clientSecret()
	if err != nil {
		return err
	}
	form := url.Values{
		"client_id":       {a.config.ClientID},
		"client_secret":   {secret},
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoints.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build apple revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doRevoke(a.client, req)
}
