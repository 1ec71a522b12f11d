package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/config"
	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

// Provider turns an authorization code or a native id_token into a verified identity.
type Provider interface {
	Name() string
	DisplayName() string
	// AuthCodeURL builds the browser redirect. verifier is the PKCE code verifier; the
	// provider derives the S256 challenge.
	AuthCodeURL(state, nonce, verifier string) string
	VerifyAssertion(ctx context.Context, assertion domainoauth.Assertion) (domainoauth.Identity, error)
}

// Revoker is implemented by providers that can revoke the refresh tokens they issued.
type Revoker interface {
	RevokeToken(ctx context.Context, refreshToken string) error
}

// Endpoints overrides provider URLs. Empty fields use the provider defaults.
type Endpoints struct {
	AuthURL   string
	TokenURL  string
	RevokeURL string
	JWKSURL   string
	Issuers   []string
}

func (e Endpoints) withDefaults(def Endpoints) Endpoints {
	if e.AuthURL == "" {
		e.AuthURL = def.AuthURL
	}
	if e.TokenURL == "" {
		e.TokenURL = def.TokenURL
	}
	if e.RevokeURL == "" {
		e.RevokeURL = def.RevokeURL
	}
	if e.JWKSURL == "" {
		e.JWKSURL = def.JWKSURL
	}
	if len(e.Issuers) == 0 {
		e.Issuers = def.Issuers
	}
	return e
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
	logger    *zap.Logger
}

// NewRegistry builds the providers that have credentials configured.
func NewRegistry(cfg config.Config, client *http.Client, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var providers []Provider
	if cfg.GoogleClientID != "" {
		providers = append(providers, NewGoogleProvider(GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, client))
	}
	if cfg.AppleClientID != "" {
		apple, err := NewAppleProvider(AppleConfig{
			ClientID:    cfg.AppleClientID,
			TeamID:      cfg.AppleTeamID,
			KeyID:       cfg.AppleKeyID,
			PrivateKey:  cfg.ApplePrivateKey,
			RedirectURL: cfg.AppleRedirectURL,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("apple provider: %w", err)
		}
		providers = append(providers, apple)
	}
	if len(providers) == 0 {
		logger.Warn("no oauth providers configured")
	}
	return NewRegistryOf(logger, providers...), nil
}

// NewRegistryOf wraps an explicit provider list.
func NewRegistryOf(logger *zap.Logger, providers ...Provider) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{providers: make(map[string]Provider, len(providers)), logger: logger.Named("oauth")}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider or domainoauth.ErrProviderNotFound.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domainoauth.ErrProviderNotFound
	}
	return p, nil
}

// List returns the providers sorted by name.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RevokeProviderToken revokes refreshToken at provider when the provider supports it.
func (r *Registry) RevokeProviderToken(ctx context.Context, provider, refreshToken string) error {
	p, err := r.Get(provider)
	if err != nil {
		return err
	}
	revoker, ok := p.(Revoker)
	if !ok {
		r.logger.Debug("provider has no revocation endpoint", zap.String("provider", provider))
		return nil
	}
	return revoker.RevokeToken(ctx, refreshToken)
}

var errRevokeFailed = errors.New("provider revocation failed")
