package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/pantry-auth/internal/adapter/oauth"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
	"github.com/smallbiznis/pantry-auth/internal/repository"
	"github.com/smallbiznis/pantry-auth/internal/service"
)

const stateTTL = 10 * time.Minute

// TokenIssuer issues the local token pair once a user has been resolved.
type TokenIssuer interface {
	IssuePair(ctx context.Context, user domain.User, meta service.ClientMeta) (domain.TokenPair, error)
}

// ProviderRegistry looks up configured identity providers.
type ProviderRegistry interface {
	Get(name string) (oauthadapter.Provider, error)
	List() []oauthadapter.Provider
}

// StartOutput returns the prepared authorization URL.
type StartOutput struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// CallbackInput captures callback parameters.
type CallbackInput struct {
	Provider  string
	Code      string
	State     string
	UserAgent string
}

// OAuthService drives the browser redirect flow and the native id_token sign-in.
type OAuthService struct {
	providers ProviderRegistry
	states    repository.OAuthStateStore
	resolver  *LinkResolver
	tokens    TokenIssuer
	logger    *zap.Logger
	clock     func() time.Time
}

// NewOAuthService wires the OAuth service implementation.
func NewOAuthService(
	providers ProviderRegistry,
	states repository.OAuthStateStore,
	resolver *LinkResolver,
	tokens TokenIssuer,
	logger *zap.Logger,
) *OAuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthService{
		providers: providers,
		states:    states,
		resolver:  resolver,
		tokens:    tokens,
		logger:    logger.Named("oauth"),
		clock:     time.Now,
	}
}

// Providers lists enabled providers. startPath is a format string receiving the provider name.
func (s *OAuthService) Providers(startPath string) []domainoauth.ProviderInfo {
	list := s.providers.List()
	out := make([]domainoauth.ProviderInfo, 0, len(list))
	for _, p := range list {
		out = append(out, domainoauth.ProviderInfo{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			StartURL:    fmt.Sprintf(startPath, p.Name()),
		})
	}
	return out
}

// Start persists a fresh state/nonce/verifier tuple and returns the provider redirect.
func (s *OAuthService) Start(ctx context.Context, provider, redirectURI string) (*StartOutput, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, domainoauth.ErrInvalidRequest
	}
	p, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	verifier, err := secureRandomString(64)
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}

	payload := domainoauth.State{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		Provider:     p.Name(),
		RedirectURI:  strings.TrimSpace(redirectURI),
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.states.SaveState(ctx, payload, stateTTL); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &StartOutput{
		AuthorizationURL: p.AuthCodeURL(state, nonce, verifier),
		State:            state,
	}, nil
}

// Callback completes the redirect flow. The stored state is single use.
func (s *OAuthService) Callback(ctx context.Context, in CallbackInput) (*service.AuthTokensWithUser, error) {
	if strings.TrimSpace(in.State) == "" || strings.TrimSpace(in.Code) == "" {
		return nil, domainoauth.ErrInvalidRequest
	}

	state, err := s.consumeState(ctx, in.State)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(state.Provider, strings.TrimSpace(in.Provider)) {
		return nil, domainoauth.ErrInvalidState
	}

	p, err := s.providers.Get(state.Provider)
	if err != nil {
		return nil, err
	}
	identity, err := p.VerifyAssertion(ctx, domainoauth.Assertion{
		Code:         in.Code,
		CodeVerifier: state.CodeVerifier,
		Nonce:        state.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("verify %s callback: %w", p.Name(), err)
	}
	return s.signIn(ctx, identity, in.UserAgent)
}

// SignInWithAssertion accepts an id_token obtained by a native client. nonce is
// optional and checked when given.
func (s *OAuthService) SignInWithAssertion(ctx context.Context, provider, idToken, nonce, userAgent string) (*service.AuthTokensWithUser, error) {
	if strings.TrimSpace(idToken) == "" {
		return nil, domainoauth.ErrInvalidRequest
	}
	p, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}
	identity, err := p.VerifyAssertion(ctx, domainoauth.Assertion{
		IDToken: strings.TrimSpace(idToken),
		Nonce:   strings.TrimSpace(nonce),
	})
	if err != nil {
		return nil, fmt.Errorf("verify %s assertion: %w", p.Name(), err)
	}
	return s.signIn(ctx, identity, userAgent)
}

func (s *OAuthService) signIn(ctx context.Context, identity domainoauth.Identity, userAgent string) (*service.AuthTokensWithUser, error) {
	user, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssuePair(ctx, user, service.ClientMeta{UserAgent: userAgent, Flow: service.FlowOAuth})
	if err != nil {
		return nil, err
	}
	s.logger.Info("audit",
		zap.String("event", "oauth.sign_in"),
		zap.Int64("user_id", user.ID),
		zap.String("provider", identity.Provider),
	)
	return service.NewAuthTokensWithUser(pair, user), nil
}

func (s *OAuthService) consumeState(ctx context.Context, raw string) (*domainoauth.State, error) {
	state, err := s.states.TakeState(ctx, strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil, domainoauth.ErrInvalidState
	}
	return state, nil
}

// IsClientError reports whether err was caused by the caller rather than the server.
func IsClientError(err error) bool {
	for _, target := range []error{
		domainoauth.ErrInvalidRequest,
		domainoauth.ErrInvalidState,
		domainoauth.ErrProviderNotFound,
		domainoauth.ErrAssertionInvalid,
		domainoauth.ErrEmailMissing,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
