package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

const (
	jwksCacheTTL = time.Hour
	idTokenSkew  = time.Minute
)

// remoteKeySet fetches and caches a provider's JWKS. Unknown key ids trigger one
// refresh so rotated keys are picked up before the cache expires.
type remoteKeySet struct {
	url    string
	client *http.Client
	clock  func() time.Time

	mu        sync.RWMutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
}

func newRemoteKeySet(url string, client *http.Client) *remoteKeySet {
	return &remoteKeySet{url: url, client: client, clock: time.Now}
}

func (s *remoteKeySet) key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	s.mu.RLock()
	fresh := !s.fetchedAt.IsZero() && s.clock().Sub(s.fetchedAt) < jwksCacheTTL
	found := s.keys.Key(kid)
	s.mu.RUnlock()
	if fresh && len(found) > 0 {
		return &found[0], nil
	}

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if found := s.keys.Key(kid); len(found) > 0 {
		return &found[0], nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", domainoauth.ErrAssertionInvalid, kid)
}

func (s *remoteKeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status=%d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	s.mu.Lock()
	s.keys = set
	s.fetchedAt = s.clock()
	s.mu.Unlock()
	return nil
}

// idTokenClaims are the OIDC claims read from Google and Apple id_tokens.
type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Nonce         string `json:"nonce"`
}

// verifyIDToken checks signature, issuer, audience, expiry and, when expected is not
// empty, the nonce.
func verifyIDToken(ctx context.Context, keys *remoteKeySet, raw string, issuers []string, audience, nonce string, now time.Time) (josejwt.Claims, idTokenClaims, error) {
	parsed, err := josejwt.ParseSigned(strings.TrimSpace(raw), []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return josejwt.Claims{}, idTokenClaims{}, fmt.Errorf("%w: parse id_token: %v", domainoauth.ErrAssertionInvalid, err)
	}
	if len(parsed.Headers) == 0 {
		return josejwt.Claims{}, idTokenClaims{}, fmt.Errorf("%w: id_token header missing", domainoauth.ErrAssertionInvalid)
	}
	key, err := keys.key(ctx, parsed.Headers[0].KeyID)
	if err != nil {
		return josejwt.Claims{}, idTokenClaims{}, err
	}

	var std josejwt.Claims
	var extra idTokenClaims
	if err := parsed.Claims(key.Key, &std, &extra); err != nil {
		return josejwt.Claims{}, idTokenClaims{}, fmt.Errorf("%w: id_token signature: %v", domainoauth.ErrAssertionInvalid, err)
	}
	if err := std.ValidateWithLeeway(josejwt.Expected{AnyAudience: josejwt.Audience{audience}, Time: now}, idTokenSkew); err != nil {
		return josejwt.Claims{}, idTokenClaims{}, fmt.Errorf("%w: id_token claims: %v", domainoauth.ErrAssertionInvalid, err)
	}
	if !slices.Contains(issuers, std.Issuer) {
		return josejwt.Claims{}, idTokenClaims{}, fmt.Errorf("%w: unexpected issuer %q", domainoauth.ErrAssertionInvalid, std.Issuer)
	}
	if strings.TrimSpace(std.Subject) == "" {
		return josejwt.Claims{}, idTokenClaims{}, fmt.Errorf("%w: id_token subject missing", domainoauth.ErrAssertionInvalid)
	}
	if nonce != "" && extra.Nonce != nonce {
		return josejwt.Claims{}, idTokenClaims{}, fmt.Errorf("%w: nonce mismatch", domainoauth.ErrAssertionInvalid)
	}
	return std, extra, nil
}

// identityFromClaims requires a verified email, which the resolver matches accounts on.
func identityFromClaims(provider string, std josejwt.Claims, extra idTokenClaims) (domainoauth.Identity, error) {
	email := strings.ToLower(strings.TrimSpace(extra.Email))
	if email == "" || !truthy(extra.EmailVerified) {
		return domainoauth.Identity{}, domainoauth.ErrEmailMissing
	}
	return domainoauth.Identity{
		Provider:       provider,
		ProviderUserID: std.Subject,
		Email:          email,
		DisplayName:    strings.TrimSpace(extra.Name),
		AvatarURL:      extra.Picture,
	}, nil
}

// truthy accepts Google's boolean and Apple's string encoding of email_verified.
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	default:
		return false
	}
}
