package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/smallbiznis/pantry-auth/internal/domain"
)

// Generator is responsible for signing and validating access tokens.
type Generator struct {
	keys      *KeyManager
	issuer    string
	accessTTL time.Duration
	clock     func() time.Time
}

// NewGenerator constructs a JWT generator.
func NewGenerator(manager *KeyManager, issuer string, accessTTL time.Duration) *Generator {
	return &Generator{keys: manager, issuer: issuer, accessTTL: accessTTL, clock: time.Now}
}

// SetClock replaces the time source used for iat/exp and validation.
func (g *Generator) SetClock(clock func() time.Time) {
	g.clock = clock
}

// AccessTTL is the lifetime of issued access tokens.
func (g *Generator) AccessTTL() time.Duration {
	return g.accessTTL
}

// AccessTokenClaims are the private claims carried next to the registered ones.
type AccessTokenClaims struct {
	Email       string `json:"email"`
	HouseholdID *int64 `json:"household_id,omitempty"`
	Role        string `json:"role,omitempty"`
}

// GenerateAccessToken produces a signed JWT for user.
func (g *Generator) GenerateAccessToken(user domain.User) (string, domain.AccessClaims, error) {
	signer, err := g.keys.Signer()
	if err != nil {
		return "", domain.AccessClaims{}, err
	}

	now := g.clock().UTC().Truncate(time.Second)
	claims := domain.AccessClaims{
		TokenID:     uuid.NewString(),
		Subject:     user.ID,
		Email:       user.Email,
		HouseholdID: user.HouseholdID,
		Role:        user.Role,
		IssuedAt:    now,
		ExpiresAt:   now.Add(g.accessTTL),
	}

	std := gojwt.Claims{
		ID:        claims.TokenID,
		Subject:   strconv.FormatInt(user.ID, 10),
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(claims.IssuedAt),
		NotBefore: gojwt.NewNumericDate(claims.IssuedAt),
		Expiry:    gojwt.NewNumericDate(claims.ExpiresAt),
	}
	custom := AccessTokenClaims{
		Email:       user.Email,
		HouseholdID: user.HouseholdID,
		Role:        user.Role,
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", domain.AccessClaims{}, fmt.Errorf("serialize jwt: %w", err)
	}
	return token, claims, nil
}

// ValidateAccessToken checks algorithm, signature, issuer, expiry (no leeway) and the
// required sub and email claims. Every failure wraps domain.ErrInvalidToken.
func (g *Generator) ValidateAccessToken(token string) (domain.AccessClaims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{g.keys.Algorithm()})
	if err != nil {
		return domain.AccessClaims{}, fmt.Errorf("%w: parse: %v", domain.ErrInvalidToken, err)
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(g.keys.verifyKey, &std, &custom); err != nil {
		return domain.AccessClaims{}, fmt.Errorf("%w: signature: %v", domain.ErrInvalidToken, err)
	}

	err = std.ValidateWithLeeway(gojwt.Expected{Issuer: g.issuer, Time: g.clock()}, 0)
	switch {
	case errors.Is(err, gojwt.ErrExpired):
		return domain.AccessClaims{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrExpired)
	case err != nil:
		return domain.AccessClaims{}, fmt.Errorf("%w: claims: %v", domain.ErrInvalidToken, err)
	}

	if strings.TrimSpace(std.Subject) == "" || strings.TrimSpace(custom.Email) == "" {
		return domain.AccessClaims{}, fmt.Errorf("%w: missing sub or email", domain.ErrInvalidToken)
	}
	subject, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil {
		return domain.AccessClaims{}, fmt.Errorf("%w: malformed sub", domain.ErrInvalidToken)
	}

	claims := domain.AccessClaims{
		TokenID:     std.ID,
		Subject:     subject,
		Email:       custom.Email,
		HouseholdID: custom.HouseholdID,
		Role:        custom.Role,
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		claims.ExpiresAt = std.Expiry.Time()
	}
	return claims, nil
}
