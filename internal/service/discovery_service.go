package service

import (
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/smallbiznis/pantry-auth/internal/jwt"
)

// DiscoveryService builds responses for the well-known endpoints.
type DiscoveryService struct {
	issuer string
	keys   *jwt.KeyManager
}

// NewDiscoveryService publishes metadata for issuer.
func NewDiscoveryService(issuer string, keys *jwt.KeyManager) *DiscoveryService {
	return &DiscoveryService{issuer: strings.TrimRight(issuer, "/"), keys: keys}
}

// AuthorizationServerMetadata is the RFC 8414 document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	TokenEndpointAuthMethods          []string `json:"token_endpoint_auth_methods_supported"`
	AccessTokenSigningAlgValues       []string `json:"access_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// Metadata returns the authorization server document.
func (s *DiscoveryService) Metadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            s.issuer,
		TokenEndpoint:                     s.issuer + "/oauth/token",
		RevocationEndpoint:                s.issuer + "/oauth/revoke",
		DeviceAuthorizationEndpoint:       s.issuer + "/oauth/device/code",
		JWKSURI:                           s.issuer + "/.well-known/jwks.json",
		GrantTypesSupported:               []string{"refresh_token", DeviceCodeGrantType},
		ResponseTypesSupported:            []string{"code"},
		TokenEndpointAuthMethods:          []string{"none"},
		AccessTokenSigningAlgValues:       []string{string(s.keys.Algorithm())},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// JWKS returns the public verification keys. Symmetric setups publish an empty set.
func (s *DiscoveryService) JWKS() jose.JSONWebKeySet {
	return s.keys.JWKS()
}
