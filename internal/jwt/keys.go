package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	pemjwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/config"
)

// ErrVerifyOnly is returned when signing is requested from a public-key-only manager.
var ErrVerifyOnly = errors.New("jwt: key manager has no signing key")

// KeyManager holds the access token key material: an RS256/ES256 key pair, a
// verify-only public key, or an HS256 secret as the symmetric fallback.
type KeyManager struct {
	kid       string
	algorithm jose.SignatureAlgorithm
	signKey   any
	verifyKey any
}

// NewKeyManager loads keys according to configuration.
func NewKeyManager(cfg config.Config, logger *zap.Logger) (*KeyManager, error) {
	if logger == nil {
		logger = zap.L()
	}
	switch {
	case cfg.JWTPrivateKeyPath != "":
		raw, err := os.ReadFile(cfg.JWTPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := parsePrivateKey(raw)
		if err != nil {
			return nil, err
		}
		return NewAsymmetricKeyManager(signer)
	case cfg.JWTPublicKeyPath != "":
		raw, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		public, err := parsePublicKey(raw)
		if err != nil {
			return nil, err
		}
		logger.Info("access tokens in verify-only mode", zap.String("public_key", cfg.JWTPublicKeyPath))
		return NewVerifyOnlyKeyManager(public)
	case cfg.JWTSecret != "" && cfg.IsProduction():
		return nil, errors.New("jwt: HS256 is not allowed in production, set JWT_PRIVATE_KEY_PATH")
	case cfg.JWTSecret != "":
		logger.Warn("no asymmetric signing key configured, falling back to HS256; resource services need the shared secret")
		return NewHMACKeyManager([]byte(cfg.JWTSecret))
	default:
		return nil, errors.New("jwt: no signing key configured")
	}
}

// NewAsymmetricKeyManager signs with an RSA (RS256) or P-256 ECDSA (ES256) key.
func NewAsymmetricKeyManager(signer crypto.Signer) (*KeyManager, error) {
	alg, err := algorithmFor(signer.Public())
	if err != nil {
		return nil, err
	}
	kid, err := thumbprint(signer.Public())
	if err != nil {
		return nil, err
	}
	return &KeyManager{kid: kid, algorithm: alg, signKey: signer, verifyKey: signer.Public()}, nil
}

// NewVerifyOnlyKeyManager verifies tokens issued elsewhere with a public key.
func NewVerifyOnlyKeyManager(public crypto.PublicKey) (*KeyManager, error) {
	alg, err := algorithmFor(public)
	if err != nil {
		return nil, err
	}
	kid, err := thumbprint(public)
	if err != nil {
		return nil, err
	}
	return &KeyManager{kid: kid, algorithm: alg, verifyKey: public}, nil
}

// NewHMACKeyManager uses a shared HS256 secret of at least 32 bytes.
func NewHMACKeyManager(secret []byte) (*KeyManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt: HS256 secret must be at least 32 bytes, got %d", len(secret))
	}
	return &KeyManager{kid: "hs256", algorithm: jose.HS256, signKey: secret, verifyKey: secret}, nil
}

// Algorithm returns the negotiated signature algorithm.
func (m *KeyManager) Algorithm() jose.SignatureAlgorithm {
	return m.algorithm
}

// Symmetric reports whether tokens are signed with the shared-secret fallback.
func (m *KeyManager) Symmetric() bool {
	return m.algorithm == jose.HS256
}

// Signer builds a JOSE signer stamping the key id.
func (m *KeyManager) Signer() (jose.Signer, error) {
	if m.signKey == nil {
		return nil, ErrVerifyOnly
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: m.algorithm, Key: m.signKey}, (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", m.kid))
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	return signer, nil
}

// JWKS returns the public verification keys. It is empty for the HS256 fallback.
func (m *KeyManager) JWKS() jose.JSONWebKeySet {
	if m.Symmetric() {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		KeyID:     m.kid,
		Use:       "sig",
		Algorithm: string(m.algorithm),
		Key:       m.verifyKey,
	}}}
}

func algorithmFor(public crypto.PublicKey) (jose.SignatureAlgorithm, error) {
	switch key := public.(type) {
	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return "", fmt.Errorf("jwt: RSA key must be at least 2048 bits")
		}
		return jose.RS256, nil
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return "", fmt.Errorf("jwt: only P-256 ECDSA keys are supported")
		}
		return jose.ES256, nil
	default:
		return "", fmt.Errorf("jwt: unsupported key type %T", public)
	}
}

func thumbprint(public crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: public}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func parsePrivateKey(raw []byte) (crypto.Signer, error) {
	if key, err := pemjwt.ParseRSAPrivateKeyFromPEM(raw); err == nil {
		return key, nil
	}
	key, err := pemjwt.ParseECPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: expected RSA or EC PEM: %w", err)
	}
	return key, nil
}

func parsePublicKey(raw []byte) (crypto.PublicKey, error) {
	if key, err := pemjwt.ParseRSAPublicKeyFromPEM(raw); err == nil {
		return key, nil
	}
	key, err := pemjwt.ParseECPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: expected RSA or EC PEM: %w", err)
	}
	return key, nil
}
