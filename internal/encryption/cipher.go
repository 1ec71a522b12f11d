package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/domain"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// fallbackSalt is fixed so the derived key is stable across restarts of a dev box.
var fallbackSalt = []byte("pantry-auth/token-encryption/v1")

// Argon2id parameters for the non-production fallback key.
const (
	deriveTime    uint32 = 3
	deriveMemory  uint32 = 64 * 1024
	deriveThreads uint8  = 2
)

// Cipher seals tokens stored at rest with AES-256-GCM.
// Blobs are laid out as nonce ‖ tag ‖ ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a 32 byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewFromConfig loads TOKEN_ENCRYPTION_KEY. Outside production a missing key is
// replaced by one derived from the HS256 secret, which is logged loudly.
func NewFromConfig(cfg config.Config, logger *zap.Logger) (*Cipher, error) {
	if logger == nil {
		logger = zap.L()
	}
	if strings.TrimSpace(cfg.TokenEncryptionKey) != "" {
		key, err := ParseKey(cfg.TokenEncryptionKey)
		if err != nil {
			return nil, err
		}
		return New(key)
	}
	if cfg.IsProduction() {
		return nil, errors.New("TOKEN_ENCRYPTION_KEY is required in production")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("TOKEN_ENCRYPTION_KEY or JWT_HS256_SECRET is required")
	}
	logger.Warn("token encryption key not configured, using derived development key",
		zap.String("environment", cfg.Environment))
	return New(DeriveFallbackKey(cfg.JWTSecret))
}

// DeriveFallbackKey stretches a secret into an AES-256 key with argon2id.
func DeriveFallbackKey(secret string) []byte {
	return argon2.IDKey([]byte(secret), fallbackSalt, deriveTime, deriveMemory, deriveThreads, KeySize)
}

// GenerateKey returns a fresh random key for provisioning or rotation.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key in the form accepted by TOKEN_ENCRYPTION_KEY.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ParseKey decodes a base64 key and checks its length.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	// Seal appends the tag after the ciphertext.
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(body))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, body...)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering yields domain.ErrIntegrity.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: blob too short", domain.ErrIntegrity)
	}
	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	body := blob[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string tokens.
func (c *Cipher) EncryptString(plaintext string) ([]byte, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string tokens.
func (c *Cipher) DecryptString(blob []byte) (string, error) {
	plaintext, err := c.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
