package encryption_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/encryption"
)

func newCipher(t *testing.T) *encryption.Cipher {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	c, err := encryption.New(key)
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newCipher(t)
	inputs := [][]byte{
		{},
		[]byte("a"),
		[]byte("1//0gLx-refresh-token-from-provider"),
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}
	for _, plaintext := range inputs {
		blob, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		require.Len(t, blob, 12+16+len(plaintext))

		out, err := c.Decrypt(blob)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, out))
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := newCipher(t)
	a, err := c.EncryptString("same")
	require.NoError(t, err)
	b, err := c.EncryptString("same")
	require.NoError(t, err)
	assert.NotEqual(t, a[:12], b[:12])
	assert.NotEqual(t, a, b)
}

func TestDecryptDetectsEveryBitFlip(t *testing.T) {
	c := newCipher(t)
	blob, err := c.EncryptString("household-refresh-token")
	require.NoError(t, err)

	for i := 0; i < len(blob); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), blob...)
			tampered[i] ^= 1 << bit
			_, err := c.Decrypt(tampered)
			require.ErrorIs(t, err, domain.ErrIntegrity, "byte %d bit %d", i, bit)
		}
	}
}

func TestDecryptRejectsWrongKeyAndShortBlob(t *testing.T) {
	a := newCipher(t)
	b := newCipher(t)
	blob, err := a.EncryptString("token")
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	require.ErrorIs(t, err, domain.ErrIntegrity)

	_, err = a.Decrypt(blob[:20])
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestKeyEncoding(t *testing.T) {
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	require.Len(t, key, encryption.KeySize)

	parsed, err := encryption.ParseKey(encryption.EncodeKey(key))
	require.NoError(t, err)
	require.Equal(t, key, parsed)

	_, err = encryption.ParseKey(encryption.EncodeKey(key[:16]))
	require.Error(t, err)
	_, err = encryption.New(key[:16])
	require.Error(t, err)
}

func TestNewFromConfigFallbackLogsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	c, err := encryption.NewFromConfig(config.Config{Environment: "development", JWTSecret: "dev-secret"}, logger)
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessageSnippet("derived development key").Len())

	// The derived key is deterministic, so a second instance opens the first one's blobs.
	other, err := encryption.NewFromConfig(config.Config{Environment: "development", JWTSecret: "dev-secret"}, zap.NewNop())
	require.NoError(t, err)
	blob, err := c.EncryptString("token")
	require.NoError(t, err)
	out, err := other.DecryptString(blob)
	require.NoError(t, err)
	require.Equal(t, "token", out)
}

func TestNewFromConfigRequiresKeyInProduction(t *testing.T) {
	_, err := encryption.NewFromConfig(config.Config{Environment: "production", JWTSecret: "secret"}, zap.NewNop())
	require.Error(t, err)

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	c, err := encryption.NewFromConfig(config.Config{Environment: "production", TokenEncryptionKey: encryption.EncodeKey(key)}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, c)
}
