package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/pantry-auth/internal/adapter/events"
	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/encryption"
	"github.com/smallbiznis/pantry-auth/internal/jwt"
	"github.com/smallbiznis/pantry-auth/internal/repository"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryDenylist struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func (d *memoryDenylist) Revoke(_ context.Context, jti string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ids == nil {
		d.ids = make(map[string]time.Time)
	}
	d.ids[jti] = until
	return nil
}

func (d *memoryDenylist) IsRevoked(_ context.Context, jti string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ids[jti]
	return ok, nil
}

type recordingRevoker struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRevoker) RevokeProviderToken(_ context.Context, provider, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, provider+":"+token)
	return nil
}

type harness struct {
	store    *repository.MemoryStore
	clock    *fakeClock
	cipher   *encryption.Cipher
	denylist *memoryDenylist
	revoker  *recordingRevoker
	events   *events.Recorder
	tokens   *TokenService
	devices  *DeviceService
	accounts *AccountService
}

func testConfig() config.Config {
	return config.Config{
		Issuer:                "https://pantry.test",
		AccessTokenTTL:        900 * time.Second,
		RefreshTokenTTL:       30 * 24 * time.Hour,
		RefreshTokenBytes:     32,
		DeviceCodeTTL:         15 * time.Minute,
		DevicePollInterval:    5 * time.Second,
		DeviceVerificationURI: "https://pantry.test/device",
		DeletionGracePeriod:   30 * 24 * time.Hour,
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithLogger(t, zaptest.NewLogger(t))
}

func newHarnessWithLogger(t *testing.T, logger *zap.Logger) *harness {
	t.Helper()
	cfg := testConfig()

	keys, err := jwt.NewHMACKeyManager([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	generator := jwt.NewGenerator(keys, cfg.Issuer, cfg.AccessTokenTTL)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	cipher, err := encryption.New(key)
	require.NoError(t, err)

	h := &harness{
		store:    repository.NewMemoryStore(),
		clock:    &fakeClock{now: epoch},
		cipher:   cipher,
		denylist: &memoryDenylist{},
		revoker:  &recordingRevoker{},
		events:   &events.Recorder{},
	}
	h.tokens = NewTokenService(h.store.RefreshTokens(), h.store.Users(), h.store, generator, h.denylist, node, cfg, logger)
	h.tokens.SetClock(h.clock.Now)
	h.devices = NewDeviceService(h.store.DeviceCodes(), h.store.Users(), h.store, h.tokens, node, cfg, logger)
	h.devices.SetClock(h.clock.Now)
	h.accounts = NewAccountService(h.store.Users(), h.store.Links(), h.store.RefreshTokens(), h.store, cipher, h.revoker, h.events, cfg, logger)
	h.accounts.SetClock(h.clock.Now)
	return h
}

func (h *harness) seedUser(t *testing.T, email string) domain.User {
	t.Helper()
	user, err := h.store.Users().Create(context.Background(), domain.User{
		Email:     email,
		Name:      "Test User",
		Role:      domain.DefaultRole,
		CreatedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	return user
}
