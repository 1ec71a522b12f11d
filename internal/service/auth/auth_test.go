package auth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/pantry-auth/internal/adapter/events"
	oauthadapter "github.com/smallbiznis/pantry-auth/internal/adapter/oauth"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
	"github.com/smallbiznis/pantry-auth/internal/encryption"
	"github.com/smallbiznis/pantry-auth/internal/repository"
	"github.com/smallbiznis/pantry-auth/internal/service"
)

type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]domainoauth.State
}

func (m *memoryStateStore) SaveState(_ context.Context, data domainoauth.State, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]domainoauth.State)
	}
	m.states[data.State] = data
	return nil
}

func (m *memoryStateStore) TakeState(_ context.Context, state string) (*domainoauth.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.states[state]
	if !ok {
		return nil, nil
	}
	delete(m.states, state)
	return &data, nil
}

func (m *memoryStateStore) pending(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[state]
	return ok
}

type fakeProvider struct {
	name     string
	identity domainoauth.Identity
	err      error

	mu         sync.Mutex
	assertions []domainoauth.Assertion
}

func (p *fakeProvider) Name() string        { return p.name }
func (p *fakeProvider) DisplayName() string { return "Fake " + p.name }

func (p *fakeProvider) AuthCodeURL(state, nonce, verifier string) string {
	q := url.Values{"state": {state}, "nonce": {nonce}, "verifier": {verifier}}
	return "https://idp.test/authorize?" + q.Encode()
}

func (p *fakeProvider) VerifyAssertion(_ context.Context, a domainoauth.Assertion) (domainoauth.Identity, error) {
	p.mu.Lock()
	p.assertions = append(p.assertions, a)
	p.mu.Unlock()
	if p.err != nil {
		return domainoauth.Identity{}, p.err
	}
	return p.identity, nil
}

type fakeIssuer struct {
	calls atomic.Int32
}

func (f *fakeIssuer) IssuePair(_ context.Context, user domain.User, meta service.ClientMeta) (domain.TokenPair, error) {
	n := f.calls.Add(1)
	return domain.TokenPair{
		AccessToken:  fmt.Sprintf("access-%d-%d", user.ID, n),
		RefreshToken: fmt.Sprintf("refresh-%s-%d", meta.Flow, n),
		TokenType:    "Bearer",
		ExpiresIn:    900,
	}, nil
}

type fixture struct {
	store    *repository.MemoryStore
	cipher   *encryption.Cipher
	events   *events.Recorder
	resolver *LinkResolver
	provider *fakeProvider
	states   *memoryStateStore
	issuer   *fakeIssuer
	service  *OAuthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	cipher, err := encryption.New(key)
	require.NoError(t, err)

	f := &fixture{
		store:  repository.NewMemoryStore(),
		cipher: cipher,
		events: &events.Recorder{},
		provider: &fakeProvider{
			name: domainoauth.ProviderGoogle,
			identity: domainoauth.Identity{
				Provider:       domainoauth.ProviderGoogle,
				ProviderUserID: "google-sub-1",
				Email:          "Ada@Example.com",
				DisplayName:    "Ada",
				RefreshToken:   "provider-refresh",
			},
		},
		states: &memoryStateStore{},
		issuer: &fakeIssuer{},
	}
	f.resolver = NewLinkResolver(f.store.Users(), f.store.Links(), f.store, cipher, node, f.events, logger)
	registry := oauthadapter.NewRegistryOf(logger, f.provider)
	f.service = NewOAuthService(registry, f.states, f.resolver, f.issuer, logger)
	return f
}

func TestResolveCreatesUserAndLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.resolver.Resolve(ctx, f.provider.identity)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, domain.DefaultRole, user.Role)
	assert.Equal(t, domain.UserStatusActive, user.Status)

	links, err := f.resolver.Links(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.NotContains(t, string(links[0].EncryptedRefreshToken), "provider-refresh")
	plain, err := f.cipher.DecryptString(links[0].EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "provider-refresh", plain)

	recorded := f.events.Events()
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeAccountCreated, recorded[0].Type)

	again, err := f.resolver.Resolve(ctx, f.provider.identity)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.Len(t, f.events.Events(), 1)
}

func TestResolveLinksExistingEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, err := f.store.Users().Create(ctx, domain.User{Email: "ada@example.com", Role: domain.DefaultRole, Status: domain.UserStatusActive})
	require.NoError(t, err)

	user, err := f.resolver.Resolve(ctx, f.provider.identity)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)

	apple := domainoauth.Identity{Provider: "Apple", ProviderUserID: "apple-sub", Email: "ada@example.com"}
	user, err = f.resolver.Resolve(ctx, apple)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)

	links, err := f.resolver.Links(ctx, existing.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
	assert.Empty(t, f.events.Events())
}

func TestResolveConcurrentFirstLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 24
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			user, err := f.resolver.Resolve(ctx, f.provider.identity)
			ids[i], errs[i] = user.ID, err
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	user, err := f.store.Users().FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	links, err := f.store.Links().ListByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
	assert.Len(t, f.events.Events(), 1)
}

func TestResolveRejectsSecondSubjectForProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.resolver.Resolve(ctx, f.provider.identity)
	require.NoError(t, err)

	other := f.provider.identity
	other.ProviderUserID = "google-sub-2"
	_, err = f.resolver.Resolve(ctx, other)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestResolveValidatesIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), domainoauth.Identity{Provider: "google", ProviderUserID: "x"})
	require.ErrorIs(t, err, domainoauth.ErrEmailMissing)
	_, err = f.resolver.Resolve(context.Background(), domainoauth.Identity{Email: "a@b.c"})
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
}

func TestUnlink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, err := f.resolver.Resolve(ctx, f.provider.identity)
	require.NoError(t, err)

	err = f.resolver.Unlink(ctx, user.ID, "google")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	err = f.resolver.Unlink(ctx, user.ID, "apple")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.resolver.Resolve(ctx, domainoauth.Identity{Provider: "apple", ProviderUserID: "apple-sub", Email: "ada@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.resolver.Unlink(ctx, user.ID, "GOOGLE"))

	links, err := f.resolver.Links(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "apple", links[0].Provider)

	err = f.resolver.Unlink(ctx, 404, "google")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnlinkConcurrentNeverRemovesEveryLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, err := f.resolver.Resolve(ctx, f.provider.identity)
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, domainoauth.Identity{Provider: "apple", ProviderUserID: "apple-sub", Email: "ada@example.com"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i, provider := range []string{"google", "apple"} {
		wg.Add(1)
		go func(i int, provider string) {
			defer wg.Done()
			<-start
			errs[i] = f.resolver.Unlink(ctx, user.ID, provider)
		}(i, provider)
	}
	close(start)
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, domain.ErrInvalidState)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	links, err := f.resolver.Links(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestOAuthStartAndCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.Start(ctx, "google", "")
	require.NoError(t, err)
	require.NotEmpty(t, out.State)

	redirect, err := url.Parse(out.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, out.State, redirect.Query().Get("state"))

	require.True(t, f.states.pending(out.State))
	stored := f.states.states[out.State]

	session, err := f.service.Callback(ctx, CallbackInput{Provider: "google", Code: "auth-code", State: out.State, UserAgent: "ios"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, "ada@example.com", session.User.Email)
	assert.Contains(t, session.RefreshToken, string(service.FlowOAuth))

	require.Len(t, f.provider.assertions, 1)
	got := f.provider.assertions[0]
	assert.Equal(t, "auth-code", got.Code)
	assert.Equal(t, stored.CodeVerifier, got.CodeVerifier)
	assert.Equal(t, stored.Nonce, got.Nonce)

	_, err = f.service.Callback(ctx, CallbackInput{Provider: "google", Code: "auth-code", State: out.State})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
}

func TestOAuthCallbackRejectsProviderMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.service.Start(ctx, "google", "")
	require.NoError(t, err)

	_, err = f.service.Callback(ctx, CallbackInput{Provider: "apple", Code: "c", State: out.State})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	assert.Empty(t, f.provider.assertions)
}

func TestOAuthStartUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Start(context.Background(), "github", "")
	require.ErrorIs(t, err, domainoauth.ErrProviderNotFound)
	assert.True(t, IsClientError(err))
}

func TestSignInWithAssertion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.service.SignInWithAssertion(ctx, "google", "id-token", "n-1", "android")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	require.Len(t, f.provider.assertions, 1)
	assert.Equal(t, "id-token", f.provider.assertions[0].IDToken)
	assert.Equal(t, "n-1", f.provider.assertions[0].Nonce)

	f.provider.err = fmt.Errorf("bad signature: %w", domainoauth.ErrAssertionInvalid)
	_, err = f.service.SignInWithAssertion(ctx, "google", "forged", "", "")
	require.ErrorIs(t, err, domainoauth.ErrAssertionInvalid)

	_, err = f.service.SignInWithAssertion(ctx, "google", " ", "", "")
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
}

func TestProvidersListing(t *testing.T) {
	f := newFixture(t)
	list := f.service.Providers("/auth/oauth/%s/start")
	require.Len(t, list, 1)
	assert.Equal(t, "google", list[0].Name)
	assert.Equal(t, "/auth/oauth/google/start", list[0].StartURL)
}
