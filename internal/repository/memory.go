package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

// MemoryStore is an in-process credential store with the same contracts as the
// Postgres repositories. Transactions are serialized against every other call and
// rolled back through an undo log.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]domain.User
	links   map[int64]oauth.Link
	tokens  map[int64]domain.RefreshToken
	devices map[int64]domain.DeviceCode
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]domain.User),
		links:   make(map[int64]oauth.Link),
		tokens:  make(map[int64]domain.RefreshToken),
		devices: make(map[int64]domain.DeviceCode),
	}
}

type memoryTxKey struct{}

type memoryTx struct {
	store *MemoryStore
	undo  []func()
}

// Users returns the user repository view.
func (s *MemoryStore) Users() UserRepository { return memoryUsers{s} }

// Links returns the OAuth link repository view.
func (s *MemoryStore) Links() OAuthLinkRepository { return memoryLinks{s} }

// RefreshTokens returns the refresh token repository view.
func (s *MemoryStore) RefreshTokens() RefreshTokenRepository { return memoryTokens{s} }

// DeviceCodes returns the device code repository view.
func (s *MemoryStore) DeviceCodes() DeviceCodeRepository { return memoryDevices{s} }

var _ TxManager = (*MemoryStore)(nil)

// WithinTransaction holds the store lock for the whole of fn.
func (s *MemoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (s *MemoryStore) inTx(ctx context.Context) bool {
	tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx)
	return ok && tx.store == s
}

// lock acquires the store lock unless ctx already owns it through a transaction.
func (s *MemoryStore) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok && tx.store == s {
		tx.undo = append(tx.undo, undo)
	}
}

func (s *MemoryStore) id(requested int64) int64 {
	if requested != 0 {
		if requested > s.nextID {
			s.nextID = requested
		}
		return requested
	}
	s.nextID++
	return s.nextID
}

// restore helpers capture a row (or its absence) so a rollback can put it back.

func restoreUser(s *MemoryStore, id int64) func() {
	prev, existed := s.users[id]
	return func() {
		if existed {
			s.users[id] = prev
		} else {
			delete(s.users, id)
		}
	}
}

func restoreLink(s *MemoryStore, id int64) func() {
	prev, existed := s.links[id]
	return func() {
		if existed {
			s.links[id] = prev
		} else {
			delete(s.links, id)
		}
	}
}

func restoreToken(s *MemoryStore, id int64) func() {
	prev, existed := s.tokens[id]
	return func() {
		if existed {
			s.tokens[id] = prev
		} else {
			delete(s.tokens, id)
		}
	}
}

func restoreDevice(s *MemoryStore, id int64) func() {
	prev, existed := s.devices[id]
	return func() {
		if existed {
			s.devices[id] = prev
		} else {
			delete(s.devices, id)
		}
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

type memoryUsers struct{ s *MemoryStore }

func cloneUser(u domain.User) domain.User {
	u.HouseholdID = copyInt64(u.HouseholdID)
	u.DeletionScheduledAt = copyTime(u.DeletionScheduledAt)
	return u
}

func (r memoryUsers) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	defer r.s.lock(ctx)()
	user, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	user = cloneUser(user)
	return &user, nil
}

func (r memoryUsers) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	defer r.s.lock(ctx)()
	for _, user := range r.s.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			user = cloneUser(user)
			return &user, nil
		}
	}
	return nil, nil
}

func (r memoryUsers) Create(ctx context.Context, user domain.User) (domain.User, error) {
	defer r.s.lock(ctx)()
	for _, existing := range r.s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return domain.User{}, fmt.Errorf("create user: %w (users_email_key)", domain.ErrConflict)
		}
	}
	if _, ok := r.s.users[user.ID]; ok && user.ID != 0 {
		return domain.User{}, fmt.Errorf("create user: %w (users_pkey)", domain.ErrConflict)
	}
	user.ID = r.s.id(user.ID)
	if user.Status == "" {
		user.Status = domain.UserStatusActive
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	r.s.onRollback(ctx, restoreUser(r.s, user.ID))
	r.s.users[user.ID] = cloneUser(user)
	return cloneUser(user), nil
}

func (r memoryUsers) UpdateProfile(ctx context.Context, user domain.User) (domain.User, error) {
	defer r.s.lock(ctx)()
	current, ok := r.s.users[user.ID]
	if !ok {
		return domain.User{}, fmt.Errorf("update user %d: %w", user.ID, domain.ErrNotFound)
	}
	current.Name = user.Name
	current.AvatarURL = user.AvatarURL
	current.HouseholdID = copyInt64(user.HouseholdID)
	current.Role = user.Role
	current.UpdatedAt = time.Now().UTC()
	r.s.onRollback(ctx, restoreUser(r.s, user.ID))
	r.s.users[user.ID] = current
	return cloneUser(current), nil
}

func (r memoryUsers) TransitionStatus(ctx context.Context, id int64, from, to domain.UserStatus, deletionAt *time.Time) (domain.User, error) {
	defer r.s.lock(ctx)()
	current, ok := r.s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("transition user %d: %w", id, domain.ErrNotFound)
	}
	if current.Status != from {
		return domain.User{}, fmt.Errorf("transition user %d from %s: %w", id, from, domain.ErrInvalidState)
	}
	current.Status = to
	current.DeletionScheduledAt = copyTime(deletionAt)
	current.UpdatedAt = time.Now().UTC()
	r.s.onRollback(ctx, restoreUser(r.s, id))
	r.s.users[id] = current
	return cloneUser(current), nil
}

func (r memoryUsers) ListDeletionDue(ctx context.Context, now time.Time) ([]domain.User, error) {
	defer r.s.lock(ctx)()
	var due []domain.User
	for _, user := range r.s.users {
		if user.Status == domain.UserStatusPendingDeletion && user.DeletionScheduledAt != nil && !user.DeletionScheduledAt.After(now) {
			due = append(due, cloneUser(user))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].DeletionScheduledAt.Before(*due[j].DeletionScheduledAt)
	})
	return due, nil
}

// DeleteIfDue mirrors the ON DELETE CASCADE foreign keys of the SQL schema.
// LockForUpdate only checks existence; transactions on the memory store are already
// serialized.
func (r memoryUsers) LockForUpdate(ctx context.Context, id int64) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.users[id]; !ok {
		return fmt.Errorf("lock user %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r memoryUsers) DeleteIfDue(ctx context.Context, id int64, now time.Time) (bool, error) {
	defer r.s.lock(ctx)()
	user, ok := r.s.users[id]
	if !ok || user.Status != domain.UserStatusPendingDeletion || user.DeletionScheduledAt == nil || user.DeletionScheduledAt.After(now) {
		return false, nil
	}
	for linkID, link := range r.s.links {
		if link.UserID == id {
			r.s.onRollback(ctx, restoreLink(r.s, linkID))
			delete(r.s.links, linkID)
		}
	}
	for tokenID, token := range r.s.tokens {
		if token.UserID == id {
			r.s.onRollback(ctx, restoreToken(r.s, tokenID))
			delete(r.s.tokens, tokenID)
		}
	}
	for deviceID, device := range r.s.devices {
		if device.UserID != nil && *device.UserID == id {
			r.s.onRollback(ctx, restoreDevice(r.s, deviceID))
			delete(r.s.devices, deviceID)
		}
	}
	r.s.onRollback(ctx, restoreUser(r.s, id))
	delete(r.s.users, id)
	return true, nil
}

type memoryLinks struct{ s *MemoryStore }

func cloneLink(l oauth.Link) oauth.Link {
	if l.EncryptedRefreshToken != nil {
		l.EncryptedRefreshToken = append([]byte(nil), l.EncryptedRefreshToken...)
	}
	return l
}

func (r memoryLinks) FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*oauth.Link, error) {
	defer r.s.lock(ctx)()
	for _, link := range r.s.links {
		if link.Provider == provider && link.ProviderUserID == providerUserID {
			link = cloneLink(link)
			return &link, nil
		}
	}
	return nil, nil
}

func (r memoryLinks) ListByUser(ctx context.Context, userID int64) ([]oauth.Link, error) {
	defer r.s.lock(ctx)()
	var links []oauth.Link
	for _, link := range r.s.links {
		if link.UserID == userID {
			links = append(links, cloneLink(link))
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })
	return links, nil
}

func (r memoryLinks) Create(ctx context.Context, link oauth.Link) (oauth.Link, error) {
	defer r.s.lock(ctx)()
	if _, ok := r.s.users[link.UserID]; !ok {
		return oauth.Link{}, fmt.Errorf("create oauth link: user %d: %w", link.UserID, domain.ErrNotFound)
	}
	for _, existing := range r.s.links {
		if existing.Provider == link.Provider && existing.ProviderUserID == link.ProviderUserID {
			return oauth.Link{}, fmt.Errorf("create oauth link: %w (oauth_links_provider_subject_key)", domain.ErrConflict)
		}
		if existing.UserID == link.UserID && existing.Provider == link.Provider {
			return oauth.Link{}, fmt.Errorf("create oauth link: %w (oauth_links_user_provider_key)", domain.ErrConflict)
		}
	}
	link.ID = r.s.id(link.ID)
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	r.s.onRollback(ctx, restoreLink(r.s, link.ID))
	r.s.links[link.ID] = cloneLink(link)
	return cloneLink(link), nil
}

func (r memoryLinks) UpdateProviderToken(ctx context.Context, id int64, encrypted []byte) error {
	defer r.s.lock(ctx)()
	link, ok := r.s.links[id]
	if !ok {
		return fmt.Errorf("update oauth link %d: %w", id, domain.ErrNotFound)
	}
	link.EncryptedRefreshToken = append([]byte(nil), encrypted...)
	r.s.onRollback(ctx, restoreLink(r.s, id))
	r.s.links[id] = link
	return nil
}

func (r memoryLinks) Delete(ctx context.Context, userID int64, provider string) (bool, error) {
	defer r.s.lock(ctx)()
	for id, link := range r.s.links {
		if link.UserID == userID && link.Provider == provider {
			r.s.onRollback(ctx, restoreLink(r.s, id))
			delete(r.s.links, id)
			return true, nil
		}
	}
	return false, nil
}

func (r memoryLinks) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, link := range r.s.links {
		if link.UserID == userID {
			r.s.onRollback(ctx, restoreLink(r.s, id))
			delete(r.s.links, id)
			n++
		}
	}
	return n, nil
}

type memoryTokens struct{ s *MemoryStore }

func cloneToken(t domain.RefreshToken) domain.RefreshToken {
	t.RevokedAt = copyTime(t.RevokedAt)
	return t
}

func (r memoryTokens) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	defer r.s.lock(ctx)()
	if _, ok := r.s.users[token.UserID]; !ok {
		return domain.RefreshToken{}, fmt.Errorf("create refresh token: user %d: %w", token.UserID, domain.ErrNotFound)
	}
	for _, existing := range r.s.tokens {
		if existing.TokenHash == token.TokenHash {
			return domain.RefreshToken{}, fmt.Errorf("create refresh token: %w (refresh_tokens_token_hash_key)", domain.ErrConflict)
		}
	}
	token.ID = r.s.id(token.ID)
	r.s.onRollback(ctx, restoreToken(r.s, token.ID))
	r.s.tokens[token.ID] = cloneToken(token)
	return cloneToken(token), nil
}

func (r memoryTokens) FindByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	defer r.s.lock(ctx)()
	for _, token := range r.s.tokens {
		if token.TokenHash == tokenHash {
			token = cloneToken(token)
			return &token, nil
		}
	}
	return nil, nil
}

func (r memoryTokens) RevokeIfActive(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	defer r.s.lock(ctx)()
	for id, token := range r.s.tokens {
		if token.TokenHash != tokenHash {
			continue
		}
		if token.RevokedAt != nil {
			return false, nil
		}
		r.s.onRollback(ctx, restoreToken(r.s, id))
		token.RevokedAt = copyTime(&now)
		r.s.tokens[id] = token
		return true, nil
	}
	return false, nil
}

func (r memoryTokens) RevokeAllForUser(ctx context.Context, userID int64, now time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, token := range r.s.tokens {
		if token.UserID == userID && token.Active(now) {
			r.s.onRollback(ctx, restoreToken(r.s, id))
			token.RevokedAt = copyTime(&now)
			r.s.tokens[id] = token
			n++
		}
	}
	return n, nil
}

func (r memoryTokens) ListActive(ctx context.Context, userID int64, now time.Time) ([]domain.RefreshToken, error) {
	defer r.s.lock(ctx)()
	var active []domain.RefreshToken
	for _, token := range r.s.tokens {
		if token.UserID == userID && token.Active(now) {
			active = append(active, cloneToken(token))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID > active[j].ID
		}
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

func (r memoryTokens) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, token := range r.s.tokens {
		if token.UserID == userID {
			r.s.onRollback(ctx, restoreToken(r.s, id))
			delete(r.s.tokens, id)
			n++
		}
	}
	return n, nil
}

func (r memoryTokens) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, token := range r.s.tokens {
		if !token.ExpiresAt.After(before) {
			r.s.onRollback(ctx, restoreToken(r.s, id))
			delete(r.s.tokens, id)
			n++
		}
	}
	return n, nil
}

type memoryDevices struct{ s *MemoryStore }

func cloneDevice(d domain.DeviceCode) domain.DeviceCode {
	d.UserID = copyInt64(d.UserID)
	d.LastPolledAt = copyTime(d.LastPolledAt)
	return d
}

func (r memoryDevices) Create(ctx context.Context, code domain.DeviceCode) (domain.DeviceCode, error) {
	defer r.s.lock(ctx)()
	for _, existing := range r.s.devices {
		if existing.DeviceCode == code.DeviceCode {
			return domain.DeviceCode{}, fmt.Errorf("create device code: %w (device_codes_device_code_key)", domain.ErrConflict)
		}
		if existing.UserCode == code.UserCode {
			return domain.DeviceCode{}, fmt.Errorf("create device code: %w (device_codes_user_code_key)", domain.ErrConflict)
		}
	}
	code.ID = r.s.id(code.ID)
	r.s.onRollback(ctx, restoreDevice(r.s, code.ID))
	r.s.devices[code.ID] = cloneDevice(code)
	return cloneDevice(code), nil
}

func (r memoryDevices) FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error) {
	defer r.s.lock(ctx)()
	for _, code := range r.s.devices {
		if code.DeviceCode == deviceCode {
			code = cloneDevice(code)
			return &code, nil
		}
	}
	return nil, nil
}

func (r memoryDevices) FindPendingByUserCode(ctx context.Context, userCode string, now time.Time) (*domain.DeviceCode, error) {
	defer r.s.lock(ctx)()
	for _, code := range r.s.devices {
		if code.UserCode == userCode && code.Status == domain.DeviceStatusPending && code.ExpiresAt.After(now) {
			code = cloneDevice(code)
			return &code, nil
		}
	}
	return nil, nil
}

func (r memoryDevices) Transition(ctx context.Context, id int64, from, to domain.DeviceStatus, userID *int64) (bool, error) {
	defer r.s.lock(ctx)()
	code, ok := r.s.devices[id]
	if !ok || code.Status != from {
		return false, nil
	}
	r.s.onRollback(ctx, restoreDevice(r.s, id))
	code.Status = to
	code.UserID = copyInt64(userID)
	r.s.devices[id] = code
	return true, nil
}

func (r memoryDevices) TouchPoll(ctx context.Context, id int64, now time.Time, minSpacing time.Duration) (bool, error) {
	defer r.s.lock(ctx)()
	code, ok := r.s.devices[id]
	if !ok {
		return false, nil
	}
	if code.LastPolledAt != nil && code.LastPolledAt.After(now.Add(-minSpacing)) {
		return false, nil
	}
	r.s.onRollback(ctx, restoreDevice(r.s, id))
	code.LastPolledAt = copyTime(&now)
	r.s.devices[id] = code
	return true, nil
}

func (r memoryDevices) Consume(ctx context.Context, id int64) (bool, error) {
	defer r.s.lock(ctx)()
	code, ok := r.s.devices[id]
	if !ok || code.Status != domain.DeviceStatusApproved {
		return false, nil
	}
	r.s.onRollback(ctx, restoreDevice(r.s, id))
	delete(r.s.devices, id)
	return true, nil
}

func (r memoryDevices) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for id, code := range r.s.devices {
		if !code.ExpiresAt.After(before) {
			r.s.onRollback(ctx, restoreDevice(r.s, id))
			delete(r.s.devices, id)
			n++
		}
	}
	return n, nil
}
