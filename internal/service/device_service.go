package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
	"github.com/smallbiznis/pantry-auth/internal/repository"
	"github.com/smallbiznis/pantry-auth/internal/telemetry"
)

const (
	// userCodeAlphabet avoids vowels and look-alike characters.
	userCodeAlphabet  = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength    = 8
	deviceCodeBytes   = 32
	maxCodeAttempts   = 5
	defaultDeviceTTL  = 15 * time.Minute
	defaultPollPeriod = 5 * time.Second
)

// DeviceCodeGrantType is the token endpoint grant_type for device polling.
const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceAuthorization is the RFC 8628 device authorization response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceService runs the device authorization grant for input-constrained clients.
type DeviceService struct {
	base
	codes           repository.DeviceCodeRepository
	users           repository.UserRepository
	tx              repository.TxManager
	tokens          *TokenService
	snowflake       *snowflake.Node
	ttl             time.Duration
	interval        time.Duration
	verificationURI string
	userCode        func() string
}

// NewDeviceService wires dependencies.
func NewDeviceService(codes repository.DeviceCodeRepository, users repository.UserRepository, tx repository.TxManager, tokens *TokenService, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *DeviceService {
	ttl := cfg.DeviceCodeTTL
	if ttl <= 0 {
		ttl = defaultDeviceTTL
	}
	interval := cfg.DevicePollInterval
	if interval <= 0 {
		interval = defaultPollPeriod
	}
	return &DeviceService{
		base:            newBase(logger, "device"),
		codes:           codes,
		users:           users,
		tx:              tx,
		tokens:          tokens,
		snowflake:       node,
		ttl:             ttl,
		interval:        interval,
		verificationURI: cfg.DeviceVerificationURI,
		userCode:        newUserCode,
	}
}

// Start creates a pending authorization request. User code collisions are retried
// with fresh codes.
func (s *DeviceService) Start(ctx context.Context, clientID string) (DeviceAuthorization, error) {
	ctx, span := s.startSpan(ctx, "DeviceService.Start")
	defer span.End()

	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return DeviceAuthorization{}, fmt.Errorf("device authorization: client_id missing: %w", domainoauth.ErrInvalidRequest)
	}

	now := s.now()
	var created domain.DeviceCode
	var err error
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		created, err = s.codes.Create(ctx, domain.DeviceCode{
			ID:         s.snowflake.Generate().Int64(),
			DeviceCode: newDeviceCode(),
			UserCode:   s.userCode(),
			ClientID:   clientID,
			Status:     domain.DeviceStatusPending,
			ExpiresAt:  now.Add(s.ttl),
			Interval:   s.interval,
			CreatedAt:  now,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) {
			span.RecordError(err)
			return DeviceAuthorization{}, fmt.Errorf("create device code: %w", err)
		}
		s.log().Debug("device code collision, retrying", zap.Int("attempt", attempt))
	}
	if err != nil {
		span.RecordError(err)
		return DeviceAuthorization{}, fmt.Errorf("create device code after %d attempts: %w", maxCodeAttempts, err)
	}

	s.audit("device.started", "client_id", clientID, "device_id", created.ID)
	return DeviceAuthorization{
		DeviceCode:              created.DeviceCode,
		UserCode:                FormatUserCode(created.UserCode),
		VerificationURI:         s.verificationURI,
		VerificationURIComplete: s.completeURI(created.UserCode),
		ExpiresIn:               int(s.ttl.Seconds()),
		Interval:                int(s.interval.Seconds()),
	}, nil
}

// Poll is called by the device until it receives tokens or a terminal error. Outcomes
// are reported as domain.ErrAuthorizationPending, domain.ErrSlowDown,
// domain.ErrAccessDenied or domain.ErrExpiredToken. An approved request is redeemed once.
func (s *DeviceService) Poll(ctx context.Context, deviceCode string, meta ClientMeta) (domain.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "DeviceService.Poll")
	defer span.End()

	pair, err := s.poll(ctx, deviceCode, meta)
	telemetry.DevicePollsTotal.WithLabelValues(pollOutcome(err)).Inc()
	if err != nil && !isPollOutcome(err) {
		span.RecordError(err)
	}
	return pair, err
}

func (s *DeviceService) poll(ctx context.Context, deviceCode string, meta ClientMeta) (domain.TokenPair, error) {
	code, err := s.codes.FindByDeviceCode(ctx, strings.TrimSpace(deviceCode))
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("lookup device code: %w", err)
	}
	if code == nil {
		return domain.TokenPair{}, domain.ErrExpiredToken
	}

	now := s.now()
	if code.Expired(now) {
		if code.Status == domain.DeviceStatusPending || code.Status == domain.DeviceStatusApproved {
			if _, err := s.codes.Transition(ctx, code.ID, code.Status, domain.DeviceStatusExpired, nil); err != nil {
				return domain.TokenPair{}, fmt.Errorf("expire device code: %w", err)
			}
		}
		return domain.TokenPair{}, domain.ErrExpiredToken
	}

	allowed, err := s.codes.TouchPoll(ctx, code.ID, now, code.Interval)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("record poll: %w", err)
	}
	if !allowed {
		return domain.TokenPair{}, domain.ErrSlowDown
	}

	switch code.Status {
	case domain.DeviceStatusPending:
		return domain.TokenPair{}, domain.ErrAuthorizationPending
	case domain.DeviceStatusDenied:
		return domain.TokenPair{}, domain.ErrAccessDenied
	case domain.DeviceStatusExpired:
		return domain.TokenPair{}, domain.ErrExpiredToken
	}

	if meta.Flow == "" {
		meta.Flow = FlowDevice
	}
	var (
		pair   domain.TokenPair
		userID int64
	)
	// Consume and issuance commit together; a failed issuance leaves the request
	// approved for the next poll.
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		consumed, err := s.codes.Consume(ctx, code.ID)
		if err != nil {
			return fmt.Errorf("consume device code: %w", err)
		}
		if !consumed || code.UserID == nil {
			return nil
		}
		user, err := s.users.FindByID(ctx, *code.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if user == nil {
			return nil
		}
		userID = user.ID
		pair, err = s.tokens.IssuePair(ctx, *user, meta)
		return err
	})
	if err != nil {
		return domain.TokenPair{}, err
	}
	if userID == 0 {
		return domain.TokenPair{}, domain.ErrExpiredToken
	}
	s.audit("device.redeemed", "device_id", code.ID, "user_id", userID, "client_id", code.ClientID)
	return pair, nil
}

// Lookup returns the pending request for a user code, for display on the verification page.
func (s *DeviceService) Lookup(ctx context.Context, userCode string) (domain.DeviceCode, error) {
	code, err := s.codes.FindPendingByUserCode(ctx, NormalizeUserCode(userCode), s.now())
	if err != nil {
		return domain.DeviceCode{}, fmt.Errorf("lookup user code: %w", err)
	}
	if code == nil {
		return domain.DeviceCode{}, fmt.Errorf("user code: %w", domain.ErrNotFound)
	}
	return *code, nil
}

// Approve binds a pending request to userID.
func (s *DeviceService) Approve(ctx context.Context, userCode string, userID int64) error {
	ctx, span := s.startSpan(ctx, "DeviceService.Approve")
	defer span.End()

	code, err := s.Lookup(ctx, userCode)
	if err != nil {
		return err
	}
	ok, err := s.codes.Transition(ctx, code.ID, domain.DeviceStatusPending, domain.DeviceStatusApproved, &userID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("approve device code: %w", err)
	}
	if !ok {
		return fmt.Errorf("approve device code: %w", domain.ErrInvalidState)
	}
	s.audit("device.approved", "device_id", code.ID, "user_id", userID)
	return nil
}

// Deny rejects a pending request.
func (s *DeviceService) Deny(ctx context.Context, userCode string) error {
	code, err := s.Lookup(ctx, userCode)
	if err != nil {
		return err
	}
	ok, err := s.codes.Transition(ctx, code.ID, domain.DeviceStatusPending, domain.DeviceStatusDenied, nil)
	if err != nil {
		return fmt.Errorf("deny device code: %w", err)
	}
	if !ok {
		return fmt.Errorf("deny device code: %w", domain.ErrInvalidState)
	}
	s.audit("device.denied", "device_id", code.ID)
	return nil
}

// Cleanup removes requests that expired before now.
func (s *DeviceService) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.codes.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup device codes: %w", err)
	}
	if n > 0 {
		s.log().Info("expired device codes removed", zap.Int64("count", n))
	}
	return n, nil
}

func (s *DeviceService) completeURI(userCode string) string {
	if s.verificationURI == "" {
		return ""
	}
	u, err := url.Parse(s.verificationURI)
	if err != nil {
		return s.verificationURI
	}
	q := u.Query()
	q.Set("user_code", FormatUserCode(userCode))
	u.RawQuery = q.Encode()
	return u.String()
}

// NormalizeUserCode strips separators and case so "bcdf-ghjk" matches "BCDFGHJK".
func NormalizeUserCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if strings.ContainsRune(userCodeAlphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatUserCode renders a stored user code as XXXX-XXXX.
func FormatUserCode(code string) string {
	if len(code) != userCodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}

func newDeviceCode() string {
	buf := make([]byte, deviceCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func newUserCode() string {
	limit := big.NewInt(int64(len(userCodeAlphabet)))
	out := make([]byte, userCodeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(err)
		}
		out[i] = userCodeAlphabet[n.Int64()]
	}
	return string(out)
}

func isPollOutcome(err error) bool {
	return errors.Is(err, domain.ErrAuthorizationPending) ||
		errors.Is(err, domain.ErrSlowDown) ||
		errors.Is(err, domain.ErrAccessDenied) ||
		errors.Is(err, domain.ErrExpiredToken)
}

func pollOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case isPollOutcome(err):
		return err.Error()
	default:
		return "error"
	}
}
