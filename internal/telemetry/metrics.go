package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssuedTotal counts token pairs by the flow that produced them.
	TokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_auth_tokens_issued_total",
		Help: "Token pairs issued, by flow",
	}, []string{"flow"})

	// TokenRotationsTotal counts refresh token rotations by outcome.
	TokenRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_auth_token_rotations_total",
		Help: "Refresh token rotations, by outcome",
	}, []string{"outcome"})

	// TokensRevokedTotal counts refresh tokens revoked, by reason.
	TokensRevokedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_auth_tokens_revoked_total",
		Help: "Refresh tokens revoked, by reason",
	}, []string{"reason"})

	// DevicePollsTotal counts device flow polls by response.
	DevicePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_auth_device_polls_total",
		Help: "Device authorization polls, by response",
	}, []string{"response"})

	// OAuthResolutionsTotal counts identity resolutions by path taken.
	OAuthResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_auth_oauth_resolutions_total",
		Help: "OAuth identity resolutions, by provider and path",
	}, []string{"provider", "path"})

	// AccountDeletionsTotal counts sweep results per account.
	AccountDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pantry_auth_account_deletions_total",
		Help: "Accounts processed by the deletion sweep, by outcome",
	}, []string{"outcome"})

	// IntegrityFailuresTotal counts failed authenticated decryptions.
	IntegrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pantry_auth_integrity_failures_total",
		Help: "Stored token decryptions that failed authentication",
	})

	// JobDuration records maintenance job runtimes.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pantry_auth_job_duration_seconds",
		Help:    "Maintenance job duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
)

// RateLimitedTotal counts requests rejected by a rate limiter.
var RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pantry_auth_rate_limited_total",
	Help: "Requests rejected by rate limiting, by limiter",
}, []string{"limiter"})
