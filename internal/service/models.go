package service

import (
	"time"

	"github.com/smallbiznis/pantry-auth/internal/domain"
)

// AuthTokensWithUser bundles a token pair with the user profile it was issued for.
type AuthTokensWithUser struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	User         UserViewModel `json:"user"`
}

// UserViewModel represents lightweight user profile data returned to clients.
type UserViewModel struct {
	ID                  int64      `json:"id,string"`
	Email               string     `json:"email"`
	Name                string     `json:"name,omitempty"`
	AvatarURL           string     `json:"avatar_url,omitempty"`
	HouseholdID         *int64     `json:"household_id,omitempty,string"`
	Role                string     `json:"role"`
	Status              string     `json:"status"`
	DeletionScheduledAt *time.Time `json:"deletion_scheduled_at,omitempty"`
}

// NewUserViewModel projects a domain user for API responses.
func NewUserViewModel(user domain.User) UserViewModel {
	return UserViewModel{
		ID:                  user.ID,
		Email:               user.Email,
		Name:                user.Name,
		AvatarURL:           user.AvatarURL,
		HouseholdID:         user.HouseholdID,
		Role:                user.Role,
		Status:              string(user.Status),
		DeletionScheduledAt: user.DeletionScheduledAt,
	}
}

// NewAuthTokensWithUser combines pair and user into the login response.
func NewAuthTokensWithUser(pair domain.TokenPair, user domain.User) *AuthTokensWithUser {
	return &AuthTokensWithUser{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		User:         NewUserViewModel(user),
	}
}

// SessionView describes one active refresh token without exposing it.
type SessionView struct {
	ID        int64     `json:"id,string"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewSessionViews projects refresh tokens for the sessions endpoint.
func NewSessionViews(tokens []domain.RefreshToken) []SessionView {
	out := make([]SessionView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, SessionView{ID: t.ID, UserAgent: t.UserAgent, CreatedAt: t.CreatedAt, ExpiresAt: t.ExpiresAt})
	}
	return out
}
