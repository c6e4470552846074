package session

import (
	"context"
	"time"

	"dermascan/pkg/domain"
)

// Tokens is a provider-issued credential pair.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Grant is the outcome of a successful provider call. Tokens is nil for
// providers without expiring credentials.
type Grant struct {
	Identity            domain.Identity
	Tokens              *Tokens
	PendingConfirmation bool
}

// Provider authenticates users. Errors should be *AuthError.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (Grant, error)
	SignUp(ctx context.Context, name, email, password string) (Grant, error)
	Refresh(ctx context.Context, identity domain.Identity, tokens Tokens) (Grant, error)
	SignOut(ctx context.Context, tokens Tokens) error
}
