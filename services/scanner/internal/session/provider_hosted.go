package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"dermascan/pkg/domain"
	"dermascan/services/scanner/internal/authclient"
)

// HostedProvider authenticates against a GoTrue-compatible auth API.
type HostedProvider struct {
	client *authclient.Client
	now    func() time.Time
}

func NewHostedProvider(client *authclient.Client) *HostedProvider {
	return &HostedProvider{client: client, now: time.Now}
}

func (p *HostedProvider) SignIn(ctx context.Context, email, password string) (Grant, error) {
	sess, err := p.client.SignIn(ctx, email, password)
	if err != nil {
		return Grant{}, mapProviderError(err)
	}
	return p.grant(sess), nil
}

func (p *HostedProvider) SignUp(ctx context.Context, name, email, password string) (Grant, error) {
	name = strings.TrimSpace(name)
	meta := map[string]any{}
	if name != "" {
		meta["full_name"] = name
		meta["name"] = name
	}
	sess, user, err := p.client.SignUp(ctx, email, password, meta)
	if err != nil {
		return Grant{}, mapProviderError(err)
	}
	if sess == nil {
		return Grant{Identity: identityFromUser(user), PendingConfirmation: true}, nil
	}
	return p.grant(*sess), nil
}

func (p *HostedProvider) Refresh(ctx context.Context, identity domain.Identity, tokens Tokens) (Grant, error) {
	sess, err := p.client.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		return Grant{}, mapProviderError(err)
	}
	grant := p.grant(sess)
	if grant.Identity.ID == "" {
		grant.Identity = identity
	}
	return grant, nil
}

func (p *HostedProvider) SignOut(ctx context.Context, tokens Tokens) error {
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return nil
	}
	return p.client.SignOut(ctx, tokens.AccessToken)
}

func (p *HostedProvider) grant(sess authclient.Session) Grant {
	return Grant{
		Identity: identityFromUser(sess.User),
		Tokens: &Tokens{
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
			ExpiresAt:    sess.Expiry(p.now()),
		},
	}
}

func identityFromUser(u authclient.User) domain.Identity {
	return domain.Identity{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: domain.DisplayNameFor(u.Email, u.Metadata("full_name"), u.Metadata("name")),
	}
}

func mapProviderError(err error) error {
	var apiErr *authclient.APIError
	if !errors.As(err, &apiErr) {
		return newAuthError(ReasonGeneric, ErrAuthFailed.Message, err)
	}
	code := strings.ToLower(apiErr.Code)
	msg := strings.ToLower(apiErr.Message)
	switch {
	case code == "email_not_confirmed" || strings.Contains(msg, "not confirmed"):
		return newAuthError(ReasonPendingConfirmation, ErrPendingConfirmation.Message, err)
	case code == "invalid_credentials" || code == "invalid_grant" || strings.Contains(msg, "invalid login credentials"):
		return newAuthError(ReasonInvalidCredentials, ErrInvalidCredentials.Message, err)
	case code == "user_already_exists" || code == "email_exists" ||
		strings.Contains(msg, "already registered") || strings.Contains(msg, "already exists"):
		return newAuthError(ReasonAlreadyRegistered, ErrAlreadyRegistered.Message, err)
	case code == "weak_password" || strings.Contains(msg, "password"):
		return newAuthError(ReasonWeakPassword, apiErr.Message, err)
	case strings.Contains(msg, "email"):
		return newAuthError(ReasonGeneric, "invalid email address", err)
	case apiErr.Message != "":
		return newAuthError(ReasonGeneric, apiErr.Message, err)
	default:
		return newAuthError(ReasonGeneric, ErrAuthFailed.Message, err)
	}
}
