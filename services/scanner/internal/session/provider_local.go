package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"dermascan/internal/util"
	"dermascan/pkg/auth"
	"dermascan/pkg/domain"
	"dermascan/services/scanner/internal/store"
)

// Limiter throttles login attempts per key.
type Limiter interface {
	Allow(key string) bool
}

// LocalProvider keeps a user registry in a record store. It is the fallback
// when no hosted auth provider is configured.
type LocalProvider struct {
	records store.RecordStore
	limiter Limiter

	mu sync.Mutex
}

type localAccount struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewLocalProvider builds a local provider; limiter may be nil.
func NewLocalProvider(records store.RecordStore, limiter Limiter) *LocalProvider {
	return &LocalProvider{records: records, limiter: limiter}
}

func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (Grant, error) {
	email = normalizeEmail(email)
	if p.limiter != nil && !p.limiter.Allow(email) {
		return Grant{}, newAuthError(ReasonGeneric, "too many login attempts, please try again later", nil)
	}
	var acct localAccount
	ok, err := p.records.Get(store.UserKey(email), &acct)
	if err != nil {
		return Grant{}, newAuthError(ReasonGeneric, ErrAuthFailed.Message, err)
	}
	if !ok || !auth.CheckPassword(password, acct.PasswordHash) {
		return Grant{}, ErrInvalidCredentials
	}
	return Grant{Identity: acct.identity()}, nil
}

func (p *LocalProvider) SignUp(ctx context.Context, name, email, password string) (Grant, error) {
	email = normalizeEmail(email)
	if local, domainPart, ok := strings.Cut(email, "@"); !ok || local == "" || !strings.Contains(domainPart, ".") {
		return Grant{}, newAuthError(ReasonGeneric, "invalid email address", nil)
	}
	if err := auth.ValidatePassword(password); err != nil {
		return Grant{}, newAuthError(ReasonWeakPassword, err.Error(), err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Grant{}, newAuthError(ReasonGeneric, ErrAuthFailed.Message, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var existing localAccount
	found, err := p.records.Get(store.UserKey(email), &existing)
	if err != nil && !errors.Is(err, store.ErrCorruptRecord) {
		return Grant{}, newAuthError(ReasonGeneric, ErrAuthFailed.Message, err)
	}
	if found {
		return Grant{}, ErrAlreadyRegistered
	}
	acct := localAccount{
		ID:           util.NewUUID(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.records.Put(store.UserKey(email), acct); err != nil {
		return Grant{}, newAuthError(ReasonGeneric, ErrAuthFailed.Message, err)
	}
	return Grant{Identity: acct.identity()}, nil
}

// Refresh is a no-op; local sessions carry no expiring tokens.
func (p *LocalProvider) Refresh(ctx context.Context, identity domain.Identity, tokens Tokens) (Grant, error) {
	return Grant{Identity: identity}, nil
}

func (p *LocalProvider) SignOut(ctx context.Context, tokens Tokens) error {
	return nil
}

func (a localAccount) identity() domain.Identity {
	return domain.Identity{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: domain.DisplayNameFor(a.Email, a.Name),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
