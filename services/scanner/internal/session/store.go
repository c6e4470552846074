package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"dermascan/internal/usertoken"
	"dermascan/pkg/domain"
	"dermascan/services/scanner/internal/store"
)

const (
	defaultRefreshMargin = 60 * time.Second
	defaultRetryInterval = 15 * time.Second
	refreshTimeout       = 15 * time.Second
)

var errSubjectMismatch = errors.New("token subject does not match session")

// ChangeReason says why the identity changed.
type ChangeReason string

const (
	ChangeRestore  ChangeReason = "restore"
	ChangeLogin    ChangeReason = "login"
	ChangeRegister ChangeReason = "register"
	ChangeLogout   ChangeReason = "logout"
	ChangeExpired  ChangeReason = "expired"
)

// Change is delivered to identity-change handlers. Nil means logged out.
// Previous and Current carry the same ID when a user signs in again.
type Change struct {
	Previous *domain.Identity
	Current  *domain.Identity
	Reason   ChangeReason
}

// Handler observes identity changes. Handlers run synchronously and one at a
// time; they may read the Store but must not log in or out from inside the
// callback.
type Handler func(Change)

// Config configures a Store.
type Config struct {
	Provider      Provider
	Records       store.RecordStore
	Inspector     usertoken.Inspector
	RefreshMargin time.Duration
	RetryInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Store owns the current identity and its persisted record.
type Store struct {
	provider  Provider
	records   store.RecordStore
	inspector usertoken.Inspector
	margin    time.Duration
	retry     time.Duration
	now       func() time.Time
	logger    *slog.Logger

	restoreOnce sync.Once

	// notifyMu serializes state transitions together with their notifications.
	notifyMu sync.Mutex

	mu       sync.Mutex
	identity *domain.Identity
	tokens   *Tokens
	loading  bool
	closed   bool
	epoch    uint64
	timer    *time.Timer

	handlersMu  sync.Mutex
	handlers    map[uint64]Handler
	nextHandler uint64
}

type record struct {
	Identity domain.Identity `json:"identity"`
	Tokens   *Tokens         `json:"tokens,omitempty"`
}

// New builds a Store. Call Restore once before use.
func New(cfg Config) (*Store, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session provider is required")
	}
	if cfg.Records == nil {
		return nil, errors.New("session record store is required")
	}
	s := &Store{
		provider:  cfg.Provider,
		records:   cfg.Records,
		inspector: cfg.Inspector,
		margin:    cfg.RefreshMargin,
		retry:     cfg.RetryInterval,
		now:       cfg.Now,
		logger:    cfg.Logger,
		loading:   true,
		handlers:  make(map[uint64]Handler),
	}
	if s.inspector == nil {
		s.inspector = usertoken.Unverified{}
	}
	if s.margin <= 0 {
		s.margin = defaultRefreshMargin
	}
	if s.retry <= 0 {
		s.retry = defaultRetryInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Loading reports whether the initial restore is still running.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Current returns a copy of the current identity, or nil when logged out.
func (s *Store) Current() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneIdentity(s.identity)
}

// OnIdentityChange registers h and returns a func that removes it.
func (s *Store) OnIdentityChange(h Handler) func() {
	s.handlersMu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = h
	s.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.handlersMu.Lock()
			delete(s.handlers, id)
			s.handlersMu.Unlock()
		})
	}
}

// Restore loads the persisted session. Only the first call does any work.
func (s *Store) Restore(ctx context.Context) error {
	var err error
	s.restoreOnce.Do(func() {
		err = s.restore(ctx)
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	})
	return err
}

func (s *Store) restore(ctx context.Context) error {
	var rec record
	ok, err := s.records.Get(store.KeyCurrentSession, &rec)
	if err != nil {
		if errors.Is(err, store.ErrCorruptRecord) {
			s.logger.Warn("session_record_discarded", "err", err)
			s.discardRecord()
			return nil
		}
		return fmt.Errorf("read session: %w", err)
	}
	if !ok || strings.TrimSpace(rec.Identity.ID) == "" {
		return nil
	}
	if rec.Tokens != nil {
		tokens, err := s.revalidate(ctx, rec)
		if err != nil {
			s.logger.Warn("session_restore_failed", "user_id", rec.Identity.ID, "err", err)
			s.discardRecord()
			return nil
		}
		rec.Tokens = tokens
	}
	s.commit(rec, ChangeRestore)
	s.logger.Info("session_restored", "user_id", rec.Identity.ID)
	return nil
}

// revalidate checks a persisted token against its record and refreshes it
// when it is expired or about to expire.
func (s *Store) revalidate(ctx context.Context, rec record) (*Tokens, error) {
	tokens := *rec.Tokens
	claims, err := s.inspector.Inspect(tokens.AccessToken)
	switch {
	case err == nil:
		if claims.Subject != rec.Identity.ID {
			return nil, errSubjectMismatch
		}
		if !claims.ExpiresAt.IsZero() {
			tokens.ExpiresAt = claims.ExpiresAt
		}
	case errors.Is(err, jwt.ErrTokenExpired):
		tokens.ExpiresAt = s.now()
	default:
		return nil, err
	}

	if tokens.ExpiresAt.IsZero() || s.now().Add(s.margin).Before(tokens.ExpiresAt) {
		return &tokens, nil
	}
	if tokens.RefreshToken == "" {
		return nil, errors.New("session expired")
	}
	grant, err := s.provider.Refresh(ctx, rec.Identity, tokens)
	if err != nil {
		if s.now().Before(tokens.ExpiresAt) {
			return &tokens, nil
		}
		return nil, err
	}
	if grant.Identity.ID != rec.Identity.ID {
		return nil, errSubjectMismatch
	}
	if grant.Tokens == nil {
		return nil, errors.New("refresh returned no tokens")
	}
	return grant.Tokens, nil
}

// Login authenticates and makes the result the current identity.
func (s *Store) Login(ctx context.Context, email, password string) (domain.Identity, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return domain.Identity{}, newAuthError(ReasonInvalidCredentials, "please enter your email and password", nil)
	}
	grant, err := s.provider.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return domain.Identity{}, asAuthError(err)
	}
	s.commit(record{Identity: grant.Identity, Tokens: grant.Tokens}, ChangeLogin)
	s.logger.Info("login", "user_id", grant.Identity.ID)
	return grant.Identity, nil
}

// Register creates an account. When the provider requires email
// confirmation the store stays logged out and ErrPendingConfirmation is
// returned.
func (s *Store) Register(ctx context.Context, name, email, password string) (domain.Identity, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return domain.Identity{}, newAuthError(ReasonGeneric, "please enter your email and password", nil)
	}
	grant, err := s.provider.SignUp(ctx, name, strings.TrimSpace(email), password)
	if err != nil {
		return domain.Identity{}, asAuthError(err)
	}
	if grant.PendingConfirmation {
		s.logger.Info("register_pending_confirmation", "user_id", grant.Identity.ID)
		return domain.Identity{}, ErrPendingConfirmation
	}
	s.commit(record{Identity: grant.Identity, Tokens: grant.Tokens}, ChangeRegister)
	s.logger.Info("register", "user_id", grant.Identity.ID)
	return grant.Identity, nil
}

// Logout signs out with the provider (best effort), clears the identity,
// notifies subscribers, then deletes the persisted record.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()
	if tokens != nil {
		if err := s.provider.SignOut(ctx, *tokens); err != nil {
			s.logger.Warn("provider_sign_out_failed", "err", err)
		}
	}
	return s.clear(ChangeLogout, 0, false)
}

// ApplyProfile stores updated profile attributes on the current identity.
// It returns ErrNotLoggedIn if identityID is no longer current.
func (s *Store) ApplyProfile(identityID string, profile domain.ProfileAttributes) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil || s.identity.ID != identityID {
		return domain.Identity{}, ErrNotLoggedIn
	}
	ident := *s.identity
	ident.Profile = profile
	ident.DisplayName = domain.DisplayNameFor(ident.Email, profile.FullName, ident.DisplayName)
	s.identity = &ident
	if err := s.records.Put(store.KeyCurrentSession, record{Identity: ident, Tokens: s.tokens}); err != nil {
		s.logger.Warn("session_persist_failed", "user_id", ident.ID, "err", err)
	}
	return ident, nil
}

// Close stops background refresh and drops all subscribers.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.epoch++
	s.stopTimerLocked()
	s.mu.Unlock()

	s.handlersMu.Lock()
	s.handlers = make(map[uint64]Handler)
	s.handlersMu.Unlock()
}

func (s *Store) commit(rec record, reason ChangeReason) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.identity
	if prev != nil && prev.ID == rec.Identity.ID && rec.Identity.Profile == (domain.ProfileAttributes{}) {
		rec.Identity.Profile = prev.Profile
		rec.Identity.DisplayName = prev.DisplayName
	}
	ident := rec.Identity
	s.identity = &ident
	s.tokens = rec.Tokens
	s.epoch++
	if err := s.records.Put(store.KeyCurrentSession, rec); err != nil {
		s.logger.Warn("session_persist_failed", "user_id", ident.ID, "err", err)
	}
	s.scheduleLocked()
	s.mu.Unlock()

	// A fresh sign-in notifies even for the same identity so subscribers reload.
	if prev == nil || prev.ID != ident.ID || reason == ChangeLogin || reason == ChangeRegister {
		s.dispatch(Change{Previous: cloneIdentity(prev), Current: cloneIdentity(&ident), Reason: reason})
	}
}

// clear logs out. When checkEpoch is set the clear only applies if no other
// transition happened since epoch was observed.
func (s *Store) clear(reason ChangeReason, epoch uint64, checkEpoch bool) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if checkEpoch && epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	prev := s.identity
	s.identity = nil
	s.tokens = nil
	s.epoch++
	s.stopTimerLocked()
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("session_cleared", "user_id", prev.ID, "reason", string(reason))
		s.dispatch(Change{Previous: cloneIdentity(prev), Reason: reason})
	}
	if err := s.records.Delete(store.KeyCurrentSession); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) discardRecord() {
	if err := s.records.Delete(store.KeyCurrentSession); err != nil {
		s.logger.Warn("session_record_delete_failed", "err", err)
	}
}

func (s *Store) dispatch(change Change) {
	s.handlersMu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for id := uint64(0); id < s.nextHandler; id++ {
		if h, ok := s.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	s.handlersMu.Unlock()
	for _, h := range handlers {
		h(change)
	}
}

func (s *Store) scheduleLocked() {
	s.stopTimerLocked()
	if s.closed || s.identity == nil || s.tokens == nil || s.tokens.ExpiresAt.IsZero() {
		return
	}
	delay := s.tokens.ExpiresAt.Add(-s.margin).Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	epoch := s.epoch
	s.timer = time.AfterFunc(delay, func() { s.refreshDue(epoch) })
}

func (s *Store) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Store) refreshDue(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || s.identity == nil || s.tokens == nil {
		s.mu.Unlock()
		return
	}
	ident := *s.identity
	tokens := *s.tokens
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	grant, err := s.provider.Refresh(ctx, ident, tokens)
	cancel()

	if err == nil && grant.Tokens != nil {
		s.mu.Lock()
		if epoch == s.epoch {
			s.tokens = grant.Tokens
			s.epoch++
			if err := s.records.Put(store.KeyCurrentSession, record{Identity: ident, Tokens: grant.Tokens}); err != nil {
				s.logger.Warn("session_persist_failed", "user_id", ident.ID, "err", err)
			}
			s.scheduleLocked()
		}
		s.mu.Unlock()
		s.logger.Info("session_refreshed", "user_id", ident.ID)
		return
	}
	if err == nil {
		err = errors.New("refresh returned no tokens")
	}

	if s.now().Before(tokens.ExpiresAt) {
		s.logger.Warn("session_refresh_retry", "user_id", ident.ID, "err", err)
		s.mu.Lock()
		if epoch == s.epoch && !s.closed {
			s.stopTimerLocked()
			s.timer = time.AfterFunc(s.retry, func() { s.refreshDue(epoch) })
		}
		s.mu.Unlock()
		return
	}
	s.logger.Warn("session_expired", "user_id", ident.ID, "err", err)
	if err := s.clear(ChangeExpired, epoch, true); err != nil {
		s.logger.Warn("session_record_delete_failed", "err", err)
	}
}

func cloneIdentity(ident *domain.Identity) *domain.Identity {
	if ident == nil {
		return nil
	}
	c := *ident
	if ident.Profile.Age != nil {
		age := *ident.Profile.Age
		c.Profile.Age = &age
	}
	return &c
}
