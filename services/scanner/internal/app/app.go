package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dermascan/internal/util"
	"dermascan/pkg/domain"
	"dermascan/services/scanner/internal/history"
	"dermascan/services/scanner/internal/scanclient"
	"dermascan/services/scanner/internal/session"
)

const identityLoadTimeout = 30 * time.Second

// RemoteClient is the analysis server API the app depends on.
type RemoteClient interface {
	Submitter
	history.Fetcher
	FetchProfile(ctx context.Context, identityID string) (*domain.ProfileAttributes, error)
	UpdateProfile(ctx context.Context, identityID string, update domain.ProfileUpdate) (domain.ProfileAttributes, error)
	Ping(ctx context.Context) bool
}

// Config holds runtime configuration for the core application.
type Config struct {
	Remote        RemoteClient
	Sessions      *session.Store
	RequireLogin  bool
	MaxImageBytes int64
	Logger        *slog.Logger
}

// App is the shared context: it owns the session, history cache and
// analysis workflow and keeps them consistent across identity changes.
type App struct {
	remote   RemoteClient
	sessions *session.Store
	history  *history.Cache
	workflow *Workflow
	logger   *slog.Logger

	unsubscribe func()
	loads       sync.WaitGroup

	mu           sync.Mutex
	profileOwner string
	profile      *domain.ProfileAttributes
}

func New(cfg Config) (*App, error) {
	if cfg.Remote == nil {
		return nil, errors.New("remote client is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := history.New(cfg.Remote, logger)
	a := &App{
		remote:   cfg.Remote,
		sessions: cfg.Sessions,
		history:  cache,
		logger:   logger,
		workflow: NewWorkflow(WorkflowConfig{
			Submitter:     cfg.Remote,
			Identity:      cfg.Sessions,
			History:       cache,
			RequireLogin:  cfg.RequireLogin,
			MaxImageBytes: cfg.MaxImageBytes,
			Logger:        logger,
		}),
	}
	a.unsubscribe = cfg.Sessions.OnIdentityChange(a.identityChanged)
	return a, nil
}

// Start restores the persisted session.
func (a *App) Start(ctx context.Context) error {
	return a.sessions.Restore(ctx)
}

func (a *App) Sessions() *session.Store {
	return a.sessions
}

func (a *App) Workflow() *Workflow {
	return a.workflow
}

func (a *App) Login(ctx context.Context, email, password string) (domain.Identity, error) {
	return a.sessions.Login(ctx, email, password)
}

func (a *App) Register(ctx context.Context, name, email, password string) (domain.Identity, error) {
	return a.sessions.Register(ctx, name, email, password)
}

func (a *App) Logout(ctx context.Context) error {
	return a.sessions.Logout(ctx)
}

func (a *App) Analyze(ctx context.Context, img scanclient.Image) (Outcome, error) {
	return a.workflow.Analyze(ctx, img)
}

// History returns the current identity's cached history.
func (a *App) History() history.View {
	return a.history.Snapshot()
}

// RefreshHistory reloads history for the current identity.
func (a *App) RefreshHistory(ctx context.Context) error {
	ident := a.sessions.Current()
	if ident == nil {
		return session.ErrNotLoggedIn
	}
	return a.history.Refresh(ctx, ident.ID)
}

func (a *App) Stats() domain.HistoryStats {
	return a.history.Stats()
}

// Profile returns the loaded server profile, or nil when none is known.
func (a *App) Profile() *domain.ProfileAttributes {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.profile == nil {
		return nil
	}
	p := *a.profile
	return &p
}

// UpdateProfile saves profile changes. The role is managed server-side and
// cannot be changed here.
func (a *App) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (domain.ProfileAttributes, error) {
	ident := a.sessions.Current()
	if ident == nil {
		return domain.ProfileAttributes{}, session.ErrNotLoggedIn
	}
	current := ident.Profile
	if p := a.Profile(); p != nil {
		current = *p
	}
	if update.Role != nil && strings.TrimSpace(*update.Role) != current.Role {
		return domain.ProfileAttributes{}, ErrRoleReadOnly
	}
	update.Role = nil
	if update.Empty() {
		return current, nil
	}

	attrs, err := a.remote.UpdateProfile(ctx, ident.ID, update)
	if err != nil {
		return domain.ProfileAttributes{}, fmt.Errorf("update profile: %w", err)
	}
	a.setProfile(ident.ID, attrs)
	if _, err := a.sessions.ApplyProfile(ident.ID, attrs); err != nil {
		a.logger.Warn("profile_apply_skipped", "user_id", ident.ID, "err", err)
	}
	return attrs, nil
}

// Health probes the analysis server.
func (a *App) Health(ctx context.Context) bool {
	return a.remote.Ping(ctx)
}

// Wait blocks until background loads and follow-up refreshes finish.
func (a *App) Wait() {
	a.loads.Wait()
	a.workflow.WaitFollowUps()
}

func (a *App) Close() {
	a.unsubscribe()
	a.sessions.Close()
	a.Wait()
}

// identityChanged runs synchronously inside the session store's
// notification, before the new identity is visible to any reader of the
// cache. Signing in again as the same identity keeps what is loaded and
// reloads it.
func (a *App) identityChanged(change session.Change) {
	id := ""
	if change.Current != nil {
		id = change.Current.ID
	}
	if change.Previous == nil || change.Previous.ID != id {
		a.history.Switch(id)
		a.mu.Lock()
		a.profileOwner = id
		a.profile = nil
		a.mu.Unlock()
	}
	a.logger.Info("identity_changed", "user_id", id, "reason", string(change.Reason))
	if id == "" {
		return
	}

	a.loads.Add(1)
	go func() {
		defer a.loads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), identityLoadTimeout)
		defer cancel()
		ctx, _ = util.EnsureRequestID(ctx)

		var g errgroup.Group
		g.Go(func() error {
			err := a.history.Refresh(ctx, id)
			if errors.Is(err, history.ErrStale) || errors.Is(err, history.ErrNotOwner) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			return a.loadProfile(ctx, id)
		})
		if err := g.Wait(); err != nil {
			util.LoggerFromContext(ctx).Warn("identity_load_failed", "user_id", id, "err", err)
		}
	}()
}

func (a *App) loadProfile(ctx context.Context, identityID string) error {
	profile, err := a.remote.FetchProfile(ctx, identityID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile == nil {
		return nil
	}
	if !a.setProfile(identityID, *profile) {
		return nil
	}
	if _, err := a.sessions.ApplyProfile(identityID, *profile); err != nil && !errors.Is(err, session.ErrNotLoggedIn) {
		return err
	}
	return nil
}

func (a *App) setProfile(identityID string, profile domain.ProfileAttributes) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.profileOwner != identityID {
		return false
	}
	a.profile = &profile
	return true
}
