package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"dermascan/internal/ratelimit"
	"dermascan/internal/usertoken"
	"dermascan/internal/util"
	"dermascan/pkg/domain"
	"dermascan/services/scanner/internal/app"
	"dermascan/services/scanner/internal/authclient"
	"dermascan/services/scanner/internal/config"
	"dermascan/services/scanner/internal/scanclient"
	"dermascan/services/scanner/internal/session"
	"dermascan/services/scanner/internal/store"
)

const usage = `usage: scanner <command> [flags]

commands:
  login            -email -password
  register         -name -email -password
  logout
  whoami
  analyze <image>
  history
  profile
  profile-update   [-name] [-age] [-gender] [-skin-type] [-phone]
  health
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.Load(os.Getenv("SCANNER_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger, cmd string, args []string) error {
	requestTimeout, err := config.ParseDuration("requestTimeout", cfg.RequestTimeout)
	if err != nil {
		return err
	}
	refreshMargin, err := config.ParseDuration("sessionRefreshMargin", cfg.SessionRefreshMargin)
	if err != nil {
		return err
	}

	var (
		records store.RecordStore
		limiter session.Limiter
	)
	if cfg.RedisAddr != "" {
		redisStore := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		defer redisStore.Close()
		records = redisStore
		if cfg.LoginRateLimitPerMinute > 0 {
			prefix := strings.TrimSpace(cfg.RedisPrefix)
			if prefix == "" {
				prefix = "dermascan"
			}
			l, err := ratelimit.NewFixedWindowLimiter(redisStore.Client(), prefix+":ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
			if err != nil {
				return fmt.Errorf("init login limiter: %w", err)
			}
			limiter = l
		}
	} else {
		fileStore, err := store.NewFileStore(filepath.Clean(cfg.StateDir))
		if err != nil {
			return fmt.Errorf("init state dir: %w", err)
		}
		records = fileStore
	}

	var provider session.Provider
	if cfg.HostedAuth() {
		provider = session.NewHostedProvider(authclient.NewClient(cfg.AuthURL, cfg.AuthAPIKey))
	} else {
		logger.Info("hosted auth not configured, using local accounts")
		provider = session.NewLocalProvider(records, limiter)
	}

	var inspector usertoken.Inspector = usertoken.Unverified{}
	if cfg.AuthJWKSURL != "" {
		verifier, err := usertoken.NewVerifier(usertoken.Config{JWKSURL: cfg.AuthJWKSURL, Audience: cfg.AuthAudience})
		if err != nil {
			return fmt.Errorf("init token verifier: %w", err)
		}
		inspector = verifier
	}

	sessions, err := session.New(session.Config{
		Provider:      provider,
		Records:       records,
		Inspector:     inspector,
		RefreshMargin: refreshMargin,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	core, err := app.New(app.Config{
		Remote: scanclient.NewClient(scanclient.Config{
			BaseURL:         cfg.APIBaseURL,
			Timeout:         requestTimeout,
			MaxImageBytes:   cfg.MaxImageBytes,
			BreakerFailures: cfg.BreakerFailures,
		}),
		Sessions:      sessions,
		RequireLogin:  cfg.LoginRequired(),
		MaxImageBytes: cfg.MaxImageBytes,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer core.Close()

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	switch cmd {
	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		email := fs.String("email", "", "account email")
		password := fs.String("password", os.Getenv("SCANNER_PASSWORD"), "account password")
		_ = fs.Parse(args)
		ident, err := core.Login(ctx, *email, *password)
		if err != nil {
			return err
		}
		core.Wait()
		return printJSON(ident)
	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		name := fs.String("name", "", "display name")
		email := fs.String("email", "", "account email")
		password := fs.String("password", os.Getenv("SCANNER_PASSWORD"), "account password")
		_ = fs.Parse(args)
		ident, err := core.Register(ctx, *name, *email, *password)
		if err != nil {
			return err
		}
		core.Wait()
		return printJSON(ident)
	case "logout":
		return core.Logout(ctx)
	case "whoami":
		ident := core.Sessions().Current()
		if ident == nil {
			return session.ErrNotLoggedIn
		}
		return printJSON(ident)
	case "analyze":
		if len(args) != 1 {
			return errors.New("analyze: expected one image path")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		core.Workflow().OnTransition(func(from, to app.State) {
			logger.Debug("analysis_state", "from", string(from), "to", string(to))
		})
		outcome, err := core.Analyze(ctx, scanclient.Image{Filename: filepath.Base(args[0]), Data: data})
		if err != nil {
			return err
		}
		core.Wait()
		if outcome.SuggestRegister {
			fmt.Fprintln(os.Stderr, "Create an account to keep a history of your analyses.")
		}
		return printJSON(outcome)
	case "history":
		core.Wait()
		view := core.History()
		if view.Err != nil {
			return fmt.Errorf("load history: %w", view.Err)
		}
		return printJSON(struct {
			Entries []domain.HistoryEntry `json:"entries"`
			Stats   domain.HistoryStats   `json:"stats"`
		}{Entries: view.Entries, Stats: core.Stats()})
	case "profile":
		if core.Sessions().Current() == nil {
			return session.ErrNotLoggedIn
		}
		core.Wait()
		return printJSON(struct {
			Profile *domain.ProfileAttributes `json:"profile"`
			Stats   domain.HistoryStats       `json:"stats"`
		}{Profile: core.Profile(), Stats: core.Stats()})
	case "profile-update":
		update, err := parseProfileUpdate(args)
		if err != nil {
			return err
		}
		core.Wait()
		attrs, err := core.UpdateProfile(ctx, update)
		if err != nil {
			return err
		}
		return printJSON(attrs)
	case "health":
		if !core.Health(ctx) {
			return fmt.Errorf("analysis server at %s is unreachable", cfg.APIBaseURL)
		}
		fmt.Println("ok")
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseProfileUpdate(args []string) (domain.ProfileUpdate, error) {
	fs := flag.NewFlagSet("profile-update", flag.ExitOnError)
	name := fs.String("name", "", "full name")
	age := fs.Int("age", 0, "age in years (0 clears)")
	gender := fs.String("gender", "", "gender")
	skinType := fs.String("skin-type", "", "skin type")
	phone := fs.String("phone", "", "phone number")
	role := fs.String("role", "", "role (read-only)")
	if err := fs.Parse(args); err != nil {
		return domain.ProfileUpdate{}, err
	}

	var update domain.ProfileUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			update.FullName = name
		case "age":
			update.Age = age
		case "gender":
			update.Gender = gender
		case "skin-type":
			update.SkinType = skinType
		case "phone":
			update.Phone = phone
		case "role":
			update.Role = role
		}
	})
	if update.Empty() {
		return update, errors.New("profile-update: no fields given")
	}
	if update.Age != nil && *update.Age < 0 {
		return update, errors.New("profile-update: age must be >= 0")
	}
	return update, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
