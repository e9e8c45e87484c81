package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/shelfguard/api"
	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/config"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/identity/firebase"
	idmemory "github.com/jmcleod/shelfguard/identity/memory"
	"github.com/jmcleod/shelfguard/internal/jobs"
	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/notify"
	"github.com/jmcleod/shelfguard/passchange"
	"github.com/jmcleod/shelfguard/ratelimit"
	"github.com/jmcleod/shelfguard/session"
	"github.com/jmcleod/shelfguard/storage"
	bboltstorage "github.com/jmcleod/shelfguard/storage/bbolt"
	"github.com/jmcleod/shelfguard/storage/memory"
	"github.com/jmcleod/shelfguard/storage/postgres"
	redisstorage "github.com/jmcleod/shelfguard/storage/redis"
	"github.com/jmcleod/shelfguard/token"
)

// app is a fully wired control plane.
type app struct {
	handler   http.Handler
	scheduler *jobs.Scheduler
	closers   []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// buildApp wires every component from cfg. On error, anything already
// opened is closed.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	out := &app{}
	defer func() {
		if err != nil {
			out.Close()
		}
	}()

	repo, closeRepo, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	out.closers = append(out.closers, closeRepo)

	kr, err := keyring.New(cfg.SecretBytes())
	if err != nil {
		return nil, fmt.Errorf("building keyring: %w", err)
	}

	verifier, directory, err := openIdentity(ctx, cfg.Identity, logger)
	if err != nil {
		return nil, err
	}

	auditOpts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithAlerts(audit.NewAlerts(cfg.Audit.Alerts, func(ev audit.AlertEvent) {
			logger.Warn("security alert",
				"component", "alerts",
				"type", ev.Type,
				"message", ev.Message,
				"count", ev.Count,
				"threshold", ev.Threshold,
			)
		})),
	}
	if cfg.Audit.WebhookURL != "" {
		auditOpts = append(auditOpts, audit.WithWebhook(audit.NewWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader, logger)))
	}
	auditLog := audit.New(repo, auditOpts...)
	out.closers = append(out.closers, auditLog.Close)

	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	limOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	for action, p := range policies {
		limOpts = append(limOpts, ratelimit.WithPolicy(action, p))
	}
	limiter := ratelimit.New(repo, limOpts...)

	binding, err := session.ParseBinding(cfg.Security.IPBinding)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(repo, kr, verifier, directory,
		session.WithTTL(cfg.Security.SessionTTL),
		session.WithIdleTimeout(cfg.Security.SessionIdleTimeout),
		session.WithBinding(binding),
		session.WithClaimsRecheckInterval(cfg.Security.ClaimsRecheckInterval),
		session.WithLogger(logger),
	)

	var mailer notify.Mailer = notify.NewLogMailer(logger)
	if cfg.Mail.WebhookURL != "" {
		mailer = notify.NewWebhookMailer(cfg.Mail.WebhookURL, cfg.Mail.AuthHeader, cfg.Mail.From, logger)
	}
	orch := passchange.New(repo, kr, directory, sessions, limiter, auditLog,
		passchange.WithMailer(mailer),
		passchange.WithRequestTTL(cfg.Security.PasswordRequestTTL),
		passchange.WithLogger(logger),
	)

	resolver, err := session.NewClientIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a := api.New(api.Deps{
		Sessions:   sessions,
		Verifier:   verifier,
		Directory:  directory,
		CSRF:       token.NewCodec(kr, keyring.PurposeCSRF, cfg.Security.CSRFMaxAge),
		Limiter:    limiter,
		Audit:      auditLog,
		PassChange: orch,
		Resolver:   resolver,
	},
		api.WithLogger(logger),
		api.WithProduction(cfg.Server.Production),
		api.WithSameSite(cfg.Security.SameSite),
		api.WithStreamPollInterval(cfg.Security.StreamPollInterval),
		api.WithIdentityOrigins(cfg.Security.ConnectOrigins...),
	)
	out.handler = a.Handler()

	out.scheduler, err = jobs.New(cfg.Jobs.SweepSchedule, []jobs.Task{
		{Name: "sessions", Run: sessions.Sweep},
		{Name: "rate_limits", Run: limiter.Sweep},
		{Name: "password_requests", Run: orch.ExpireStale},
	}, jobs.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Repository, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), func() {}, nil
	case config.DriverBbolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewRepositoryFromFile(cfg.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case config.DriverPostgres:
		s, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return s, s.Close, nil
	case config.DriverRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		s := redisstorage.NewRepository(rdb, cfg.RedisPrefix)
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func openIdentity(ctx context.Context, cfg config.IdentityConfig, logger *slog.Logger) (identity.Verifier, identity.Directory, error) {
	switch cfg.Provider {
	case config.ProviderFirebase:
		var creds []byte
		if cfg.CredentialsFile != "" {
			b, err := os.ReadFile(cfg.CredentialsFile)
			if err != nil {
				return nil, nil, fmt.Errorf("reading identity credentials: %w", err)
			}
			creds = b
		}
		dir, err := firebase.NewDirectory(ctx, cfg.ProjectID, creds)
		if err != nil {
			return nil, nil, err
		}
		return firebase.NewVerifier(cfg.ProjectID), dir, nil
	case config.ProviderMemory:
		p := idmemory.New()
		for _, u := range cfg.Users {
			err := p.AddUser(idmemory.UserSpec{
				UID:      u.UID,
				Email:    u.Email,
				Password: u.Password,
				Claims: identity.CustomClaims{
					Admin:       u.Admin,
					SuperAdmin:  u.SuperAdmin,
					Role:        u.Role,
					Permissions: u.Permissions,
				},
			})
			if err != nil {
				return nil, nil, fmt.Errorf("bootstrap user %s: %w", u.UID, err)
			}
		}
		logger.Warn("using in-memory identity provider; accounts are lost on restart",
			"component", "identity", "users", len(cfg.Users))
		return p, p, nil
	default:
		return nil, nil, errors.New("unknown identity provider " + cfg.Provider)
	}
}
