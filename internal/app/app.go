package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"myconnectionsvr/webhome/internal/audit"
	"myconnectionsvr/webhome/internal/auth"
	"myconnectionsvr/webhome/internal/bootstrap"
	"myconnectionsvr/webhome/internal/config"
	"myconnectionsvr/webhome/internal/health"
	"myconnectionsvr/webhome/internal/httpserver"
	"myconnectionsvr/webhome/internal/identity"
	"myconnectionsvr/webhome/internal/menus"
	"myconnectionsvr/webhome/internal/migrations"
	"myconnectionsvr/webhome/internal/observability"
	"myconnectionsvr/webhome/internal/redirect"
	"myconnectionsvr/webhome/internal/tenant"
)

const sessionSweepInterval = 15 * time.Minute

type App struct {
	cfg     config.Config
	log     *slog.Logger
	db      *sql.DB
	adminDB *sql.DB
	redis   *redis.Client
	sweeper *auth.PostgresSessionStore
	users   auth.UserStore
	authSvc *auth.Service
	server  *httpserver.Server
}

func New(cfg config.Config) (*App, error) {
	logger := observability.NewLogger(cfg.LogLevel)
	a := &App{cfg: cfg, log: logger}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// NewAccounts opens the stores and the auth service without the HTTP
// server, for tools that manage accounts. Callers must Close it.
func NewAccounts(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg, log: observability.NewLogger(cfg.LogLevel)}
	if err := a.initAuth(context.Background()); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) Auth() *auth.Service {
	return a.authSvc
}

func (a *App) Close() {
	a.close()
}

func (a *App) init() error {
	ctx := context.Background()
	cfg := a.cfg

	if err := a.initAuth(ctx); err != nil {
		return err
	}
	userStore, authService := a.users, a.authSvc

	var bootstrapper httpserver.Bootstrapper
	if cfg.Auth.Bootstrap.Enabled {
		if err := a.ensureUser(ctx, userStore, authService, auth.User{
			ID:        uuid.NewString(),
			Username:  cfg.Auth.Bootstrap.Username,
			Name:      "Bootstrap service account",
			Kind:      auth.KindInternal,
			Privilege: auth.PrivilegeRegular,
		}); err != nil {
			return fmt.Errorf("provision bootstrap account: %w", err)
		}
		verifier, err := bootstrap.NewVerifier(bootstrap.Config{
			Secret:   []byte(cfg.Auth.Bootstrap.Secret),
			Audience: cfg.Env,
			Username: cfg.Auth.Bootstrap.Username,
			Leeway:   30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("create bootstrap verifier: %w", err)
		}
		bootstrapper = bootstrap.NewAuthenticator(verifier, authService)
		a.log.Warn("bootstrap login enabled", "username", cfg.Auth.Bootstrap.Username)
	}

	tenants, err := a.tenantRegistry(ctx)
	if err != nil {
		return err
	}

	var prober httpserver.HealthProber
	if dsn := firstNonEmpty(cfg.AdminDatabaseURL, cfg.DatabaseURL); dsn != "" {
		prober, err = health.NewPostgresProber(dsn, 3*time.Second)
		if err != nil {
			return fmt.Errorf("create health prober: %w", err)
		}
	}

	menuSource, err := menus.NewFileSource(cfg.Web.MenusFile)
	if err != nil {
		return fmt.Errorf("load menus: %w", err)
	}

	paths := redirect.DefaultPaths()
	paths.AppRoot = cfg.Web.AppRoot

	var csrfKey []byte
	if cfg.Auth.CSRFKey != "" {
		csrfKey = []byte(cfg.Auth.CSRFKey)
	}

	a.server = httpserver.New(cfg.HTTP, httpserver.Deps{
		Sessions:        authService,
		Identities:      identity.NewResolver(userStore, cfg.Auth.IdentityCacheTTL),
		Tenants:         tenant.NewResolver(tenants, cfg.Web.DefaultTenant),
		Policy:          redirect.New(paths, redirect.NewGuard(cfg.Web.RedirectAllowPrefixes)),
		Bootstrap:       bootstrapper,
		Health:          prober,
		Menus:           menuSource,
		Audit:           audit.NewLogger(cfg.AuditLogFile, a.log),
		Logger:          a.log,
		CookieName:      cfg.Auth.CookieName,
		CookieSecure:    cfg.Auth.CookieSecure,
		CSRFKey:         csrfKey,
		SelectorPath:    cfg.Web.SelectorPath,
		RobotsAllow:     cfg.Web.RobotsAllow,
		FrontendDistDir: cfg.Web.FrontendDistDir,
	})
	return nil
}

// initAuth connects the database, applies migrations, opens the stores and
// makes sure the superuser exists.
func (a *App) initAuth(ctx context.Context) error {
	cfg := a.cfg
	if cfg.DatabaseURL != "" {
		db, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.db = db
		if err := a.migrate(ctx); err != nil {
			return err
		}
	}

	userStore, sessionStore, err := a.stores(ctx)
	if err != nil {
		return err
	}
	authService, err := auth.NewService(userStore, sessionStore, auth.ServiceConfig{
		PasswordPepper: cfg.Auth.PasswordPepper,
		SessionTTL:     cfg.Auth.SessionTTL,
		SuperuserID:    cfg.Auth.SuperuserID,
	})
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	if err := a.ensureUser(ctx, userStore, authService, auth.User{
		ID:        cfg.Auth.SuperuserID,
		Username:  cfg.Auth.SuperuserUsername,
		Name:      "System",
		Kind:      auth.KindInternal,
		Privilege: auth.PrivilegeSystem,
	}); err != nil {
		return fmt.Errorf("provision superuser: %w", err)
	}
	a.users, a.authSvc = userStore, authService
	return nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// migrate applies pending migrations and then confirms from the recorded
// state that none is left behind.
func (a *App) migrate(ctx context.Context) error {
	svc, err := migrations.NewService(ctx, nil, a.db)
	if err != nil {
		return fmt.Errorf("create migration service: %w", err)
	}
	applied, err := svc.Apply(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		a.log.Info("migrations applied", "names", applied)
	}

	status, err := svc.Status(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	for _, st := range status {
		if !st.Applied {
			return fmt.Errorf("migration %s still pending", st.Name)
		}
	}
	if n := len(status); n > 0 {
		a.log.Info("schema up to date", "latest", status[n-1].Name, "applied_at", status[n-1].AppliedAt, "count", n)
	}
	return nil
}

// stores picks the user and session stores: Postgres when a database is
// configured, JSON state files otherwise. Redis, when configured, takes
// over sessions from either.
func (a *App) stores(ctx context.Context) (auth.UserStore, auth.SessionStore, error) {
	var (
		users    auth.UserStore
		sessions auth.SessionStore
		err      error
	)
	if a.db != nil {
		if users, err = auth.NewPostgresUserStore(a.db); err != nil {
			return nil, nil, fmt.Errorf("create postgres user store: %w", err)
		}
		pgSessions, err := auth.NewPostgresSessionStore(a.db)
		if err != nil {
			return nil, nil, fmt.Errorf("create postgres session store: %w", err)
		}
		sessions = pgSessions
		a.sweeper = pgSessions
	} else {
		if users, err = auth.NewFileUserStore(a.cfg.Auth.UserStateFile); err != nil {
			return nil, nil, fmt.Errorf("create user store: %w", err)
		}
		if sessions, err = auth.NewFileSessionStore(a.cfg.Auth.SessionStateFile); err != nil {
			return nil, nil, fmt.Errorf("create session store: %w", err)
		}
	}

	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		redisSessions, err := auth.NewRedisSessionStore(a.redis, "webhome:session:")
		if err != nil {
			return nil, nil, fmt.Errorf("create redis session store: %w", err)
		}
		sessions = redisSessions
		a.sweeper = nil
	}
	return users, sessions, nil
}

// ensureUser creates u with an unusable password unless a user with the
// same username already exists.
func (a *App) ensureUser(ctx context.Context, store auth.UserStore, svc *auth.Service, u auth.User) error {
	_, err := store.GetByUsername(ctx, u.Username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, auth.ErrUserNotFound) {
		return err
	}
	if u.PasswordHash, err = svc.UnusablePasswordHash(); err != nil {
		return err
	}
	if err := store.Put(ctx, u); err != nil {
		return err
	}
	a.log.Info("auth user provisioned", "username", u.Username, "privilege", u.Privilege)
	return nil
}

func (a *App) tenantRegistry(ctx context.Context) (tenant.Registry, error) {
	if !a.cfg.Web.TenantsFromDatabase {
		return tenant.NewStaticRegistry(a.cfg.Web.Tenants), nil
	}
	db, err := openPostgres(ctx, a.cfg.AdminDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open admin database: %w", err)
	}
	a.adminDB = db
	reg, err := tenant.NewPostgresRegistry(db)
	if err != nil {
		return nil, fmt.Errorf("create tenant registry: %w", err)
	}
	return reg, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.sweeper != nil {
		go a.sweepSessions(ctx)
	}

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr, "env", a.cfg.Env)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

func (a *App) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.sweeper.DeleteExpired(ctx)
			if err != nil {
				a.log.Warn("sweep expired sessions", "error", err)
				continue
			}
			if n > 0 {
				a.log.Info("expired sessions removed", "count", n)
			}
		}
	}
}

func (a *App) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.adminDB != nil {
		_ = a.adminDB.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
