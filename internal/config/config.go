package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	defaultPepper  = "change-me-in-production"
	minSecretBytes = 32
)

type Config struct {
	Env              string
	LogLevel         string
	HTTP             HTTPConfig
	DatabaseURL      string
	AdminDatabaseURL string
	RedisURL         string
	Auth             AuthConfig
	Web              WebConfig
	AuditLogFile     string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	PasswordPepper    string
	SessionTTL        time.Duration
	SessionStateFile  string
	UserStateFile     string
	CookieName        string
	CookieSecure      bool
	CSRFKey           string
	SuperuserID       string
	SuperuserUsername string
	IdentityCacheTTL  time.Duration
	Bootstrap         BootstrapConfig
}

type BootstrapConfig struct {
	Enabled  bool
	Secret   string
	Username string
}

type WebConfig struct {
	AppRoot               string
	SelectorPath          string
	Tenants               []string
	TenantsFromDatabase   bool
	DefaultTenant         string
	RedirectAllowPrefixes []string
	RobotsAllow           []string
	MenusFile             string
	FrontendDistDir       string
}

func (c Config) Production() bool {
	return c.Env == EnvProduction
}

// Load reads configuration from the environment. Outside production a .env
// file (ENV_FILE, default ./.env) fills in variables that are not already set.
func Load() (Config, error) {
	if strings.ToLower(getEnv("APP_ENV", "development")) != EnvProduction {
		if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	env := strings.ToLower(getEnv("APP_ENV", "development"))
	appRoot := getEnv("WEB_APP_ROOT", "/web")
	cfg := Config{
		Env:      env,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:     time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", 10)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", 15)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SEC", 20)) * time.Second,
		},
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		AdminDatabaseURL: getEnv("ADMIN_DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		Auth: AuthConfig{
			PasswordPepper:    getEnv("AUTH_PASSWORD_PEPPER", defaultPepper),
			SessionTTL:        time.Duration(getEnvInt("AUTH_SESSION_TTL_SEC", 7*24*3600)) * time.Second,
			SessionStateFile:  getEnv("AUTH_SESSION_STATE_FILE", "./data/auth_sessions.json"),
			UserStateFile:     getEnv("AUTH_USER_STATE_FILE", "./data/auth_users.json"),
			CookieName:        getEnv("AUTH_COOKIE_NAME", "session_id"),
			CookieSecure:      getEnvBool("AUTH_COOKIE_SECURE", env == EnvProduction),
			CSRFKey:           getEnv("AUTH_CSRF_KEY", ""),
			SuperuserID:       getEnv("AUTH_SUPERUSER_ID", "superuser"),
			SuperuserUsername: getEnv("AUTH_SUPERUSER_USERNAME", "__system__"),
			IdentityCacheTTL:  time.Duration(getEnvInt("AUTH_IDENTITY_CACHE_TTL_SEC", 60)) * time.Second,
			Bootstrap: BootstrapConfig{
				Enabled:  getEnvBool("AUTH_BOOTSTRAP_ENABLED", false),
				Secret:   getEnv("AUTH_BOOTSTRAP_SECRET", ""),
				Username: getEnv("AUTH_BOOTSTRAP_USERNAME", "svc-bootstrap"),
			},
		},
		Web: WebConfig{
			AppRoot:               appRoot,
			SelectorPath:          getEnv("WEB_DATABASE_SELECTOR_PATH", appRoot+"/database/selector"),
			Tenants:               getEnvList("WEB_TENANTS", []string{"main"}),
			TenantsFromDatabase:   getEnvBool("WEB_TENANTS_FROM_DATABASE", false),
			DefaultTenant:         getEnv("WEB_DEFAULT_TENANT", ""),
			RedirectAllowPrefixes: getEnvList("WEB_REDIRECT_ALLOW_PREFIXES", []string{appRoot, "/apps", "/login-successful", "/menus"}),
			RobotsAllow:           getEnvList("WEB_ROBOTS_ALLOW", nil),
			MenusFile:             getEnv("WEB_MENUS_FILE", ""),
			FrontendDistDir:       getEnv("FRONTEND_DIST_DIR", "./web/dist"),
		},
		AuditLogFile: getEnv("AUDIT_LOG_FILE", "./data/audit.log"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if c.Auth.PasswordPepper == "" {
		return fmt.Errorf("AUTH_PASSWORD_PEPPER must not be empty")
	}
	if c.Production() && c.Auth.PasswordPepper == defaultPepper {
		return fmt.Errorf("AUTH_PASSWORD_PEPPER must be set in production")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("AUTH_SESSION_TTL_SEC must be > 0")
	}
	if c.Auth.IdentityCacheTTL < 0 {
		return fmt.Errorf("AUTH_IDENTITY_CACHE_TTL_SEC must be >= 0")
	}
	if c.DatabaseURL == "" {
		if c.Auth.SessionStateFile == "" {
			return fmt.Errorf("AUTH_SESSION_STATE_FILE must not be empty")
		}
		if c.Auth.UserStateFile == "" {
			return fmt.Errorf("AUTH_USER_STATE_FILE must not be empty")
		}
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("AUTH_COOKIE_NAME must not be empty")
	}
	if c.Auth.CSRFKey != "" && len(c.Auth.CSRFKey) < minSecretBytes {
		return fmt.Errorf("AUTH_CSRF_KEY must be at least %d bytes", minSecretBytes)
	}
	if c.Auth.SuperuserID == "" || c.Auth.SuperuserUsername == "" {
		return fmt.Errorf("AUTH_SUPERUSER_ID and AUTH_SUPERUSER_USERNAME must not be empty")
	}
	if c.Auth.Bootstrap.Enabled {
		if c.Production() {
			return fmt.Errorf("AUTH_BOOTSTRAP_ENABLED is not allowed in production")
		}
		if len(c.Auth.Bootstrap.Secret) < minSecretBytes {
			return fmt.Errorf("AUTH_BOOTSTRAP_SECRET must be at least %d bytes", minSecretBytes)
		}
		if c.Auth.Bootstrap.Username == "" {
			return fmt.Errorf("AUTH_BOOTSTRAP_USERNAME must not be empty")
		}
	}
	if !strings.HasPrefix(c.Web.AppRoot, "/") || c.Web.AppRoot == "/" {
		return fmt.Errorf("WEB_APP_ROOT must be an absolute path other than /")
	}
	if !strings.HasPrefix(c.Web.SelectorPath, "/") {
		return fmt.Errorf("WEB_DATABASE_SELECTOR_PATH must be an absolute path")
	}
	if c.Web.TenantsFromDatabase && c.AdminDatabaseURL == "" {
		return fmt.Errorf("WEB_TENANTS_FROM_DATABASE requires ADMIN_DATABASE_URL")
	}
	for _, p := range c.Web.RedirectAllowPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("WEB_REDIRECT_ALLOW_PREFIXES entries must start with /: %q", p)
		}
	}
	if c.Web.FrontendDistDir == "" {
		return fmt.Errorf("FRONTEND_DIST_DIR must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
