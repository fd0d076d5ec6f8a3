package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"myconnectionsvr/webhome/internal/audit"
	"myconnectionsvr/webhome/internal/auth"
	"myconnectionsvr/webhome/internal/config"
	"myconnectionsvr/webhome/internal/identity"
	"myconnectionsvr/webhome/internal/menus"
	"myconnectionsvr/webhome/internal/redirect"
	"myconnectionsvr/webhome/internal/tenant"
)

type SessionService interface {
	NewSession(tenant string) auth.Session
	Lookup(ctx context.Context, id string) (auth.Session, error)
	Authenticate(ctx context.Context, tenant, username, password string) (auth.User, error)
	Login(ctx context.Context, prev auth.Session, user auth.User) (auth.Session, error)
	Check(ctx context.Context, sess auth.Session) error
	Touch(ctx context.Context, sess auth.Session) (auth.Session, error)
	Logout(ctx context.Context, sess auth.Session) error
	Become(ctx context.Context, sess auth.Session) (auth.Session, bool, error)
	ChangePassword(ctx context.Context, sess auth.Session, currentPassword, newPassword string) (auth.Session, error)
}

type IdentityResolver interface {
	Classify(ctx context.Context, userID string) (identity.Identity, error)
	Invalidate(userID string)
}

type TenantResolver interface {
	Resolve(ctx context.Context, requested, sessionTenant string) (tenant.Selection, error)
}

type Bootstrapper interface {
	Authenticate(ctx context.Context, token string) (auth.User, error)
}

type HealthProber interface {
	Probe(ctx context.Context) error
}

type MenuSource interface {
	For(ident identity.Identity) []menus.Item
	Version(ident identity.Identity) string
}

type AuditLogger interface {
	Record(e audit.Event) error
}

type Deps struct {
	Sessions   SessionService
	Identities IdentityResolver
	Tenants    TenantResolver
	Policy     *redirect.Policy
	Bootstrap  Bootstrapper
	Health     HealthProber
	Menus      MenuSource
	Audit      AuditLogger
	Logger     *slog.Logger

	CookieName      string
	CookieSecure    bool
	CSRFKey         []byte
	SelectorPath    string
	RobotsAllow     []string
	FrontendDistDir string
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	handler := NewHandler(deps)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      loggingMiddleware(deps.Logger, handler),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func NewHandler(deps Deps) http.Handler {
	if deps.Policy == nil {
		deps.Policy = redirect.New(redirect.DefaultPaths(), redirect.NewGuard([]string{redirect.DefaultPaths().AppRoot}))
	}
	if deps.CookieName == "" {
		deps.CookieName = "session_id"
	}
	if deps.SelectorPath == "" {
		deps.SelectorPath = deps.Policy.Paths().AppRoot + "/database/selector"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &controller{deps: deps, paths: deps.Policy.Paths()}
	appRoot := c.paths.AppRoot

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", c.handleHealth)
	mux.HandleFunc("GET "+appRoot+"/health", c.handleHealth)
	mux.HandleFunc("GET /robots.txt", c.handleRobots)
	registerStaticHandlers(mux, deps.FrontendDistDir)

	mux.HandleFunc("GET /{$}", c.handleRoot)
	mux.Handle("GET "+appRoot, c.csrf(http.HandlerFunc(c.handleAppRoot)))
	mux.Handle("GET "+appRoot+"/{$}", c.csrf(http.HandlerFunc(c.handleAppRoot)))
	mux.Handle(c.paths.Login, limitBody(maxFormBytes, c.csrf(http.HandlerFunc(c.handleLogin))))
	mux.HandleFunc("GET "+c.paths.LoginSuccessful, c.handleLoginSuccessful)
	mux.HandleFunc("GET "+c.paths.Apps, c.handleApps)
	mux.HandleFunc("GET /become", c.handleBecome)
	mux.HandleFunc("/logout", c.handleLogout)
	mux.HandleFunc("GET /menus/{token}", c.handleMenus)
	mux.Handle("POST /session/change-password", limitBody(maxFormBytes, c.csrf(http.HandlerFunc(c.handleChangePassword))))

	return mux
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// limitBody caps the request body before anything downstream, the CSRF
// check included, gets to parse it.
func limitBody(n int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, n)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.LogAttrs(r.Context(), slog.LevelInfo, "http request",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func auditReq(a AuditLogger, r *http.Request, actor, tenantName, action, target, outcome, detail string) {
	if a == nil {
		return
	}
	_ = a.Record(audit.Event{
		Actor:     actor,
		Tenant:    tenantName,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		RequestID: requestIDFromContext(r.Context()),
		ClientIP:  clientIP(r),
		Detail:    strings.TrimSpace(detail),
	})
}
