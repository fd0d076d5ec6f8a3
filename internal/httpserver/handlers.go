package httpserver

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"myconnectionsvr/webhome/internal/audit"
	"myconnectionsvr/webhome/internal/auth"
	"myconnectionsvr/webhome/internal/menus"
	"myconnectionsvr/webhome/internal/redirect"
)

const (
	msgWrongCredentials = "Wrong login/password"
	msgAccessDenied     = "Only employees can access this database. Please contact the administrator."
	msgLoginUnavailable = "Login is temporarily unavailable, please try again later."

	maxFormBytes = 64 << 10
)

func (c *controller) handleRoot(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.prepare(w, r)
	if !ok {
		return
	}
	d := c.deps.Policy.Decide(rc.input(redirect.RouteRoot))
	c.act(w, r, rc, d, nil)
}

func (c *controller) handleAppRoot(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.prepare(w, r)
	if !ok {
		return
	}
	c.tryBootstrap(w, r, rc)

	d := c.deps.Policy.Decide(rc.input(redirect.RouteAppRoot))
	c.act(w, r, rc, d, func() {
		c.touch(r.Context(), w, rc)
		p := newPage(r, rc.Tenant)
		p.Tenant = rc.Tenant
		p.UserName = rc.State.Identity.Name
		p.System = rc.State.Identity.System()
		p.AppRoot = c.paths.AppRoot
		if c.deps.Menus != nil {
			p.MenusURL = "/menus/" + c.deps.Menus.Version(rc.State.Identity)
		}
		w.Header().Set("X-Frame-Options", "DENY")
		render(w, c.deps.Logger, http.StatusOK, viewApp, p)
	})
}

func (c *controller) handleApps(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.requireUser(w, r, true)
	if !ok {
		return
	}
	if !rc.State.Identity.Internal() {
		c.redirect(w, r, c.loginURL(url.Values{"error": {"access"}}))
		return
	}
	c.touch(r.Context(), w, rc)

	p := newPage(r, "Apps")
	p.Tenant = rc.Tenant
	p.UserName = rc.State.Identity.Name
	p.AppRoot = c.paths.AppRoot
	p.LogoutURL = "/logout"
	if c.deps.Menus != nil {
		p.Menus = c.deps.Menus.For(rc.State.Identity)
	}
	render(w, c.deps.Logger, http.StatusOK, viewApps, p)
}

func (c *controller) handleLoginSuccessful(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.requireUser(w, r, false)
	if !ok {
		return
	}
	c.touch(r.Context(), w, rc)

	p := newPage(r, "Welcome")
	p.Tenant = rc.Tenant
	p.UserName = rc.State.Identity.Name
	p.LogoutURL = "/logout"
	render(w, c.deps.Logger, http.StatusOK, viewLoginSuccessful, p)
}

// requireUser prepares the request and insists on a valid, unexpired
// session, redirecting to the login form otherwise.
func (c *controller) requireUser(w http.ResponseWriter, r *http.Request, allowBootstrap bool) (*RequestContext, bool) {
	rc, ok := c.prepare(w, r)
	if !ok {
		return nil, false
	}
	if allowBootstrap {
		c.tryBootstrap(w, r, rc)
	}
	if !rc.State.Valid {
		c.redirect(w, r, c.loginURL(url.Values{"redirect": {r.URL.RequestURI()}}))
		return nil, false
	}
	if rc.State.Expired {
		c.expire(w, r, rc)
		return nil, false
	}
	return rc, true
}

func (c *controller) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		c.loginForm(w, r)
	case http.MethodPost:
		c.loginSubmit(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *controller) loginForm(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.prepare(w, r)
	if !ok {
		return
	}
	d := c.deps.Policy.Decide(rc.input(redirect.RouteLogin))
	c.act(w, r, rc, d, func() {
		p := c.loginPage(r, rc)
		if rc.Query.Get("error") == "access" {
			p.Error = msgAccessDenied
		}
		c.renderLogin(w, http.StatusOK, p)
	})
}

func (c *controller) loginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	rc, ok := c.prepare(w, r)
	if !ok {
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("login"))
	password := r.PostForm.Get("password")
	target := r.PostForm.Get("redirect")
	if target == "" {
		target = rc.Query.Get("redirect")
	}

	p := c.loginPage(r, rc)
	p.Login = username
	p.Redirect = target

	user, err := c.deps.Sessions.Authenticate(r.Context(), rc.Tenant, username, password)
	if err != nil {
		if errors.Is(err, auth.ErrAccessDenied) {
			auditReq(c.deps.Audit, r, username, rc.Tenant, audit.ActionLogin, "", audit.OutcomeFailure, "invalid credentials")
			p.Error = msgWrongCredentials
			c.renderLogin(w, http.StatusOK, p)
			return
		}
		c.deps.Logger.Error("authenticate", "error", err)
		auditReq(c.deps.Audit, r, username, rc.Tenant, audit.ActionLogin, "", audit.OutcomeFailure, err.Error())
		p.Error = msgLoginUnavailable
		c.renderLogin(w, http.StatusServiceUnavailable, p)
		return
	}

	if err := c.signIn(w, r, rc, user, audit.ActionLogin); err != nil {
		c.deps.Logger.Error("login", "error", err)
		p.Error = msgLoginUnavailable
		c.renderLogin(w, http.StatusServiceUnavailable, p)
		return
	}
	c.redirect(w, r, c.deps.Policy.LoginRedirect(rc.State.Identity, target, r.Host))
}

func (c *controller) loginPage(r *http.Request, rc *RequestContext) page {
	p := newPage(r, "Login")
	p.Action = c.paths.Login
	p.Tenant = rc.Tenant
	p.Redirect = rc.Query.Get("redirect")
	p.Login = rc.Query.Get("login")
	if p.Login == "" {
		p.Login = rc.Session.Login
	}
	return p
}

func (c *controller) renderLogin(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'self'")
	render(w, c.deps.Logger, status, viewLogin, p)
}

func (c *controller) handleBecome(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.requireUser(w, r, false)
	if !ok {
		return
	}
	ctx := r.Context()
	prev := *rc.Session

	next, changed, err := c.deps.Sessions.Become(ctx, prev)
	if err != nil {
		auditReq(c.deps.Audit, r, rc.State.Identity.Name, rc.Tenant, audit.ActionBecome, "", audit.OutcomeFailure, err.Error())
		if errors.Is(err, auth.ErrSessionConflict) {
			http.Error(w, "session changed concurrently, please retry", http.StatusConflict)
			return
		}
		c.fail(w, r, rc, err)
		return
	}
	if changed {
		c.deps.Identities.Invalidate(prev.UserID)
		c.deps.Identities.Invalidate(next.UserID)
		ident, err := c.deps.Identities.Classify(ctx, next.UserID)
		if err != nil {
			c.fail(w, r, rc, err)
			return
		}
		auditReq(c.deps.Audit, r, rc.State.Identity.Name, rc.Tenant, audit.ActionBecome, ident.Name, audit.OutcomeSuccess, "")
		rc.Session = &next
		rc.State.Identity = ident
		c.setCookie(w, next)
	}

	d := c.deps.Policy.Decide(rc.input(redirect.RouteBecome))
	c.act(w, r, rc, d, nil)
}

func (c *controller) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := c.loadSession(r)
	if sess.Authenticated() {
		if err := c.deps.Sessions.Logout(r.Context(), sess); err != nil {
			c.deps.Logger.Warn("logout", "error", err)
		}
		auditReq(c.deps.Audit, r, sess.Login, sess.Tenant, audit.ActionLogout, "", audit.OutcomeSuccess, "")
	}
	c.clearCookie(w)
	c.redirect(w, r, c.paths.Login)
}

func (c *controller) handleMenus(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.requireUser(w, r, false)
	if !ok {
		return
	}
	c.touch(r.Context(), w, rc)

	items := []menus.Item{}
	if c.deps.Menus != nil {
		items = c.deps.Menus.For(rc.State.Identity)
	}
	w.Header().Set("Cache-Control", "private, max-age=31536000")
	writeJSON(w, http.StatusOK, items)
}

func (c *controller) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	rc, ok := c.prepare(w, r)
	if !ok {
		return
	}
	if !rc.State.Valid || rc.State.Expired {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "current_password and new_password are required")
		return
	}

	actor := rc.Session.Login
	next, err := c.deps.Sessions.ChangePassword(r.Context(), *rc.Session, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			auditReq(c.deps.Audit, r, actor, rc.Tenant, audit.ActionChangePassword, "", audit.OutcomeFailure, "weak password")
			writeError(w, http.StatusBadRequest, "new password does not meet policy")
		case errors.Is(err, auth.ErrAccessDenied), errors.Is(err, auth.ErrSessionExpired), errors.Is(err, auth.ErrUnknownUser):
			auditReq(c.deps.Audit, r, actor, rc.Tenant, audit.ActionChangePassword, "", audit.OutcomeFailure, "invalid credentials")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, auth.ErrSessionConflict):
			writeError(w, http.StatusConflict, "session changed concurrently, please retry")
		default:
			c.deps.Logger.Error("change password", "error", err)
			auditReq(c.deps.Audit, r, actor, rc.Tenant, audit.ActionChangePassword, "", audit.OutcomeFailure, err.Error())
			writeError(w, http.StatusInternalServerError, "change password failed")
		}
		return
	}
	c.deps.Identities.Invalidate(next.UserID)
	c.setCookie(w, next)
	auditReq(c.deps.Audit, r, actor, rc.Tenant, audit.ActionChangePassword, "", audit.OutcomeSuccess, "")
	w.WriteHeader(http.StatusNoContent)
}
