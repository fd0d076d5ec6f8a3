package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"myconnectionsvr/webhome/internal/audit"
	"myconnectionsvr/webhome/internal/auth"
	"myconnectionsvr/webhome/internal/bootstrap"
	"myconnectionsvr/webhome/internal/redirect"
	"myconnectionsvr/webhome/internal/tenant"
)

// RequestContext is what one controller pass knows about the request. It is
// built once per request and handed to each step explicitly.
type RequestContext struct {
	Tenant  string
	Path    string
	Query   url.Values
	Method  string
	Host    string
	Session *auth.Session
	State   redirect.SessionState
}

func (rc *RequestContext) input(route redirect.Route) redirect.Input {
	return redirect.Input{
		Route:   route,
		Session: rc.State,
		Method:  rc.Method,
		Query:   rc.Query,
		Host:    rc.Host,
	}
}

type controller struct {
	deps  Deps
	paths redirect.Paths
}

// prepare resolves the tenant and the session for a request and classifies
// the session user. It writes a response and returns false when the request
// cannot proceed.
func (c *controller) prepare(w http.ResponseWriter, r *http.Request) (*RequestContext, bool) {
	ctx := r.Context()
	q := r.URL.Query()
	requested := q.Get("db")
	if r.Method == http.MethodPost && r.PostForm != nil {
		if v := r.PostForm.Get("db"); v != "" {
			requested = v
		}
	}

	sess := c.loadSession(r)
	sel, err := c.deps.Tenants.Resolve(ctx, requested, sess.Tenant)
	if err != nil {
		if errors.Is(err, tenant.ErrNoDatabaseSelected) {
			http.Redirect(w, r, c.deps.SelectorPath, http.StatusSeeOther)
			return nil, false
		}
		c.deps.Logger.Error("resolve tenant", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	if sel.Switched {
		c.dropSession(ctx, sess)
		c.clearCookie(w)
		sess = c.deps.Sessions.NewSession(sel.Tenant)
	}
	sess.Tenant = sel.Tenant

	rc := &RequestContext{
		Tenant:  sel.Tenant,
		Path:    r.URL.Path,
		Query:   q,
		Method:  r.Method,
		Host:    r.Host,
		Session: &sess,
	}
	c.classify(ctx, w, rc)
	return rc, true
}

func (c *controller) loadSession(r *http.Request) auth.Session {
	cookie, err := r.Cookie(c.deps.CookieName)
	if err != nil || cookie.Value == "" {
		return c.deps.Sessions.NewSession("")
	}
	sess, err := c.deps.Sessions.Lookup(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, auth.ErrSessionNotFound) {
			c.deps.Logger.Warn("load session", "error", err)
		}
		return c.deps.Sessions.NewSession("")
	}
	return sess
}

func (c *controller) classify(ctx context.Context, w http.ResponseWriter, rc *RequestContext) {
	rc.State = redirect.SessionState{}
	sess := rc.Session
	if !sess.Authenticated() {
		return
	}

	expired := false
	if err := c.deps.Sessions.Check(ctx, *sess); err != nil {
		switch {
		case errors.Is(err, auth.ErrSessionExpired):
			expired = true
		case errors.Is(err, auth.ErrUnknownUser):
			c.resetSession(ctx, w, rc)
			return
		default:
			c.deps.Logger.Warn("check session", "error", err)
			return
		}
	}

	ident, err := c.deps.Identities.Classify(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownUser) {
			c.resetSession(ctx, w, rc)
			return
		}
		c.deps.Logger.Warn("classify session user", "error", err)
		return
	}
	rc.State = redirect.SessionState{Valid: true, Expired: expired, Identity: ident}
}

func (c *controller) resetSession(ctx context.Context, w http.ResponseWriter, rc *RequestContext) {
	c.dropSession(ctx, *rc.Session)
	c.clearCookie(w)
	fresh := c.deps.Sessions.NewSession(rc.Tenant)
	rc.Session = &fresh
	rc.State = redirect.SessionState{}
}

func (c *controller) dropSession(ctx context.Context, sess auth.Session) {
	if err := c.deps.Sessions.Logout(ctx, sess); err != nil {
		c.deps.Logger.Warn("drop session", "error", err)
	}
}

// tryBootstrap signs the service account in when the request carries a
// valid bootstrap token and has no usable session.
func (c *controller) tryBootstrap(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	if rc.State.Valid || c.deps.Bootstrap == nil {
		return
	}
	token := bootstrap.TokenFromRequest(r)
	if token == "" {
		return
	}
	user, err := c.deps.Bootstrap.Authenticate(r.Context(), token)
	if err != nil {
		auditReq(c.deps.Audit, r, "", rc.Tenant, audit.ActionBootstrap, "", audit.OutcomeFailure, err.Error())
		c.deps.Logger.Warn("bootstrap login refused", "error", err)
		return
	}
	if err := c.signIn(w, r, rc, user, audit.ActionBootstrap); err != nil {
		c.deps.Logger.Error("bootstrap login", "error", err)
	}
}

// signIn binds user to a rotated session and records the outcome.
func (c *controller) signIn(w http.ResponseWriter, r *http.Request, rc *RequestContext, user auth.User, action string) error {
	ctx := r.Context()
	next, err := c.deps.Sessions.Login(ctx, *rc.Session, user)
	if err != nil {
		auditReq(c.deps.Audit, r, user.Username, rc.Tenant, action, "", audit.OutcomeFailure, err.Error())
		return err
	}
	c.deps.Identities.Invalidate(user.ID)
	ident, err := c.deps.Identities.Classify(ctx, user.ID)
	if err != nil {
		auditReq(c.deps.Audit, r, user.Username, rc.Tenant, action, "", audit.OutcomeFailure, err.Error())
		return err
	}
	rc.Session = &next
	rc.State = redirect.SessionState{Valid: true, Identity: ident}
	c.setCookie(w, next)
	auditReq(c.deps.Audit, r, user.Username, rc.Tenant, action, "", audit.OutcomeSuccess, "")
	return nil
}

// touch records activity on an authenticated session and refreshes the cookie.
func (c *controller) touch(ctx context.Context, w http.ResponseWriter, rc *RequestContext) {
	next, err := c.deps.Sessions.Touch(ctx, *rc.Session)
	if err != nil {
		c.deps.Logger.Warn("touch session", "error", err)
		return
	}
	rc.Session = &next
	if !next.New {
		c.setCookie(w, next)
	}
}

// touchLive touches the session only when it belongs to a signed-in user
// whose token still checks out.
func (c *controller) touchLive(ctx context.Context, w http.ResponseWriter, rc *RequestContext) {
	if rc.State.Valid && !rc.State.Expired {
		c.touch(ctx, w, rc)
	}
}

// expire drops a session whose token went stale and sends the client back
// through the login form to the page it asked for.
func (c *controller) expire(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	c.dropSession(r.Context(), *rc.Session)
	c.clearCookie(w)
	c.redirect(w, r, c.loginURL(url.Values{"redirect": {r.URL.RequestURI()}}))
}

func (c *controller) loginURL(q url.Values) string {
	return redirect.RedirectTo(c.paths.Login, q, http.StatusSeeOther).URL()
}

func (c *controller) redirect(w http.ResponseWriter, r *http.Request, location string) {
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// act carries out a policy decision.
func (c *controller) act(w http.ResponseWriter, r *http.Request, rc *RequestContext, d redirect.Decision, render func()) {
	switch d.Kind {
	case redirect.KindRedirect:
		status := d.Status
		if status == 0 {
			status = http.StatusSeeOther
		}
		c.touchLive(r.Context(), w, rc)
		http.Redirect(w, r, d.URL(), status)
	case redirect.KindFail:
		c.fail(w, r, rc, d.Err)
	case redirect.KindRender:
		render()
	}
}

func (c *controller) fail(w http.ResponseWriter, r *http.Request, rc *RequestContext, err error) {
	switch {
	case errors.Is(err, redirect.ErrOpenRedirectRejected):
		http.Error(w, "redirect target not allowed", http.StatusBadRequest)
	case errors.Is(err, auth.ErrSessionExpired):
		c.expire(w, r, rc)
	case errors.Is(err, auth.ErrAccessDenied), errors.Is(err, auth.ErrUnknownUser):
		c.redirect(w, r, c.loginURL(nil))
	default:
		c.deps.Logger.Error("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (c *controller) setCookie(w http.ResponseWriter, sess auth.Session) {
	cookie := &http.Cookie{
		Name:     c.deps.CookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if !sess.ExpiresAt.IsZero() {
		cookie.Expires = sess.ExpiresAt.UTC()
		cookie.MaxAge = int(time.Until(sess.ExpiresAt).Seconds())
		if cookie.MaxAge <= 0 {
			cookie.MaxAge = -1
		}
	}
	http.SetCookie(w, cookie)
}

func (c *controller) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.deps.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
