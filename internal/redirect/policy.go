// Package redirect decides, without side effects, whether an entry route
// renders in place, redirects or fails.
package redirect

import (
	"net/http"
	"net/url"
	"strings"

	"myconnectionsvr/webhome/internal/auth"
	"myconnectionsvr/webhome/internal/identity"
)

type Route int

const (
	RouteRoot Route = iota + 1
	RouteAppRoot
	RouteLogin
	RouteBecome
)

type Kind int

const (
	KindRender Kind = iota + 1
	KindRedirect
	KindFail
)

const (
	ViewApp   = "app"
	ViewLogin = "login"
)

type Decision struct {
	Kind     Kind
	View     string
	Location string
	Query    url.Values
	Status   int
	Err      error
}

func Render(view string) Decision {
	return Decision{Kind: KindRender, View: view}
}

func RedirectTo(location string, query url.Values, status int) Decision {
	return Decision{Kind: KindRedirect, Location: location, Query: query, Status: status}
}

func Fail(err error) Decision {
	return Decision{Kind: KindFail, Err: err}
}

// URL is the redirect location with the decision's query appended.
func (d Decision) URL() string {
	if len(d.Query) == 0 {
		return d.Location
	}
	sep := "?"
	if strings.Contains(d.Location, "?") {
		sep = "&"
	}
	return d.Location + sep + d.Query.Encode()
}

// SessionState is what the controller learned about the session before
// asking for a decision. Valid means an authenticated session whose user
// was classified; Expired means the token no longer matches the user.
type SessionState struct {
	Valid    bool
	Expired  bool
	Identity identity.Identity
}

type Input struct {
	Route   Route
	Session SessionState
	Method  string
	Query   url.Values
	Host    string
}

type Paths struct {
	AppRoot         string
	Login           string
	LoginSuccessful string
	Apps            string
}

func DefaultPaths() Paths {
	return Paths{
		AppRoot:         "/web",
		Login:           "/login",
		LoginSuccessful: "/login-successful",
		Apps:            "/apps",
	}
}

type Policy struct {
	paths Paths
	guard Guard
}

func New(paths Paths, guard Guard) *Policy {
	return &Policy{paths: paths, guard: guard}
}

func (p *Policy) Paths() Paths {
	return p.paths
}

func (p *Policy) Decide(in Input) Decision {
	switch in.Route {
	case RouteRoot:
		return p.root(in)
	case RouteAppRoot:
		return p.appRoot(in)
	case RouteLogin:
		return p.login(in)
	case RouteBecome:
		return RedirectTo(p.LoginRedirect(in.Session.Identity, "", in.Host), nil, http.StatusSeeOther)
	}
	return Fail(auth.ErrAccessDenied)
}

func (p *Policy) root(in Input) Decision {
	if !in.Session.Valid {
		return RedirectTo(p.paths.AppRoot, in.Query, http.StatusSeeOther)
	}
	if !in.Session.Identity.Internal() {
		return RedirectTo(p.paths.LoginSuccessful, in.Query, http.StatusSeeOther)
	}
	return RedirectTo(p.paths.Apps, nil, http.StatusSeeOther)
}

func (p *Policy) appRoot(in Input) Decision {
	if !in.Session.Valid {
		return RedirectTo(p.paths.Login, in.Query, http.StatusSeeOther)
	}
	if target := in.Query.Get("redirect"); target != "" {
		safe, err := p.guard.Check(target, in.Host)
		if err != nil {
			return Fail(err)
		}
		return RedirectTo(safe, nil, http.StatusSeeOther)
	}
	if in.Session.Expired {
		return Fail(auth.ErrSessionExpired)
	}
	if !in.Session.Identity.Internal() {
		return RedirectTo(p.paths.LoginSuccessful, nil, http.StatusSeeOther)
	}
	return Render(ViewApp)
}

func (p *Policy) login(in Input) Decision {
	target := in.Query.Get("redirect")
	if isRead(in.Method) && target != "" && in.Session.Valid {
		safe, err := p.guard.Check(target, in.Host)
		if err != nil {
			return Fail(err)
		}
		return RedirectTo(safe, nil, http.StatusSeeOther)
	}
	return Render(ViewLogin)
}

// LoginRedirect picks where to send a user after login: an allowed
// redirect target if given, otherwise the landing page for the user's role.
func (p *Policy) LoginRedirect(ident identity.Identity, target, host string) string {
	if target != "" {
		if safe, err := p.guard.Check(target, host); err == nil {
			return safe
		}
	}
	if ident.Internal() {
		return p.paths.AppRoot
	}
	return p.paths.LoginSuccessful
}

func isRead(method string) bool {
	return method == "" || method == http.MethodGet || method == http.MethodHead
}
