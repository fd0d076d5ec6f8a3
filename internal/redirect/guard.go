package redirect

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var ErrOpenRedirectRejected = errors.New("redirect target not allowed")

// Guard admits post-login destinations that stay on this site and fall
// under one of the configured path prefixes.
type Guard struct {
	prefixes []string
}

func NewGuard(prefixes []string) Guard {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" || !strings.HasPrefix(p, "/") {
			continue
		}
		if p != "/" {
			p = strings.TrimSuffix(path.Clean(p), "/")
		}
		out = append(out, p)
	}
	return Guard{prefixes: out}
}

// Check validates target against the request host and the allowed
// prefixes. It returns the target rewritten as a site-relative URL.
func (g Guard) Check(target, host string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrOpenRedirectRejected
	}
	for _, r := range target {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return "", ErrOpenRedirectRejected
		}
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", ErrOpenRedirectRejected
	}
	if u.Scheme != "" || u.Host != "" || u.User != nil {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", ErrOpenRedirectRejected
		}
		if host == "" || u.User != nil || !strings.EqualFold(u.Host, host) {
			return "", ErrOpenRedirectRejected
		}
	} else if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "", ErrOpenRedirectRejected
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	clean := path.Clean(p)
	if !safePath(clean) || !g.allowed(clean) {
		return "", ErrOpenRedirectRejected
	}

	out := (&url.URL{Path: clean}).EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out, nil
}

// safePath rejects decoded paths that a browser would read as
// scheme-relative once they land in a Location header.
func safePath(clean string) bool {
	if strings.HasPrefix(clean, "//") {
		return false
	}
	for _, r := range clean {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return false
		}
	}
	return true
}

func (g Guard) allowed(clean string) bool {
	for _, p := range g.prefixes {
		if p == "/" || clean == p || strings.HasPrefix(clean, p+"/") {
			return true
		}
	}
	return false
}
