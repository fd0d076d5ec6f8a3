package httpserver

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/csrf"
)

func (c *controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "pass"}
	status := http.StatusOK
	if truthy(r.URL.Query().Get("db_server_status")) {
		up := false
		if c.deps.Health != nil {
			if err := c.deps.Health.Probe(r.Context()); err != nil {
				c.deps.Logger.Warn("database health probe failed", "error", err)
			} else {
				up = true
			}
		}
		body["db_server_status"] = up
		if !up {
			body["status"] = "fail"
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, body)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

func (c *controller) handleRobots(w http.ResponseWriter, _ *http.Request) {
	lines := []string{"User-agent: *", "Disallow: /"}
	for _, route := range c.deps.RobotsAllow {
		lines = append(lines, "Allow: "+route)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.Join(lines, "\n")))
}

func registerStaticHandlers(mux *http.ServeMux, distDir string) {
	distDir = strings.TrimSpace(distDir)
	if distDir == "" {
		return
	}
	if info, err := os.Stat(distDir); err != nil || !info.IsDir() {
		return
	}

	fileServer := http.StripPrefix("/static/", http.FileServer(http.Dir(distDir)))
	mux.HandleFunc("GET /static/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// csrf protects h with a double-submit token when a key is configured.
// Requests are marked as plaintext when cookies are not marked secure, so
// local HTTP deployments are not rejected by the referer check.
func (c *controller) csrf(h http.Handler) http.Handler {
	if len(c.deps.CSRFKey) == 0 {
		return h
	}
	protect := csrf.Protect(c.deps.CSRFKey,
		csrf.Secure(c.deps.CookieSecure),
		csrf.Path("/"),
		csrf.CookieName("csrf_token"),
		csrf.FieldName("csrf_token"),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.deps.Logger.Warn("csrf check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
			http.Error(w, "forbidden", http.StatusForbidden)
		})),
	)(h)
	if c.deps.CookieSecure {
		return protect
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protect.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
