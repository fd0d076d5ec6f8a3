package httpserver

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/gorilla/csrf"

	"myconnectionsvr/webhome/internal/menus"
)

//go:embed templates/*.html
var templateFS embed.FS

var views = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	viewLogin           = "login.html"
	viewApp             = "app.html"
	viewApps            = "apps.html"
	viewLoginSuccessful = "login_successful.html"
)

type page struct {
	Title     string
	CSRFToken string
	CSRFField template.HTML

	Tenant   string
	UserName string
	System   bool

	// login
	Action   string
	Login    string
	Redirect string
	Error    string
	Message  string

	// app shell and apps
	AppRoot   string
	MenusURL  string
	LogoutURL string
	Menus     []menus.Item
}

func newPage(r *http.Request, title string) page {
	return page{
		Title:     title,
		CSRFToken: csrf.Token(r),
		CSRFField: csrf.TemplateField(r),
	}
}

// render buffers the template so a failed execution never leaves a partial
// page behind.
func render(w http.ResponseWriter, log *slog.Logger, status int, name string, data page) {
	var buf bytes.Buffer
	if err := views.ExecuteTemplate(&buf, name, data); err != nil {
		if log != nil {
			log.Error("render view", "view", name, "error", err)
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
