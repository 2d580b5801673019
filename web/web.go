// Package web renders the server-side HTML pages and serves their static
// assets from files embedded in the binary.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// LoginPage is the data for the sign-in form.
type LoginPage struct {
	CSRFToken string
	Email     string
	Error     string
}

// HomePage is the data for the landing page. Anonymous visitors have
// SignedIn false.
type HomePage struct {
	SignedIn  bool
	Email     string
	CSRFToken string
}

// Pages holds the parsed page templates.
type Pages struct {
	login *template.Template
	home  *template.Template
}

// LoadPages parses the embedded templates.
func LoadPages() (*Pages, error) {
	login, err := template.ParseFS(templateFS, "templates/layout.html", "templates/login.html")
	if err != nil {
		return nil, fmt.Errorf("parsing login template: %w", err)
	}
	home, err := template.ParseFS(templateFS, "templates/layout.html", "templates/home.html")
	if err != nil {
		return nil, fmt.Errorf("parsing home template: %w", err)
	}
	return &Pages{login: login, home: home}, nil
}

// RenderLogin writes the sign-in page with the given status code.
func (p *Pages) RenderLogin(w http.ResponseWriter, status int, data LoginPage) error {
	return render(w, status, p.login, struct {
		Title string
		LoginPage
	}{"Sign in", data})
}

// RenderHome writes the landing page.
func (p *Pages) RenderHome(w http.ResponseWriter, data HomePage) error {
	return render(w, http.StatusOK, p.home, struct {
		Title string
		HomePage
	}{"Home", data})
}

// render executes into a buffer first so a template error never leaves a
// half-written page behind.
func render(w http.ResponseWriter, status int, t *template.Template, data any) error {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return fmt.Errorf("rendering page: %w", err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// Static returns a handler serving the embedded assets. Mount it under
// /static/.
func Static() (http.Handler, error) {
	fsys, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(fsys))), nil
}
