// Package cookie carries session and CSRF tokens over HTTP cookies with a
// fixed set of security attributes.
package cookie

import (
	"net/http"
	"time"
)

const (
	// SessionCookieName holds the signed session token.
	SessionCookieName = "session"
	// CSRFCookieName holds the double-submit CSRF token. The same name is
	// used for the form and JSON field that echoes it.
	CSRFCookieName = "csrf_token"

	// CSRFMaxAge is the lifetime of the CSRF cookie.
	CSRFMaxAge = time.Hour
	// DefaultSessionMaxAge is used when Config.SessionMaxAge is zero.
	DefaultSessionMaxAge = 7 * 24 * time.Hour
)

// Config controls the deployment-dependent cookie attributes.
type Config struct {
	// Production appends the Secure attribute. Leave false for plain-HTTP
	// local development.
	Production bool
	// SessionMaxAge is the Max-Age of the session cookie.
	SessionMaxAge time.Duration
}

// Transport reads and writes the cookies owned by the authentication core.
// Every cookie it sets is Path=/, HttpOnly and SameSite=Lax.
type Transport struct {
	production    bool
	sessionMaxAge time.Duration
}

// New returns a Transport for cfg.
func New(cfg Config) *Transport {
	maxAge := cfg.SessionMaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	return &Transport{
		production:    cfg.Production,
		sessionMaxAge: maxAge,
	}
}

// Production reports whether cookies are marked Secure.
func (t *Transport) Production() bool {
	return t.production
}

// SessionMaxAge is the lifetime given to session cookies.
func (t *Transport) SessionMaxAge() time.Duration {
	return t.sessionMaxAge
}

func (t *Transport) SetSessionCookie(w http.ResponseWriter, token string) {
	t.set(w, SessionCookieName, token, t.sessionMaxAge)
}

// SessionToken returns the session token, or false if the cookie is absent
// or empty.
func (t *Transport) SessionToken(r *http.Request) (string, bool) {
	return read(r, SessionCookieName)
}

func (t *Transport) ClearSessionCookie(w http.ResponseWriter) {
	t.clear(w, SessionCookieName)
}

func (t *Transport) SetCSRFCookie(w http.ResponseWriter, token string) {
	t.set(w, CSRFCookieName, token, CSRFMaxAge)
}

// CSRFToken returns the cookie-resident CSRF token, or false if absent.
func (t *Transport) CSRFToken(r *http.Request) (string, bool) {
	return read(r, CSRFCookieName)
}

func (t *Transport) ClearCSRFCookie(w http.ResponseWriter) {
	t.clear(w, CSRFCookieName)
}

func (t *Transport) set(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   t.production,
		SameSite: http.SameSiteLaxMode,
	})
}

// clear emits the cookie with Max-Age=0 (net/http encodes a negative MaxAge
// that way).
func (t *Transport) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.production,
		SameSite: http.SameSiteLaxMode,
	})
}

// read matches name exactly, across every Cookie header line and every
// name=value pair on each line.
func read(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
