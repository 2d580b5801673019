// Package csrf implements double-submit cookie CSRF protection.
//
// A random token is minted when a page containing a mutating form is
// rendered and stored in the csrf_token cookie. A state-changing request is
// accepted only if it echoes the same value in a csrf_token form or JSON
// field. Tokens are compared in constant time and may be reused across
// submissions until the cookie expires.
package csrf

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmcleod/marquee/cookie"
	"github.com/jmcleod/marquee/internal/util"
)

const (
	// FieldName is the form and JSON field carrying the submitted token.
	FieldName = cookie.CSRFCookieName
	// HeaderName is consulted when the body carries no token.
	HeaderName = "X-CSRF-Token"
	// TokenBytes is the entropy of a generated token.
	TokenBytes = 32
)

var (
	// ErrMismatch covers a missing cookie, a missing submitted value, and
	// two present but unequal values.
	ErrMismatch = errors.New("invalid CSRF token")
	// ErrBody is returned when the request body could not be read or parsed.
	ErrBody = errors.New("reading request body for CSRF token")
)

// Generate returns a fresh token: 32 random bytes as unpadded base64url.
func Generate() (string, error) {
	tok, err := util.RandomToken(TokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating csrf token: %w", err)
	}
	return tok, nil
}

// Guard validates submitted tokens against the cookie-resident copy.
type Guard struct {
	cookies  *cookie.Transport
	onReject func(*http.Request, error)
}

// Option configures a Guard.
type Option func(*Guard)

// OnReject registers a callback invoked by Reject, and so by Protect, for
// every rejected request.
func OnReject(fn func(*http.Request, error)) Option {
	return func(g *Guard) {
		g.onReject = fn
	}
}

// New returns a Guard that reads and writes cookies through t.
func New(t *cookie.Transport, opts ...Option) *Guard {
	g := &Guard{cookies: t}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// With returns a copy of g with opts applied.
func (g *Guard) With(opts ...Option) *Guard {
	c := *g
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Issue mints a new token, sets it as the CSRF cookie, and returns it for
// embedding in the rendered form.
func (g *Guard) Issue(w http.ResponseWriter) (string, error) {
	tok, err := Generate()
	if err != nil {
		return "", err
	}
	g.cookies.SetCSRFCookie(w, tok)
	return tok, nil
}

// Validate reports whether the request carries matching cookie and
// submitted tokens.
func (g *Guard) Validate(r *http.Request, sub Submission) bool {
	return g.Check(r, sub) == nil
}

// Check is Validate with the failure reason. The error wraps ErrMismatch
// for token problems and ErrBody when the body could not be read.
func (g *Guard) Check(r *http.Request, sub Submission) error {
	cookieTok, err := g.cookieToken(r)
	if err != nil {
		return err
	}
	submitted, err := sub.resolve(r)
	if err != nil {
		return err
	}
	if submitted == "" {
		return fmt.Errorf("%w: no submitted token", ErrMismatch)
	}
	if !Equal([]byte(cookieTok), []byte(submitted)) {
		return fmt.Errorf("%w: token mismatch", ErrMismatch)
	}
	return nil
}

// CheckCookie fails with ErrMismatch when r has no CSRF cookie. Handlers
// that parse the body themselves call it first so that a request without a
// cookie is refused before its body is read.
func (g *Guard) CheckCookie(r *http.Request) error {
	_, err := g.cookieToken(r)
	return err
}

func (g *Guard) cookieToken(r *http.Request) (string, error) {
	tok, ok := g.cookies.CSRFToken(r)
	if !ok {
		return "", fmt.Errorf("%w: no csrf cookie", ErrMismatch)
	}
	return tok, nil
}

// Protect rejects state-changing requests (POST, PUT, PATCH, DELETE) whose
// tokens do not match. Tokens are read from the body according to its
// Content-Type; the body is left readable for next.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !StateChanging(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if err := g.Check(r, FromRequest()); err != nil {
			g.Reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Reject writes the boundary response for a failed Check: 403 for token
// problems, 500 for anything else.
func (g *Guard) Reject(w http.ResponseWriter, r *http.Request, err error) {
	if g.onReject != nil {
		g.onReject(r, err)
	}
	if errors.Is(err, ErrMismatch) {
		WriteForbidden(w)
		return
	}
	writeServerError(w)
}

// StateChanging reports whether requests with method must carry a token.
func StateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
