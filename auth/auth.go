// Package auth resolves the session behind each request.
//
// Resolve is the single verification path. SessionFromRequest wraps it for
// pages that degrade to an anonymous view, RequireAuth for endpoints that
// must stop with 401. The Require middleware additionally runs the CSRF
// guard on state-changing requests once the session is known.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmcleod/marquee/cookie"
	"github.com/jmcleod/marquee/csrf"
	"github.com/jmcleod/marquee/token"
)

// ErrMissingCredential means the request carried no session cookie.
var ErrMissingCredential = errors.New("missing session credential")

// Codec issues and verifies session tokens.
type Codec interface {
	Issue(userID, email string, ttl time.Duration) (string, error)
	Verify(raw string) (token.SessionClaims, error)
}

// Result is the outcome of resolving a request's session: either
// authenticated claims or the reason there are none. Err wraps one of
// ErrMissingCredential, token.ErrInvalidToken or token.ErrExpiredToken.
type Result struct {
	Claims token.SessionClaims
	Err    error
}

// Authenticated reports whether the request carries a valid session.
func (r Result) Authenticated() bool {
	return r.Err == nil
}

// Authenticator ties the token codec, cookie transport and CSRF guard
// together. It is safe for concurrent use.
type Authenticator struct {
	codec    Codec
	cookies  *cookie.Transport
	guard    *csrf.Guard
	onReject func(*http.Request, error)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// OnReject registers a callback invoked whenever RequireAuth refuses a
// request.
func OnReject(fn func(*http.Request, error)) Option {
	return func(a *Authenticator) {
		a.onReject = fn
	}
}

// WithGuard replaces the CSRF guard used by Require.
func WithGuard(g *csrf.Guard) Option {
	return func(a *Authenticator) {
		a.guard = g
	}
}

// New returns an Authenticator.
func New(codec Codec, cookies *cookie.Transport, guard *csrf.Guard, opts ...Option) *Authenticator {
	a := &Authenticator{codec: codec, cookies: cookies, guard: guard}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// With returns a copy of a with opts applied.
func (a *Authenticator) With(opts ...Option) *Authenticator {
	c := *a
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Resolve verifies the session cookie on r.
func (a *Authenticator) Resolve(r *http.Request) Result {
	raw, ok := a.cookies.SessionToken(r)
	if !ok {
		return Result{Err: ErrMissingCredential}
	}
	claims, err := a.codec.Verify(raw)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Claims: claims}
}

// SessionFromRequest returns the session claims, or false for a missing,
// malformed or expired session. It never writes to the response.
func (a *Authenticator) SessionFromRequest(r *http.Request) (token.SessionClaims, bool) {
	res := a.Resolve(r)
	return res.Claims, res.Authenticated()
}

// RequireAuth returns the session claims, or writes a 401 response and
// returns false.
func (a *Authenticator) RequireAuth(w http.ResponseWriter, r *http.Request) (token.SessionClaims, bool) {
	res := a.Resolve(r)
	if !res.Authenticated() {
		if a.onReject != nil {
			a.onReject(r, res.Err)
		}
		WriteUnauthorized(w)
		return token.SessionClaims{}, false
	}
	return res.Claims, true
}

// StartSession issues a session token for the user, sets the session
// cookie, and returns the issued claims.
func (a *Authenticator) StartSession(w http.ResponseWriter, userID, email string) (token.SessionClaims, error) {
	raw, err := a.codec.Issue(userID, email, a.cookies.SessionMaxAge())
	if err != nil {
		return token.SessionClaims{}, fmt.Errorf("starting session: %w", err)
	}
	claims, err := a.codec.Verify(raw)
	if err != nil {
		return token.SessionClaims{}, fmt.Errorf("starting session: %w", err)
	}
	a.cookies.SetSessionCookie(w, raw)
	return claims, nil
}

// EndSession clears the session and CSRF cookies.
func (a *Authenticator) EndSession(w http.ResponseWriter) {
	a.cookies.ClearSessionCookie(w)
	a.cookies.ClearCSRFCookie(w)
}

type contextKey int

const claimsKey contextKey = iota

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims token.SessionClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims stored by Optional or Require.
func ClaimsFromContext(ctx context.Context) (token.SessionClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(token.SessionClaims)
	return claims, ok
}

// Optional stores the session claims on the request context when the
// request is authenticated and passes every request through.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := a.SessionFromRequest(r); ok {
			r = r.WithContext(WithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects unauthenticated requests with 401 and state-changing
// requests without a matching CSRF token with 403. Accepted requests carry
// their claims on the context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.RequireAuth(w, r)
		if !ok {
			return
		}
		if csrf.StateChanging(r.Method) {
			if err := a.guard.Check(r, csrf.FromRequest()); err != nil {
				a.guard.Reject(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
