package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jmcleod/marquee/auth"
	"github.com/jmcleod/marquee/csrf"
	"github.com/jmcleod/marquee/ratelimit"
	"github.com/jmcleod/marquee/users"
	"github.com/jmcleod/marquee/web"
)

const (
	maxLoginBodyBytes = 64 << 10

	invalidCredentialsMessage = "Invalid email or password"
)

var (
	errUnsupportedMediaType = errors.New("unsupported content type")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Home renders the landing page. It is mounted behind auth.Optional;
// visitors without a valid session see the anonymous view.
func (a *API) Home(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := web.HomePage{}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		tok, err := a.guard.Issue(w)
		if err != nil {
			a.serverError(w, r, err)
			return
		}
		data = web.HomePage{SignedIn: true, Email: claims.Email, CSRFToken: tok}
	}
	if err := a.pages.RenderHome(w, data); err != nil {
		a.serverError(w, r, err)
	}
}

// LoginPage renders the sign-in form with a fresh CSRF token.
func (a *API) LoginPage(w http.ResponseWriter, r *http.Request) {
	tok, err := a.guard.Issue(w)
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	if err := a.pages.RenderLogin(w, http.StatusOK, web.LoginPage{CSRFToken: tok}); err != nil {
		a.serverError(w, r, err)
	}
}

// CSRFToken mints a token for script clients that submit JSON.
func (a *API) CSRFToken(w http.ResponseWriter, r *http.Request) {
	tok, err := a.guard.Issue(w)
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, CSRFResponse{CSRFToken: tok})
}

// Login checks the CSRF token, the rate limit and then the credentials, in
// that order. A locked identifier is refused before the credential store is
// consulted.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if err := a.guard.CheckCookie(r); err != nil {
		a.guard.Reject(w, r, err)
		return
	}
	req, sub, asJSON, err := decodeLogin(w, r)
	if errors.Is(err, errUnsupportedMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, "expected a form or JSON body")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.guard.Check(r, sub); err != nil {
		a.guard.Reject(w, r, err)
		return
	}

	if err := validate.Struct(req); err != nil {
		a.loginFailed(w, r, asJSON, http.StatusBadRequest, req, "A valid email and password are required", -1)
		return
	}

	ctx := r.Context()
	attempt := ratelimit.Attempt{Identifier: req.Email, Address: a.clientAddress(r)}
	if err := a.limiter.Check(ctx, attempt); err != nil {
		var locked *ratelimit.LockedError
		if errors.As(err, &locked) {
			a.audit.logEvent(AuditLoginRateLimited, r, req.Email,
				slog.Int("remaining_seconds", locked.RemainingSeconds()))
			ratelimit.WriteLocked(w, locked)
			return
		}
		a.serverError(w, r, err)
		return
	}

	user, err := a.users.Authenticate(ctx, req.Email, req.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		st, err := a.limiter.RecordFailure(ctx, attempt)
		if err != nil {
			a.serverError(w, r, err)
			return
		}
		a.audit.logEvent(AuditLoginFailure, r, req.Email,
			slog.String("reason", "invalid_credentials"),
			slog.Int("failures", st.Failures),
			slog.Bool("locked", !st.LockedUntil.IsZero()),
		)
		a.loginFailed(w, r, asJSON, http.StatusUnauthorized, req, invalidCredentialsMessage, st.AttemptsLeft)
		return
	}
	if err != nil {
		a.serverError(w, r, err)
		return
	}

	if err := a.limiter.RecordSuccess(ctx, attempt); err != nil {
		a.serverError(w, r, err)
		return
	}
	claims, err := a.auth.StartSession(w, user.ID, user.Email)
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	a.audit.logEvent(AuditLoginSuccess, r, user.Email, slog.String("user_id", user.ID))

	if !asJSON {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		UserID:    claims.UserID,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt,
	})
}

// Logout clears the session and CSRF cookies. It is mounted behind
// csrf.Guard.Protect but does not require a valid session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := a.auth.SessionFromRequest(r)
	a.auth.EndSession(w)
	a.audit.logEvent(AuditLogout, r, claims.Email)

	if isForm(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Session reports the current session. It is mounted behind auth.Require,
// which answers 401 for requests without one.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		auth.WriteUnauthorized(w)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, SessionResponse{
		UserID:    claims.UserID,
		Email:     claims.Email,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	})
}

// csrfRejected audits every request refused by the CSRF guard.
func (a *API) csrfRejected(r *http.Request, err error) {
	a.audit.logFailure(AuditCSRFRejected, r, err.Error(), slog.String("path", r.URL.Path))
}

// sessionRejected audits a presented but invalid or expired session token.
// Requests without one are not audited.
func (a *API) sessionRejected(r *http.Request, err error) {
	if errors.Is(err, auth.ErrMissingCredential) {
		return
	}
	a.audit.logFailure(AuditSessionRejected, r, err.Error(), slog.String("path", r.URL.Path))
}

// loginFailed answers JSON clients with an error body and form clients
// with the sign-in page re-rendered. attemptsLeft < 0 omits the count.
func (a *API) loginFailed(w http.ResponseWriter, r *http.Request, asJSON bool, status int, req LoginRequest, msg string, attemptsLeft int) {
	if asJSON {
		if attemptsLeft < 0 {
			writeError(w, status, msg)
			return
		}
		writeJSON(w, status, LoginFailureResponse{
			Error:        http.StatusText(status),
			Message:      msg,
			AttemptsLeft: attemptsLeft,
		})
		return
	}
	// The submitted token already matched the cookie and stays valid.
	err := a.pages.RenderLogin(w, status, web.LoginPage{
		CSRFToken: req.CSRFToken,
		Email:     req.Email,
		Error:     msg,
	})
	if err != nil {
		a.serverError(w, r, err)
	}
}

// decodeLogin parses the body once and returns the request together with
// the already-parsed source of the submitted CSRF token.
func decodeLogin(w http.ResponseWriter, r *http.Request) (LoginRequest, csrf.Submission, bool, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return LoginRequest{}, csrf.Submission{}, false, errUnsupportedMediaType
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)

	switch mediaType {
	case "application/json":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return LoginRequest{}, csrf.Submission{}, true, fmt.Errorf("reading body: %w", err)
		}
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			return LoginRequest{}, csrf.Submission{}, true, fmt.Errorf("decoding body: %w", err)
		}
		var req LoginRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return LoginRequest{}, csrf.Submission{}, true, fmt.Errorf("decoding body: %w", err)
		}
		return req, csrf.JSON(obj), true, nil
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxLoginBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return LoginRequest{}, csrf.Submission{}, false, fmt.Errorf("parsing form: %w", err)
		}
		req := LoginRequest{
			Email:     r.PostForm.Get("email"),
			Password:  r.PostForm.Get("password"),
			CSRFToken: r.PostForm.Get(csrf.FieldName),
		}
		return req, csrf.Form(r.PostForm), false, nil
	}
	return LoginRequest{}, csrf.Submission{}, false, errUnsupportedMediaType
}

func isForm(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"
}
