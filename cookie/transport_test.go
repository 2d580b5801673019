package cookie

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCookieHeader(t *testing.T, fn func(w http.ResponseWriter)) string {
	t.Helper()
	rec := httptest.NewRecorder()
	fn(rec)
	headers := rec.Result().Header.Values("Set-Cookie")
	require.Len(t, headers, 1)
	return headers[0]
}

func TestTransport_AttributesDevelopment(t *testing.T) {
	tr := New(Config{SessionMaxAge: 2 * time.Hour})

	session := setCookieHeader(t, func(w http.ResponseWriter) { tr.SetSessionCookie(w, "tok") })
	assert.True(t, strings.HasPrefix(session, "session=tok;"))
	assert.Contains(t, session, "Path=/")
	assert.Contains(t, session, "HttpOnly")
	assert.Contains(t, session, "SameSite=Lax")
	assert.Contains(t, session, "Max-Age=7200")
	assert.NotContains(t, session, "Secure")

	csrf := setCookieHeader(t, func(w http.ResponseWriter) { tr.SetCSRFCookie(w, "abc") })
	assert.True(t, strings.HasPrefix(csrf, "csrf_token=abc;"))
	assert.Contains(t, csrf, "HttpOnly")
	assert.Contains(t, csrf, "SameSite=Lax")
	assert.Contains(t, csrf, "Max-Age=3600")
	assert.NotContains(t, csrf, "Secure")
}

func TestTransport_AttributesProduction(t *testing.T) {
	tr := New(Config{Production: true})

	for _, header := range []string{
		setCookieHeader(t, func(w http.ResponseWriter) { tr.SetSessionCookie(w, "tok") }),
		setCookieHeader(t, func(w http.ResponseWriter) { tr.SetCSRFCookie(w, "abc") }),
		setCookieHeader(t, func(w http.ResponseWriter) { tr.ClearSessionCookie(w) }),
	} {
		assert.Contains(t, header, "Secure")
		assert.Contains(t, header, "HttpOnly")
		assert.Contains(t, header, "SameSite=Lax")
	}
}

func TestTransport_DefaultSessionMaxAge(t *testing.T) {
	tr := New(Config{})
	assert.Equal(t, DefaultSessionMaxAge, tr.SessionMaxAge())

	header := setCookieHeader(t, func(w http.ResponseWriter) { tr.SetSessionCookie(w, "tok") })
	assert.Contains(t, header, "Max-Age=604800")
}

func TestTransport_Clear(t *testing.T) {
	tr := New(Config{})

	session := setCookieHeader(t, func(w http.ResponseWriter) { tr.ClearSessionCookie(w) })
	assert.True(t, strings.HasPrefix(session, "session=;"))
	assert.Contains(t, session, "Max-Age=0")
	assert.Contains(t, session, "Path=/")

	csrf := setCookieHeader(t, func(w http.ResponseWriter) { tr.ClearCSRFCookie(w) })
	assert.True(t, strings.HasPrefix(csrf, "csrf_token=;"))
	assert.Contains(t, csrf, "Max-Age=0")
}

func TestTransport_ReadMultipleCookiesOneLine(t *testing.T) {
	tr := New(Config{})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Cookie", "theme=dark; session_old=stale; session=good.token.value; csrf_token=T1; xcsrf_token=nope")

	tok, ok := tr.SessionToken(r)
	require.True(t, ok)
	assert.Equal(t, "good.token.value", tok)

	csrf, ok := tr.CSRFToken(r)
	require.True(t, ok)
	assert.Equal(t, "T1", csrf)
}

func TestTransport_ReadAcrossHeaderLines(t *testing.T) {
	tr := New(Config{})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Add("Cookie", "theme=dark")
	r.Header.Add("Cookie", "csrf_token=T2")

	csrf, ok := tr.CSRFToken(r)
	require.True(t, ok)
	assert.Equal(t, "T2", csrf)
}

func TestTransport_ReadAbsent(t *testing.T) {
	tr := New(Config{})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := tr.SessionToken(r)
	assert.False(t, ok)

	r.Header.Set("Cookie", "sessionx=1; csrf_token=")
	_, ok = tr.SessionToken(r)
	assert.False(t, ok, "prefix matches must not count")
	_, ok = tr.CSRFToken(r)
	assert.False(t, ok, "empty value is treated as absent")
}

func TestTransport_RoundTripThroughRecorder(t *testing.T) {
	tr := New(Config{})
	rec := httptest.NewRecorder()
	tr.SetSessionCookie(rec, "a.b.c")
	tr.SetCSRFCookie(rec, "Zm9v")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		r.AddCookie(c)
	}

	tok, ok := tr.SessionToken(r)
	require.True(t, ok)
	assert.Equal(t, "a.b.c", tok)

	csrf, ok := tr.CSRFToken(r)
	require.True(t, ok)
	assert.Equal(t, "Zm9v", csrf)
}
