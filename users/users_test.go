package users

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPassword(password)
	require.NoError(t, err)
	return h
}

func TestHashPassword(t *testing.T) {
	h := mustHash(t, "correct horse")
	parts := strings.Split(h, "$")
	require.Len(t, parts, 3)
	assert.Equal(t, "argon2id", parts[0])

	ok, err := VerifyPassword("correct horse", h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("battery staple", h)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NotEqual(t, h, mustHash(t, "correct horse"), "salts must differ")
}

func TestVerifyPassword_Malformed(t *testing.T) {
	for _, h := range []string{"", "plain", "bcrypt$00$00", "argon2id$zz$00", "argon2id$00$00"} {
		_, err := VerifyPassword("x", h)
		assert.ErrorIs(t, err, ErrMalformedHash, "hash %q", h)
	}
}

func TestDirectory_Authenticate(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Add(User{ID: "1", Email: "User@X.com", PasswordHash: mustHash(t, "hunter22")}))
	ctx := context.Background()

	u, err := d.Authenticate(ctx, "user@x.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "1", u.ID)

	_, err = d.Authenticate(ctx, "user@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = d.Authenticate(ctx, "nobody@x.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDirectory_AuthenticateCancelled(t *testing.T) {
	d := NewDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Authenticate(ctx, "user@x.com", "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirectory_AddValidates(t *testing.T) {
	d := NewDirectory()
	h := mustHash(t, "pw")

	assert.Error(t, d.Add(User{ID: "1", Email: "not-an-email", PasswordHash: h}))
	assert.Error(t, d.Add(User{Email: "a@x.com", PasswordHash: h}))
	assert.ErrorIs(t, d.Add(User{ID: "1", Email: "a@x.com", PasswordHash: "plain"}), ErrMalformedHash)

	require.NoError(t, d.Add(User{ID: "1", Email: "a@x.com", PasswordHash: h}))
	assert.ErrorIs(t, d.Add(User{ID: "2", Email: "A@x.com", PasswordHash: h}), ErrDuplicateUser)
	assert.Equal(t, 1, d.Len())
}

func TestLoadFile(t *testing.T) {
	h := mustHash(t, "hunter22")
	doc := "users:\n" +
		"  - id: \"7\"\n" +
		"    email: admin@x.com\n" +
		"    password_hash: " + h + "\n" +
		"    admin: true\n"
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	d, err := LoadFile(path)
	require.NoError(t, err)
	u, ok := d.Lookup("ADMIN@x.com")
	require.True(t, ok)
	assert.Equal(t, "7", u.ID)
	assert.True(t, u.Admin)
}

func TestParse(t *testing.T) {
	d, err := Parse(nil)
	require.NoError(t, err)
	assert.Zero(t, d.Len())

	_, err = Parse([]byte("users:\n  - id: \"1\"\n    emial: typo@x.com\n"))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
