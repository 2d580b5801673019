// Package users is the credential directory the login endpoint checks
// submitted email and password pairs against.
package users

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/marquee/internal/util"
)

var (
	// ErrInvalidCredentials is returned for an unknown email or a wrong
	// password; the two are not distinguished.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrDuplicateUser is returned when an email is added twice.
	ErrDuplicateUser = errors.New("user already exists")
)

// User is an account that can sign in.
type User struct {
	ID           string `yaml:"id" validate:"required"`
	Email        string `yaml:"email" validate:"required,email"`
	PasswordHash string `yaml:"password_hash" validate:"required"`
	Admin        bool   `yaml:"admin"`
}

// Authenticator checks credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (User, error)
}

// Directory is an in-memory Authenticator. It is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	byEmail map[string]User
	dummy   string
}

var _ Authenticator = (*Directory)(nil)

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	// Unknown emails are checked against this hash so that they cost as
	// much as a wrong password.
	dummy, err := HashPassword(util.HexEncode([]byte("marquee-unknown-user")))
	if err != nil {
		panic(fmt.Sprintf("users: hashing placeholder password: %v", err))
	}
	return &Directory{byEmail: make(map[string]User), dummy: dummy}
}

// Add registers u. The email is matched case-insensitively.
func (d *Directory) Add(u User) error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid user %q: %w", u.Email, err)
	}
	if _, _, err := parseHash(u.PasswordHash); err != nil {
		return fmt.Errorf("invalid user %q: %w", u.Email, err)
	}
	key := util.NormalizeIdentifier(u.Email)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byEmail[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, u.Email)
	}
	d.byEmail[key] = u
	return nil
}

// Lookup returns the user registered under email.
func (d *Directory) Lookup(email string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byEmail[util.NormalizeIdentifier(email)]
	return u, ok
}

// Len returns the number of users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byEmail)
}

func (d *Directory) Authenticate(ctx context.Context, email, password string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, ok := d.Lookup(email)
	hash := u.PasswordHash
	if !ok {
		hash = d.dummy
	}
	match, err := VerifyPassword(password, hash)
	if err != nil {
		return User{}, fmt.Errorf("verifying password: %w", err)
	}
	if !ok || !match {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

type file struct {
	Users []User `yaml:"users"`
}

// LoadFile reads a YAML users file of the form
//
//	users:
//	  - id: "1"
//	    email: user@example.com
//	    password_hash: argon2id$<salt-hex>$<key-hex>
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML users document.
func Parse(data []byte) (*Directory, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	d := NewDirectory()
	for _, u := range f.Users {
		if err := d.Add(u); err != nil {
			return nil, err
		}
	}
	return d, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())
