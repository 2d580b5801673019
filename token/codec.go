package token

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/marquee/internal/util"
	"github.com/jmcleod/marquee/internal/uuid"
)

const (
	// MinSecretLen is the shortest accepted signing secret.
	MinSecretLen = 32

	defaultIssuer = "marquee"
)

// Codec signs and verifies session tokens. It is safe for concurrent use.
type Codec struct {
	secret *memguard.Enclave
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithIssuer sets the "iss" claim written into and required from tokens.
func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		c.issuer = issuer
	}
}

// NewCodec returns a Codec keyed by secret. The secret is copied into an
// encrypted enclave; the caller may wipe its own copy afterwards.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	c := &Codec{
		secret: memguard.NewEnclave(util.CopyBytes(secret)),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Claims are checked in Verify, after the signature, against c.now.
	c.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)
	return c, nil
}

// Issue returns a signed token for the given identity that expires ttl after
// now. A ttl of zero or less yields a token that is already expired.
//
// Token timestamps have whole-second precision. A positive ttl rounds the
// expiry up, so a token never expires before now+ttl.
func (c *Codec) Issue(userID, email string, ttl time.Duration) (string, error) {
	now := c.now()
	issuedAt := now.Truncate(time.Second)
	expiresAt := now.Add(ttl)
	if rounded := expiresAt.Truncate(time.Second); ttl > 0 && rounded.Before(expiresAt) {
		expiresAt = rounded.Add(time.Second)
	} else {
		expiresAt = rounded
	}

	claims := wireClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New(),
		},
	}

	key, err := c.secret.Open()
	if err != nil {
		return "", fmt.Errorf("opening signing secret: %w", err)
	}
	defer key.Destroy()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key.Bytes())
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns its claims.
// The returned error wraps ErrInvalidToken or ErrExpiredToken.
func (c *Codec) Verify(raw string) (SessionClaims, error) {
	if raw == "" {
		return SessionClaims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	key, err := c.secret.Open()
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: opening signing secret: %v", ErrInvalidToken, err)
	}
	defer key.Destroy()

	var claims wireClaims
	_, err = c.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key.Bytes(), nil
	})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return SessionClaims{}, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	}
	if claims.Issuer != c.issuer {
		return SessionClaims{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if !c.now().Before(claims.ExpiresAt.Time) {
		return SessionClaims{}, ErrExpiredToken
	}
	return claims.session(), nil
}
