package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the authenticated identity carried by a session token.
type SessionClaims struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// wireClaims is the JWT payload. The user id travels as "sub".
type wireClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (c wireClaims) session() SessionClaims {
	return SessionClaims{
		UserID:    c.Subject,
		Email:     c.Email,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}
}
