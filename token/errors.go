package token

import "errors"

var (
	// ErrInvalidToken is returned for malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrExpiredToken is returned for correctly signed tokens past expiry.
	ErrExpiredToken = errors.New("expired session token")
	// ErrWeakSecret is returned by NewCodec when the signing secret is too short.
	ErrWeakSecret = errors.New("signing secret must be at least 32 bytes")
)
