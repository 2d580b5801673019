// Package token issues and verifies signed session tokens.
//
// A session token is a compact JWT signed with HMAC-SHA256 under a single
// process-wide secret. The secret is held in a memguard enclave and is only
// decrypted for the duration of a sign or verify call.
//
// Verification failures are reported as exactly one of two sentinel errors:
// [ErrInvalidToken] for anything malformed, unsigned, or tampered with, and
// [ErrExpiredToken] for a well-signed token whose expiry has passed.
package token
