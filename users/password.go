package users

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/marquee/internal/util"
)

const (
	hashScheme = "argon2id"
	saltLen    = 16
)

// ErrMalformedHash is returned for stored hashes that cannot be parsed.
var ErrMalformedHash = errors.New("malformed password hash")

// HashPassword returns password hashed with Argon2id under a random salt,
// encoded as argon2id$<salt-hex>$<key-hex>.
func HashPassword(password string) (string, error) {
	salt, err := util.RandomBytes(saltLen)
	if err != nil {
		return "", err
	}
	key, err := util.DeriveArgon2idKey(password, salt, util.DefaultArgon2idParams())
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return strings.Join([]string{hashScheme, util.HexEncode(salt), util.HexEncode(key)}, "$"), nil
}

// VerifyPassword reports whether password matches encoded. The key
// comparison is constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	salt, key, err := parseHash(encoded)
	if err != nil {
		return false, err
	}
	return util.CompareArgon2idKey(password, salt, util.DefaultArgon2idParams(), key)
}

func parseHash(encoded string) (salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != hashScheme {
		return nil, nil, ErrMalformedHash
	}
	if salt, err = util.HexDecode(parts[1]); err != nil || len(salt) < saltLen {
		return nil, nil, ErrMalformedHash
	}
	if key, err = util.HexDecode(parts[2]); err != nil || len(key) != int(util.DefaultArgon2idParams().KeyLen) {
		return nil, nil, ErrMalformedHash
	}
	return salt, key, nil
}
