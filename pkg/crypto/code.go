package crypto

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrCodeMismatch reports a code that does not match its hash.
var ErrCodeMismatch = errors.New("code does not match")

// HashCode hashes an admin invitation code with bcrypt for storage in
// configuration.
func HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(code)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareCode checks code against a bcrypt hash. Surrounding whitespace in
// either value is ignored.
func CompareCode(hash, code string) error {
	err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(hash)), []byte(strings.TrimSpace(code)))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrCodeMismatch
	}
	return err
}
