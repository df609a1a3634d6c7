// Package auth covers password hashing, JWT issue/verify, and the
// role-gated access predicates.
package auth

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/rennteam/pitwall/internal/apperr"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

// HashPassword returns a bcrypt hash of the password. bcrypt embeds a
// per-user salt and its comparison is constant-time.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "hash password")
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword enforces the account password policy.
func ValidatePassword(password string) error {
	if password == "" {
		return apperr.New(apperr.Validation, "password is required")
	}
	if len(password) < minPasswordLength {
		return apperr.Newf(apperr.Validation, "password must be at least %d characters", minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return apperr.Newf(apperr.Validation, "password must be at most %d characters", maxPasswordLength)
	}
	allDigits, allLetters := true, true
	distinct := map[rune]struct{}{}
	for _, r := range password {
		if !unicode.IsDigit(r) {
			allDigits = false
		}
		if !unicode.IsLetter(r) {
			allLetters = false
		}
		distinct[r] = struct{}{}
	}
	if allDigits {
		return apperr.New(apperr.Validation, "password cannot be all numbers")
	}
	if allLetters {
		return apperr.New(apperr.Validation, "password must contain at least one number or special character")
	}
	if len(distinct) < 3 {
		return apperr.New(apperr.Validation, "password must contain at least 3 distinct characters")
	}
	return nil
}
