package auth

import (
	"regexp"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/store"
)

// Roles is the closed set of subteam roles.
var Roles = []string{
	"DAQ", "Chief", "suspension", "electronic", "drivetrain",
	"driver", "chasis", "aero", "ergo", "powertrain",
}

var roleSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Roles))
	for _, r := range Roles {
		m[r] = struct{}{}
	}
	return m
}()

const maxUsernameLength = 64

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

// ValidateUsername enforces the account name policy.
func ValidateUsername(username string) error {
	if username == "" {
		return apperr.New(apperr.Validation, "username is required")
	}
	if len(username) > maxUsernameLength {
		return apperr.Newf(apperr.Validation, "username must be at most %d characters", maxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return apperr.New(apperr.Validation, "username may only contain letters, numbers, underscores, dots, and hyphens")
	}
	return nil
}

// ValidateRoles checks that every role is in the closed set and at most two
// are given. The admin/non-admin cardinality is enforced by the store.
func ValidateRoles(roles []string) error {
	if len(roles) > 2 {
		return apperr.New(apperr.Validation, "a user can have at most 2 roles")
	}
	for _, r := range roles {
		if _, ok := roleSet[r]; !ok {
			return apperr.Newf(apperr.Validation, "unknown role %q", r)
		}
	}
	return nil
}

// IsRole reports whether role is in the closed set.
func IsRole(role string) bool {
	_, ok := roleSet[role]
	return ok
}

// CanAccessForm reports whether a user may read or write the form owned by
// role. Reading and writing share the same predicate.
func CanAccessForm(u *store.User, role string) bool {
	if u.IsAdmin {
		return true
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
