package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	d, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("pit-lane-42")
	require.NoError(t, err)
	require.NotEqual(t, "pit-lane-42", hash)
	require.True(t, VerifyPassword(hash, "pit-lane-42"))
	require.False(t, VerifyPassword(hash, "pit-lane-43"))
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		name     string
		password string
		ok       bool
	}{
		{"valid", "pit-lane-42", true},
		{"too short", "ab1", false},
		{"all digits", "12345678", false},
		{"all letters", "abcdefgh", false},
		{"too few distinct", "aa11aa11", false},
		{"three distinct", "aa11bb11", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	require.NoError(t, ValidateUsername("max.verstappen-1_b"))
	require.Error(t, ValidateUsername(""))
	require.Error(t, ValidateUsername("has space"))
	require.Error(t, ValidateUsername("emoji🏎"))
}

func TestValidateRoles(t *testing.T) {
	require.NoError(t, ValidateRoles([]string{"DAQ"}))
	require.NoError(t, ValidateRoles([]string{"aero", "ergo"}))
	require.Error(t, ValidateRoles([]string{"DAQ", "aero", "ergo"}))
	require.Error(t, ValidateRoles([]string{"marketing"}))
}

func TestTokenRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "boss", "hash", true, nil)
	require.NoError(t, err)

	tokens := NewTokens("test-secret", d)
	raw, err := tokens.Issue(u)
	require.NoError(t, err)

	got, err := tokens.Verify(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
	require.True(t, got.IsAdmin)
}

func TestTokenRejections(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "crew", "hash", false, []string{"DAQ"})
	require.NoError(t, err)
	tokens := NewTokens("test-secret", d)

	t.Run("garbage", func(t *testing.T) {
		_, err := tokens.Verify(ctx, "not.a.token")
		require.True(t, apperr.Is(err, apperr.Unauthorized))
	})

	t.Run("wrong secret", func(t *testing.T) {
		raw, err := NewTokens("other-secret", d).Issue(u)
		require.NoError(t, err)
		_, err = tokens.Verify(ctx, raw)
		require.True(t, apperr.Is(err, apperr.Unauthorized))
	})

	t.Run("expired", func(t *testing.T) {
		claims := Claims{
			UID: u.ID,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   u.Username,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = tokens.Verify(ctx, raw)
		require.True(t, apperr.Is(err, apperr.Unauthorized))
	})

	t.Run("deleted user", func(t *testing.T) {
		raw, err := tokens.Issue(u)
		require.NoError(t, err)
		_, err = d.CreateUser(ctx, "boss", "hash", true, nil)
		require.NoError(t, err)
		require.NoError(t, d.DeleteUser(ctx, u.ID))
		_, err = tokens.Verify(ctx, raw)
		require.True(t, apperr.Is(err, apperr.Unauthorized))
	})
}
