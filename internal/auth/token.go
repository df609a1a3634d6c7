package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/store"
)

// TokenTTL is how long issued access tokens stay valid.
const TokenTTL = 12 * time.Hour

// Claims is the JWT payload carried by access tokens.
type Claims struct {
	UID     int64    `json:"uid"`
	IsAdmin bool     `json:"is_admin"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HMAC-signed access tokens. Verification also
// confirms the subject still exists, so deleted users lose access
// immediately rather than at expiry.
type Tokens struct {
	secret []byte
	db     *store.DB
}

// NewTokens creates a token service with the given signing secret.
func NewTokens(secret string, db *store.DB) *Tokens {
	return &Tokens{secret: []byte(secret), db: db}
}

// Issue creates a signed token for the user.
func (t *Tokens) Issue(u *store.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UID:     u.ID,
		IsAdmin: u.IsAdmin,
		Roles:   u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "sign token")
	}
	return signed, nil
}

// Verify checks the signature and expiry and resolves the current user
// record. Role changes since issue take effect here because the stored
// roles win over the token's claims.
func (t *Tokens) Verify(ctx context.Context, tokenStr string) (*store.User, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.New(apperr.Unauthorized, "unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.New(apperr.Unauthorized, "invalid authentication token")
	}
	user, err := t.db.GetUserByName(ctx, claims.Subject)
	if apperr.Is(err, apperr.NotFound) {
		return nil, apperr.New(apperr.Unauthorized, "user no longer exists")
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
