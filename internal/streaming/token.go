package streaming

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/nodeflow/pkg/schema"
)

const tokenIssuer = "nodeflow"

// ErrInvalidToken is returned by Verify for malformed, forged or expired tokens.
var ErrInvalidToken = errors.New("invalid status token")

// TokenIssuer signs HS256 subscription tokens scoped to one category.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer returns an issuer for secret, which must not be empty.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "status token secret is empty")
	}
	return &TokenIssuer{secret: []byte(secret), now: time.Now}, nil
}

// Issue returns a token for category valid for ttl, and its expiry.
func (i *TokenIssuer) Issue(category string, ttl time.Duration) (string, time.Time, error) {
	if category == "" {
		return "", time.Time{}, schema.NewError(schema.ErrCodeValidation, "category is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, schema.NewError(schema.ErrCodeValidation, "token ttl must be positive")
	}
	now := i.now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   category,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks token and returns the category it grants.
func (i *TokenIssuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
