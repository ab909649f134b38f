// Package auth issues and verifies login tokens and hashes passwords.
//
// Tokens are HS256 JWTs whose subject is the user id and whose "name" claim is
// the display name at login time. The same tokens authenticate REST calls
// (Authorization: Bearer) and websocket connects (?token=).
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/trentd187/roomchat/internal/realtime"
)

const issuer = "roomchat"

// ErrInvalidCredentials means a username and password pair did not match.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// Issuer signs and verifies tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. ttl is the lifetime of every issued token.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// IssueToken signs a token for the user.
func (i *Issuer) IssueToken(userID uuid.UUID, displayName string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Name: displayName,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseToken verifies signature, algorithm, issuer and expiry and returns the
// identity the token carries. Every failure wraps realtime.ErrAuthRejected.
func (i *Issuer) ParseToken(token string) (realtime.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return realtime.Identity{}, fmt.Errorf("%w: missing token", realtime.ErrAuthRejected)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return realtime.Identity{}, fmt.Errorf("%w: %v", realtime.ErrAuthRejected, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return realtime.Identity{}, fmt.Errorf("%w: bad subject", realtime.ErrAuthRejected)
	}
	return realtime.Identity{UserID: id, DisplayName: claims.Name}, nil
}

// ResolveIdentity implements realtime.IdentityResolver.
func (i *Issuer) ResolveIdentity(_ context.Context, credential string) (realtime.Identity, error) {
	return i.ParseToken(credential)
}

var _ realtime.IdentityResolver = (*Issuer)(nil)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword compares password with a hash from HashPassword.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
