// Package auth supplies the identity of the user a credit operation runs for.
// Tokens are Supabase style access tokens: HS256 JWTs whose subject is the
// user id.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the current user as seen by a credit operation.
type Identity interface {
	UserID() string
	IsAuthenticated() bool
}

type Anonymous struct{}

func (Anonymous) UserID() string        { return "" }
func (Anonymous) IsAuthenticated() bool { return false }

type User struct {
	ID          string
	Email       string
	Role        string
	AccessToken string
}

func (u *User) UserID() string {
	if u == nil {
		return ""
	}
	return u.ID
}

func (u *User) IsAuthenticated() bool {
	return u != nil && u.ID != ""
}

func (u *User) IsService() bool {
	return u != nil && u.Role == RoleService
}

type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns nil when secret is empty; a nil Verifier means
// authentication is disabled.
func NewVerifier(secret, issuer string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

func (v *Verifier) Verify(token string) (*User, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	return userFromClaims(&claims, token)
}

// FromToken reads the user out of a token without checking its signature.
// Clients use it to learn their own user id; the ledger verifies the token
// again on every request.
func FromToken(token string) (*User, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	return userFromClaims(&claims, token)
}

func userFromClaims(c *Claims, token string) (*User, error) {
	if c.Subject == "" {
		return nil, errors.Join(ErrInvalidToken, errors.New("token has no subject"))
	}
	return &User{ID: c.Subject, Email: c.Email, Role: c.Role, AccessToken: token}, nil
}

const (
	RoleAuthenticated = "authenticated"
	// RoleService is carried by backend callers (billing webhooks) that may
	// act on any user.
	RoleService = "service_role"
)

// Sign issues an HS256 user token. Used by tests and local tooling.
func Sign(secret, issuer, userID string, ttl time.Duration) (string, error) {
	return SignWithRole(secret, issuer, userID, RoleAuthenticated, ttl)
}

func SignWithRole(secret, issuer, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns Anonymous when no identity was attached.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok && id != nil {
		return id
	}
	return Anonymous{}
}
