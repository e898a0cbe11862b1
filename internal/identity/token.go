package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's role within a tenant.
type Role string

const (
	RoleInspector Role = "INSPECTOR"
	RoleReviewer  Role = "REVIEWER"
	RoleAdmin     Role = "ADMIN"
)

// ErrUnknownRole is returned when a token or header names a role that does not exist.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole validates s as a Role. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleInspector, RoleReviewer, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Actor is an already-authenticated caller.
type Actor struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// ActorClaims are the JWT claims accepted by Verifier. Subject is the user id.
type ActorClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Verifier validates HS256 access tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string // optional; checked when non-empty
	leeway time.Duration
}

// NewVerifier creates a Verifier.
//
//	secret: HMAC key shared with the token issuer.
//	issuer: expected "iss" claim; empty disables the check.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, leeway: 30 * time.Second}
}

// Verify parses and validates an access token, returning the Actor it names.
func (v *Verifier) Verify(tokenStr string) (*Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ActorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return v.secret, nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("access token has no tenant_id")
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return nil, err
	}
	return &Actor{UserID: claims.Subject, TenantID: claims.TenantID, Role: role}, nil
}
