// Package identity turns bearer tokens into authenticated principals.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"healthgate.org/internal/auth"
)

const defaultIssuer = "healthgate"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// PermissionSource resolves the stored role and effective permission set of
// a principal.
type PermissionSource interface {
	PrimaryRole(ctx context.Context, principalID string) (auth.RoleName, error)
	EffectivePermissions(ctx context.Context, principalID string) (auth.PermissionSet, error)
}

// Claims are the JWT claims understood by the verifier.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier signs and verifies HS256 access tokens.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	perms  PermissionSource
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier) error

// WithIssuer sets the expected and issued "iss" claim.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("issuer is required")
		}
		v.issuer = issuer
		return nil
	}
}

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(v *Verifier) error {
		if ttl <= 0 {
			return errors.New("ttl must be greater than zero")
		}
		v.ttl = ttl
		return nil
	}
}

// WithPermissionSource loads the role and permissions from stored
// assignments. The token's role claim is then ignored.
func WithPermissionSource(src PermissionSource) Option {
	return func(v *Verifier) error {
		if src == nil {
			return errors.New("permission source is required")
		}
		v.perms = src
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) error {
		if now == nil {
			return errors.New("clock function is required")
		}
		v.now = now
		return nil
	}
}

// NewVerifier constructs a verifier with an HMAC secret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret is not configured")
	}
	v := &Verifier{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    15 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Issue signs a token for a principal. Used by operators and tests; token
// issuance as a product lives elsewhere.
func (v *Verifier) Issue(principalID, email string, role auth.RoleName) (string, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return "", errors.New("principal id is required")
	}
	now := v.now().UTC()
	claims := Claims{
		Email: strings.TrimSpace(email),
		Role:  string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate verifies token and returns the principal it names.
func (v *Verifier) Authenticate(ctx context.Context, token string) (auth.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return auth.Principal{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return auth.Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return auth.Principal{}, ErrInvalidToken
	}
	role, err := auth.ParseRoleName(claims.Role)
	if err != nil {
		return auth.Principal{}, ErrInvalidToken
	}

	principal := auth.Principal{ID: claims.Subject, Email: claims.Email, Role: role}
	if v.perms == nil {
		principal.Permissions = auth.RolePermissions(role)
		return principal, nil
	}
	stored, err := v.perms.PrimaryRole(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, ErrInvalidToken
		}
		return auth.Principal{}, fmt.Errorf("load role: %w", err)
	}
	set, err := v.perms.EffectivePermissions(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, ErrInvalidToken
		}
		return auth.Principal{}, fmt.Errorf("load permissions: %w", err)
	}
	principal.Role = stored
	principal.Permissions = set
	return principal, nil
}
