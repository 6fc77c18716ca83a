// Package grant issues and verifies short-lived download grants. A grant is
// an HS256 JWT naming one purchase and its buyer; it never carries key material.
package grant

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/maneesh/sourcenet/internal/apperr"
)

const (
	issuer   = "sourcenet"
	audience = "sourcenet-download"
)

// Claims is the grant payload.
type Claims struct {
	jwt.RegisteredClaims
	PurchaseID string `json:"pid"`
}

// Grant is a signed token plus its expiry.
type Grant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager signs and verifies grants with one symmetric key.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewManager returns a Manager. key must be at least 32 bytes.
func NewManager(key []byte, ttl time.Duration) (*Manager, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("grant signing key must be at least 32 bytes, got %d", len(key))
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("grant ttl must be positive")
	}
	return &Manager{key: key, ttl: ttl, now: time.Now}, nil
}

// TTL returns the grant lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a grant for purchaseID held by buyerID.
func (m *Manager) Issue(purchaseID, buyerID string) (Grant, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   buyerID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		PurchaseID: purchaseID,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return Grant{}, fmt.Errorf("sign grant: %w", err)
	}
	return Grant{Token: token, ExpiresAt: expires.UTC()}, nil
}

// Verify checks signature, expiry, issuer and audience. Any failure wraps
// apperr.ErrGrantInvalid.
func (m *Manager) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			return m.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", apperr.ErrGrantInvalid)
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrGrantInvalid, err)
	}
	if !parsed.Valid || claims.ID == "" || claims.PurchaseID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: incomplete claims", apperr.ErrGrantInvalid)
	}
	return claims, nil
}
