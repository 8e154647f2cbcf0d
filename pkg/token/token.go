// Package token mints and verifies signed bearer tokens for capability
// grants. Tokens are HS256 JWTs carrying the grant's identity and scope so
// downstream services can verify a grant without a round-trip to the core.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
)

const issuer = "vorion-core"

// GrantClaims are the JWT claims of a capability bearer token.
type GrantClaims struct {
	ACI        string `json:"aci"`
	DomainMask uint32 `json:"domain_mask"`
	Level      int    `json:"level"`
	jwt.RegisteredClaims
}

// Minter signs and verifies grant tokens with a shared secret.
type Minter struct {
	secret []byte
	clock  func() time.Time
}

// Option configures a Minter.
type Option func(*Minter)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Minter) { m.clock = clock }
}

// NewMinter creates a minter. The secret must be non-empty; length policy is
// enforced by config validation, not here.
func NewMinter(secret string, opts ...Option) (*Minter, error) {
	if secret == "" {
		return nil, apierror.Configuration("grant token secret is empty")
	}
	m := &Minter{secret: []byte(secret), clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mint issues a bearer token for a grant. The token expires with the grant.
func (m *Minter) Mint(grant *contracts.CapabilityGrant) (string, error) {
	now := m.clock()
	claims := GrantClaims{
		ACI:        grant.ACI,
		DomainMask: grant.DomainMask,
		Level:      grant.Level,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   grant.ACI,
			ID:        grant.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", apierror.Wrap(apierror.CodeEncryption, err, "sign grant token")
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (m *Minter) Verify(tokenString string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeUnauthorized, err, "invalid grant token")
	}
	return claims, nil
}
