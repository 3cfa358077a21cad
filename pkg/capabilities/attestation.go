// Package capabilities issues and verifies host attestations for kernel
// capabilities. An attestation is an EdDSA-signed JWT naming the agent and
// the capabilities the host vouches for; verifying it is how a host decides
// what to pass to CapabilitySet.Attest.
package capabilities

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

const (
	DefaultIssuer   = "openibank/host"
	DefaultAudience = "openibank.kernel"
)

var ErrWrongAgent = errors.New("attestation issued for another agent")

// Claims carries the attested capabilities for one agent (the subject).
type Claims struct {
	jwt.RegisteredClaims
	Capabilities []contracts.Capability `json:"caps"`
}

// Issuer signs attestations.
type Issuer struct {
	key    ed25519.PrivateKey
	issuer string
	now    func() time.Time
}

// NewIssuer wraps a host key. now may be nil.
func NewIssuer(key ed25519.PrivateKey, now func() time.Time) *Issuer {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Issuer{key: key, issuer: DefaultIssuer, now: now}
}

// Issue signs a token attesting caps for agentID, valid for ttl.
func (i *Issuer) Issue(agentID string, caps []contracts.Capability, ttl time.Duration) (string, error) {
	for _, c := range caps {
		if err := c.Validate(); err != nil {
			return "", err
		}
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Capabilities: caps,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
}

// Verifier checks attestations against the host public key.
type Verifier struct {
	pub ed25519.PublicKey
	now func() time.Time
}

// NewVerifier wraps the host public key. now may be nil.
func NewVerifier(pub ed25519.PublicKey, now func() time.Time) *Verifier {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Verifier{pub: pub, now: now}
}

// Verify parses the token and returns its claims. Only EdDSA is accepted.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(*jwt.Token) (any, error) { return v.pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(DefaultIssuer),
		jwt.WithAudience(DefaultAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("attestation: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	for _, c := range claims.Capabilities {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("attestation: %w", err)
		}
	}
	return claims, nil
}

// AttestInto verifies token for agentID and attests every capability it
// names in set. Nothing is attested if verification fails.
func (v *Verifier) AttestInto(set *contracts.CapabilitySet, agentID, token string) ([]contracts.Capability, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject != agentID {
		return nil, fmt.Errorf("%w: %q", ErrWrongAgent, claims.Subject)
	}
	for _, c := range claims.Capabilities {
		if err := set.Attest(c); err != nil {
			return nil, err
		}
	}
	return claims.Capabilities, nil
}
