// Package token renders verified proofs as EdDSA-signed JWTs for consumers
// that speak JWT rather than the native proof encoding. The token is an
// attestation of a proof the auditor already accepted, not a substitute for
// proof verification.
package token

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
)

// ErrInvalidToken is returned when a token fails parsing, signature
// verification or time validation.
var ErrInvalidToken = errors.New("invalid attestation token")

// ProofClaims carries the proof's binding fields inside the JWT. Hashes are
// hex, matching the audit log export encoding.
type ProofClaims struct {
	ActionHash   string `json:"action_hash"`
	CapsuleHash  string `json:"capsule_hash"`
	Approved     bool   `json:"approved"`
	DenialReason string `json:"denial_reason,omitempty"`
	jwt.RegisteredClaims
}

// Attestor issues proof attestation tokens. It needs the raw Ed25519 key, so
// it works only with software signers; hardware-backed signers cannot hand
// their key to a JWT library.
type Attestor struct {
	key    ed25519.PrivateKey
	issuer string
	clock  func() time.Time
}

// NewAttestor derives the JWT signing key from the signer's seed.
func NewAttestor(signer *crypto.Ed25519Signer, issuer string) *Attestor {
	return &Attestor{
		key:    ed25519.NewKeyFromSeed(signer.Seed()),
		issuer: issuer,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Attestor) WithClock(clock func() time.Time) *Attestor {
	a.clock = clock
	return a
}

// Attest wraps a proof in a signed JWT. The token expires when the proof
// does; the proof's nonce becomes the token ID so attestations inherit the
// proof's uniqueness.
func (a *Attestor) Attest(p *proof.Proof, subject string) (string, error) {
	issued := time.Unix(int64(p.Timestamp), 0)
	expiry := time.Unix(int64(p.Timestamp+p.TTL), 0)

	claims := ProofClaims{
		ActionHash:   hex.EncodeToString(p.ActionHash[:]),
		CapsuleHash:  hex.EncodeToString(p.CapsuleHash[:]),
		Approved:     p.Approved,
		DenialReason: p.DenialReason,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			ID:        hex.EncodeToString(p.Nonce[:]),
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an attestation token against the issuer's
// public key. Only EdDSA is accepted.
func Verify(tokenString string, publicKey []byte, now time.Time) (*ProofClaims, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key length %d", ErrInvalidToken, len(publicKey))
	}

	claims := &ProofClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			return ed25519.PublicKey(publicKey), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
