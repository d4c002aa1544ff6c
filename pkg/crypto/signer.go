// Package crypto provides the signing capability used by every proof-emitting
// component. Implementations differ in where private key material lives; the
// contract is identical: constant-time handling of secrets, a key-consistency
// self-check before the first signature, and verify-after-sign so a faulted
// signing operation surfaces as an error instead of a plausible-looking but
// wrong signature.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// Errors raised by signer implementations. All are fatal to the call and
// never retried: a corrupted signature must not be silently reattempted.
var (
	// ErrKeyMismatch means the reported public key does not correspond to
	// the private key that would be used to sign.
	ErrKeyMismatch = errors.New("crypto: public key does not match private key")

	// ErrSigningFault means the verify-after-sign check failed.
	ErrSigningFault = errors.New("crypto: signing fault detected, signature discarded")

	// ErrInvalidKey means key material has the wrong size or shape.
	ErrInvalidKey = errors.New("crypto: invalid key material")
)

// Signer produces and verifies digital signatures.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) bool
	PublicKey() []byte
}

// Ed25519Signer keeps key material in process memory.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return newCheckedSigner(priv, pub, keyID)
}

// NewEd25519SignerFromSeed reconstructs a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newCheckedSigner(priv, priv.Public().(ed25519.PublicKey), keyID)
}

// newCheckedSigner validates that the public key corresponds to the private
// key before the signer can produce its first signature. The comparison is
// constant-time.
func newCheckedSigner(priv ed25519.PrivateKey, pub ed25519.PublicKey, keyID string) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	derived := priv.Public().(ed25519.PublicKey)
	if subtle.ConstantTimeCompare(derived, pub) != 1 {
		return nil, ErrKeyMismatch
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// Sign signs data and re-verifies the result against the signer's own public
// key before returning it.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	sig := ed25519.Sign(s.privKey, data)
	if !ed25519.Verify(s.pubKey, data, sig) {
		return nil, ErrSigningFault
	}
	return sig, nil
}

// Verify checks a signature against the signer's public key.
func (s *Ed25519Signer) Verify(data, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(s.pubKey, data, signature)
}

// PublicKey returns the raw 32-byte public key.
func (s *Ed25519Signer) PublicKey() []byte {
	out := make([]byte, len(s.pubKey))
	copy(out, s.pubKey)
	return out
}

// PublicKeyHex returns the hex-encoded public key for display and logging.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

// Seed returns the 32-byte private seed. Used by FileKeyStore persistence.
func (s *Ed25519Signer) Seed() []byte {
	out := make([]byte, ed25519.SeedSize)
	copy(out, s.privKey.Seed())
	return out
}

// VerifyWithKey verifies a signature against an external public key.
func VerifyWithKey(pubKey, data, signature []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKey, ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, signature), nil
}
