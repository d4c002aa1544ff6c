package proof

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/aegis-kernel/aegis/pkg/crypto"
)

const (
	// NonceSize is the replay-protection nonce width in bytes.
	NonceSize = 32
	// HashSize is the digest width for action and capsule hashes.
	HashSize = 32
	// SignatureSize is the Ed25519 signature width.
	SignatureSize = 64

	// ClockSkewTolerance bounds how far in the future a proof timestamp may
	// sit before the proof is rejected outright. Distrusting the local clock
	// beyond this window is deliberate; see CheckFreshness.
	ClockSkewTolerance = 5 * time.Minute

	proofEncodingVersion byte = 1
)

var (
	// ErrProofExpired means timestamp + TTL is behind the verifier's clock.
	ErrProofExpired = errors.New("proof: expired")

	// ErrProofFromFuture means the timestamp is ahead of the verifier's
	// clock by more than the skew tolerance.
	ErrProofFromFuture = errors.New("proof: timestamp is in the future")

	// ErrTruncated means a serialized proof is too short to decode.
	ErrTruncated = errors.New("proof: truncated encoding")

	// ErrUnknownVersion means a serialized proof has an unsupported
	// encoding version tag.
	ErrUnknownVersion = errors.New("proof: unknown encoding version")
)

// Proof is a signed, replay-protected record that one specific action was
// evaluated against one specific sealed capsule. ActionHash and CapsuleHash
// are fixed at issuance and never recomputed; the signature covers every
// other field.
type Proof struct {
	Nonce        [NonceSize]byte
	Timestamp    uint64 // epoch seconds
	TTL          uint64 // seconds
	ActionHash   [HashSize]byte
	CapsuleHash  [HashSize]byte
	Approved     bool
	DenialReason string
	Signature    []byte
}

// Issue creates and signs a proof for an action at the current time.
func Issue(action *Action, capsuleHash [HashSize]byte, ttl uint64, approved bool, denialReason string, signer crypto.Signer) (*Proof, error) {
	return IssueAt(action, capsuleHash, ttl, approved, denialReason, signer, time.Now())
}

// IssueAt is Issue with an explicit issuance time, for deterministic tests.
func IssueAt(action *Action, capsuleHash [HashSize]byte, ttl uint64, approved bool, denialReason string, signer crypto.Signer, now time.Time) (*Proof, error) {
	actionHash, err := action.Hash()
	if err != nil {
		return nil, err
	}

	p := &Proof{
		Timestamp:    uint64(now.Unix()),
		TTL:          ttl,
		ActionHash:   actionHash,
		CapsuleHash:  capsuleHash,
		Approved:     approved,
		DenialReason: denialReason,
	}
	if _, err := rand.Read(p.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	sig, err := signer.Sign(p.SigningBytes())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p, nil
}

// SigningBytes returns the deterministic serialization of every field except
// the signature. Layout:
//
//	version (1) || nonce (32) || timestamp (8, LE) || ttl (8, LE) ||
//	action_hash (32) || capsule_hash (32) || approved (1) ||
//	len(denial_reason) (4, LE) || denial_reason
func (p *Proof) SigningBytes() []byte {
	buf := make([]byte, 0, 1+NonceSize+16+2*HashSize+5+len(p.DenialReason))
	buf = append(buf, proofEncodingVersion)
	buf = append(buf, p.Nonce[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, p.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, p.TTL)
	buf = append(buf, p.ActionHash[:]...)
	buf = append(buf, p.CapsuleHash[:]...)
	if p.Approved {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendLengthPrefixed(buf, []byte(p.DenialReason))
	return buf
}

// CheckFreshness validates the proof's time window against now.
// Elapsed time uses saturating subtraction so a wrapped difference can never
// make a stale proof look fresh. A timestamp further in the future than the
// skew tolerance fails with ErrProofFromFuture rather than being treated as
// fresh.
func (p *Proof) CheckFreshness(now time.Time) error {
	nowSec := uint64(now.Unix())

	if p.Timestamp > nowSec {
		ahead := p.Timestamp - nowSec
		if ahead > uint64(ClockSkewTolerance/time.Second) {
			return fmt.Errorf("%w: %ds ahead of verifier clock", ErrProofFromFuture, ahead)
		}
		return nil // within tolerance, and cannot be expired yet
	}

	elapsed := nowSec - p.Timestamp
	if elapsed > p.TTL {
		return fmt.Errorf("%w: issued %ds ago, ttl %ds", ErrProofExpired, elapsed, p.TTL)
	}
	return nil
}

// IsExpired reports whether the proof is outside its validity window.
func (p *Proof) IsExpired(now time.Time) bool {
	return p.CheckFreshness(now) != nil
}

// BindsAction reports whether the proof was issued for exactly this action.
// Any difference in the action's canonical encoding, even with an identical
// target string, breaks the binding.
func (p *Proof) BindsAction(action *Action) (bool, error) {
	h, err := action.Hash()
	if err != nil {
		return false, err
	}
	return bytes.Equal(p.ActionHash[:], h[:]), nil
}

// Encode serializes the proof for transport or storage. The layout is
// SigningBytes followed by the fixed-width signature, so a decoded proof
// re-verifies byte-for-byte.
func (p *Proof) Encode() ([]byte, error) {
	if len(p.Signature) != SignatureSize {
		return nil, fmt.Errorf("proof: signature must be %d bytes, got %d", SignatureSize, len(p.Signature))
	}
	buf := p.SigningBytes()
	return append(buf, p.Signature...), nil
}

// Decode reconstructs a proof from its wire encoding.
func Decode(data []byte) (*Proof, error) {
	const fixed = 1 + NonceSize + 16 + 2*HashSize + 1 + 4
	if len(data) < fixed+SignatureSize {
		return nil, ErrTruncated
	}
	if data[0] != proofEncodingVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, data[0])
	}

	p := &Proof{}
	off := 1
	off += copy(p.Nonce[:], data[off:off+NonceSize])
	p.Timestamp = binary.LittleEndian.Uint64(data[off:])
	off += 8
	p.TTL = binary.LittleEndian.Uint64(data[off:])
	off += 8
	off += copy(p.ActionHash[:], data[off:off+HashSize])
	off += copy(p.CapsuleHash[:], data[off:off+HashSize])
	p.Approved = data[off] == 1
	off++

	reasonLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) != off+reasonLen+SignatureSize {
		return nil, ErrTruncated
	}
	p.DenialReason = string(data[off : off+reasonLen])
	off += reasonLen

	p.Signature = make([]byte, SignatureSize)
	copy(p.Signature, data[off:])
	return p, nil
}
