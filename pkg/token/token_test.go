package token

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
)

func issueProof(t *testing.T, signer crypto.Signer, approved bool, reason string, now time.Time) *proof.Proof {
	t.Helper()
	action := proof.Execute("backup --incremental")
	p, err := proof.IssueAt(action, [32]byte{0x11}, 300, approved, reason, signer, now)
	require.NoError(t, err)
	return p
}

func TestAttestRoundTrip(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("attest-test")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	p := issueProof(t, signer, true, "", now)

	attestor := NewAttestor(signer, "aegis-kernel")
	tok, err := attestor.Attest(p, "backup-agent")
	require.NoError(t, err)

	claims, err := Verify(tok, signer.PublicKey(), now.Add(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, "aegis-kernel", claims.Issuer)
	require.Equal(t, "backup-agent", claims.Subject)
	require.True(t, claims.Approved)
	require.Equal(t, hex.EncodeToString(p.ActionHash[:]), claims.ActionHash)
	require.Equal(t, hex.EncodeToString(p.Nonce[:]), claims.ID)
}

func TestDenialAttestation(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("attest-denial")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	p := issueProof(t, signer, false, `violates rule "no backups": denied`, now)

	attestor := NewAttestor(signer, "aegis-kernel")
	tok, err := attestor.Attest(p, "backup-agent")
	require.NoError(t, err)

	claims, err := Verify(tok, signer.PublicKey(), now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, claims.Approved)
	require.NotEmpty(t, claims.DenialReason)
}

func TestExpiredTokenRejected(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("attest-expiry")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	p := issueProof(t, signer, true, "", now)

	attestor := NewAttestor(signer, "aegis-kernel")
	tok, err := attestor.Attest(p, "backup-agent")
	require.NoError(t, err)

	// The token expires with the proof's TTL of 300 seconds.
	_, err = Verify(tok, signer.PublicKey(), now.Add(301*time.Second))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestForeignKeyRejected(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("attest-a")
	require.NoError(t, err)
	other, err := crypto.NewEd25519Signer("attest-b")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	p := issueProof(t, signer, true, "", now)

	tok, err := NewAttestor(signer, "aegis-kernel").Attest(p, "backup-agent")
	require.NoError(t, err)

	_, err = Verify(tok, other.PublicKey(), now.Add(time.Second))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTamperedTokenRejected(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("attest-tamper")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	p := issueProof(t, signer, true, "", now)

	tok, err := NewAttestor(signer, "aegis-kernel").Attest(p, "backup-agent")
	require.NoError(t, err)

	tampered := tok[:len(tok)-2] + "xx"
	_, err = Verify(tampered, signer.PublicKey(), now.Add(time.Second))
	require.ErrorIs(t, err, ErrInvalidToken)
}
