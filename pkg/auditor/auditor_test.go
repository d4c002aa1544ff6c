package auditor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
	"github.com/aegis-kernel/aegis/pkg/replay"
)

func newFixture(t *testing.T) (*Auditor, *crypto.Ed25519Signer) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("auditor-test")
	require.NoError(t, err)
	return New(signer, replay.NewMemoryGuard()), signer
}

func issueProof(t *testing.T, signer *crypto.Ed25519Signer, ttl uint64) *proof.Proof {
	t.Helper()
	p, err := proof.Issue(proof.Delete("test.txt"), [proof.HashSize]byte{1}, ttl, true, "", signer)
	require.NoError(t, err)
	return p
}

func TestVerifyProofSucceedsExactlyOnce(t *testing.T) {
	a, signer := newFixture(t)
	p := issueProof(t, signer, 3600)

	require.NoError(t, a.VerifyProof(context.Background(), p))

	// Second verification of the same proof is a replay.
	err := a.VerifyProof(context.Background(), p)
	assert.ErrorIs(t, err, replay.ErrNonceReused)
}

func TestVerifyProofRejectsTamperedSignature(t *testing.T) {
	a, signer := newFixture(t)
	p := issueProof(t, signer, 3600)
	p.Signature[0] ^= 0xff

	err := a.VerifyProof(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyProofRejectsForeignSigner(t *testing.T) {
	a, _ := newFixture(t)
	other, err := crypto.NewEd25519Signer("other")
	require.NoError(t, err)

	p := issueProof(t, other, 3600)
	assert.ErrorIs(t, a.VerifyProof(context.Background(), p), ErrInvalidSignature)
}

func TestVerifyProofRejectsExpired(t *testing.T) {
	a, signer := newFixture(t)
	p := issueProof(t, signer, 60)

	a.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	assert.ErrorIs(t, a.VerifyProof(context.Background(), p), proof.ErrProofExpired)
}

func TestVerifyProofRejectsFutureDated(t *testing.T) {
	a, signer := newFixture(t)
	p := issueProof(t, signer, 60)

	a.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	assert.ErrorIs(t, a.VerifyProof(context.Background(), p), proof.ErrProofFromFuture)
}

func TestExpiredProofDoesNotConsumeNonce(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("auditor-test")
	require.NoError(t, err)
	guard := replay.NewMemoryGuard()
	a := New(signer, guard)

	p := issueProof(t, signer, 60)

	a.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	require.Error(t, a.VerifyProof(context.Background(), p))
	assert.Equal(t, 0, guard.Len())
}

func TestVerifyProofForAction(t *testing.T) {
	a, signer := newFixture(t)

	action := proof.Execute("ls -la")
	p, err := proof.Issue(action, [proof.HashSize]byte{}, 3600, true, "", signer)
	require.NoError(t, err)

	// Substituting a different action with the same target fails binding.
	err = a.VerifyProofForAction(context.Background(), p, proof.Delete("ls -la"))
	assert.ErrorIs(t, err, ErrActionMismatch)

	require.NoError(t, a.VerifyProofForAction(context.Background(), p, action))
}

func TestVerifyProofCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer otel.SetMeterProvider(prev)

	a, signer := newFixture(t)
	p := issueProof(t, signer, 3600)

	require.NoError(t, a.VerifyProof(context.Background(), p))
	require.Error(t, a.VerifyProof(context.Background(), p)) // replay

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}
	assert.True(t, found["aegis.proofs.verified"])
	assert.True(t, found["aegis.proofs.rejected"])
}
