// Package auditor independently re-verifies proofs before a downstream
// executor acts on them. The auditor holds no authority of its own: signature
// trust lives in the injected Signer and replay state in the injected Guard.
// Each failure mode gets its own error variant because the caller's
// remediation differs per cause.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
	"github.com/aegis-kernel/aegis/pkg/replay"
)

var (
	// ErrInvalidSignature means the proof's signature does not verify
	// against the auditor's trusted public key.
	ErrInvalidSignature = errors.New("auditor: invalid signature")

	// ErrActionMismatch means the proof was issued for a different action
	// than the one presented.
	ErrActionMismatch = errors.New("auditor: proof does not bind presented action")
)

// Auditor verifies proof signature, freshness and nonce uniqueness.
type Auditor struct {
	signer crypto.Signer
	guard  replay.Guard
	clock  func() time.Time

	verified metric.Int64Counter
	rejected metric.Int64Counter
}

// New creates an auditor around a trusted signer and a replay guard.
func New(signer crypto.Signer, guard replay.Guard) *Auditor {
	meter := otel.Meter("github.com/aegis-kernel/aegis/pkg/auditor")
	verified, _ := meter.Int64Counter("aegis.proofs.verified",
		metric.WithDescription("Proofs that passed all verification checks"))
	rejected, _ := meter.Int64Counter("aegis.proofs.rejected",
		metric.WithDescription("Proofs rejected, by reason"))

	return &Auditor{
		signer:   signer,
		guard:    guard,
		clock:    time.Now,
		verified: verified,
		rejected: rejected,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Auditor) WithClock(clock func() time.Time) *Auditor {
	a.clock = clock
	return a
}

// VerifyProof runs the three independent checks in order: signature,
// freshness, nonce. The nonce is consumed only after the first two pass, so
// a forged or stale proof cannot burn a nonce it never legitimately owned.
func (a *Auditor) VerifyProof(ctx context.Context, p *proof.Proof) error {
	if !a.signer.Verify(p.SigningBytes(), p.Signature) {
		a.reject(ctx, "invalid_signature")
		return ErrInvalidSignature
	}

	if err := p.CheckFreshness(a.clock()); err != nil {
		a.reject(ctx, "expired")
		return err
	}

	if err := a.guard.CheckAndInsert(ctx, p.Nonce, p.TTL); err != nil {
		if errors.Is(err, replay.ErrNonceReused) {
			a.reject(ctx, "nonce_reused")
			return err
		}
		a.reject(ctx, "guard_failure")
		return fmt.Errorf("replay guard: %w", err)
	}

	a.verified.Add(ctx, 1)
	return nil
}

// VerifyProofForAction additionally checks the proof's action binding.
func (a *Auditor) VerifyProofForAction(ctx context.Context, p *proof.Proof, action *proof.Action) error {
	ok, err := p.BindsAction(action)
	if err != nil {
		return err
	}
	if !ok {
		a.reject(ctx, "binding_mismatch")
		return ErrActionMismatch
	}
	return a.VerifyProof(ctx, p)
}

func (a *Auditor) reject(ctx context.Context, reason string) {
	a.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
