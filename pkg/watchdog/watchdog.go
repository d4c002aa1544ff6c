// Package watchdog escalates repeated rule violations. It delegates every
// action to a sealed capsule, counts consecutive denials, and after the
// configured threshold demands that the caller discard its mutable context.
// The watchdog cannot force the caller's context to clear; it can only
// assert that it must, and refuse further verification until the caller
// acknowledges.
package watchdog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aegis-kernel/aegis/pkg/capsule"
	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
)

// MaxViolations is the number of consecutive denials that triggers a hard
// reset demand.
const MaxViolations = 10

// ErrLocked is returned once a hard reset has been demanded and not yet
// acknowledged. Verification results from a locked watchdog would be
// meaningless, so none are produced.
var ErrLocked = errors.New("watchdog locked pending hard reset acknowledgement")

const denialEncodingVersion byte = 1

// DenialProof is the signed record of one denied action.
type DenialProof struct {
	ViolatedRule       string
	DenialReason       string
	ViolationCount     uint32
	TriggeredHardReset bool
	Timestamp          uint64 // epoch seconds
	Signature          []byte
}

// SigningBytes serializes the fields the signature covers.
func (d *DenialProof) SigningBytes() []byte {
	buf := make([]byte, 0, 1+4+1+8+8+len(d.ViolatedRule)+len(d.DenialReason))
	buf = append(buf, denialEncodingVersion)
	buf = binary.LittleEndian.AppendUint32(buf, d.ViolationCount)
	if d.TriggeredHardReset {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, d.Timestamp)
	buf = appendLengthPrefixed(buf, []byte(d.ViolatedRule))
	buf = appendLengthPrefixed(buf, []byte(d.DenialReason))
	return buf
}

// HardResetSignal binds the final denial to the capsule whose rules were
// exhausted. The caller must honor it by discarding its own mutable context
// before further calls are meaningful.
type HardResetSignal struct {
	CapsuleHash [proof.HashSize]byte
	FinalDenial *DenialProof
	IssuedAt    uint64 // epoch seconds
	Signature   []byte
}

// SigningBytes serializes the signal fields over the final denial's own
// signed bytes, so the signal attests to the exact denial that triggered it.
func (h *HardResetSignal) SigningBytes() []byte {
	denial := h.FinalDenial.SigningBytes()
	buf := make([]byte, 0, 1+32+8+4+len(denial))
	buf = append(buf, denialEncodingVersion)
	buf = append(buf, h.CapsuleHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.IssuedAt)
	return appendLengthPrefixed(buf, denial)
}

// Verdict is the outcome of one watched verification. Exactly one of Proof
// or Denial is set; HardReset accompanies the denial that crossed the
// threshold.
type Verdict struct {
	Approved  bool
	Proof     *proof.Proof
	Denial    *DenialProof
	HardReset *HardResetSignal
}

// Watchdog wraps a sealed capsule with consecutive-denial escalation. The
// violation counter is a single atomically updated integer; no external
// lock is required.
type Watchdog struct {
	capsule    *capsule.Capsule
	signer     crypto.Signer
	violations atomic.Uint32
	locked     atomic.Bool
	clock      func() time.Time

	approvals metric.Int64Counter
	denials   metric.Int64Counter
}

// New wraps a sealed capsule. The signer attests denial proofs and hard
// reset signals; it may differ from the capsule's proof signer.
func New(c *capsule.Capsule, signer crypto.Signer) *Watchdog {
	meter := otel.Meter("github.com/aegis-kernel/aegis/pkg/watchdog")
	approvals, _ := meter.Int64Counter("watchdog.approvals",
		metric.WithDescription("Actions approved through the watchdog"))
	denials, _ := meter.Int64Counter("watchdog.denials",
		metric.WithDescription("Actions denied through the watchdog"))
	return &Watchdog{
		capsule:   c,
		signer:    signer,
		clock:     time.Now,
		approvals: approvals,
		denials:   denials,
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Watchdog) WithClock(clock func() time.Time) *Watchdog {
	w.clock = clock
	return w
}

// VerifyAction delegates to the capsule. Approval resets the violation
// counter and returns the capsule's proof. Denial increments the counter and
// returns a signed denial proof; the denial that reaches the threshold also
// carries a hard reset signal and locks the watchdog.
func (w *Watchdog) VerifyAction(ctx context.Context, action *proof.Action) (*Verdict, error) {
	if w.locked.Load() {
		return nil, ErrLocked
	}

	decision, err := w.capsule.VerifyAction(action)
	if err != nil {
		return nil, err
	}

	if decision.Approved {
		w.violations.Store(0)
		w.approvals.Add(ctx, 1)
		return &Verdict{Approved: true, Proof: decision.Proof}, nil
	}

	count, triggered := w.incrementViolations()

	denial := &DenialProof{
		ViolatedRule:       decision.Violation.Rule,
		DenialReason:       decision.Violation.Reason,
		ViolationCount:     count,
		TriggeredHardReset: triggered,
		Timestamp:          uint64(w.clock().Unix()),
	}
	sig, err := w.signer.Sign(denial.SigningBytes())
	if err != nil {
		return nil, err
	}
	denial.Signature = sig

	w.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", denial.ViolatedRule),
		attribute.Bool("hard_reset", triggered)))

	verdict := &Verdict{Denial: denial}
	if triggered {
		signal, err := w.buildHardReset(denial)
		if err != nil {
			return nil, err
		}
		verdict.HardReset = signal
		w.locked.Store(true)
	}
	return verdict, nil
}

// incrementViolations bumps the counter without ever passing the threshold.
// Exactly one caller observes the crossing; racers arriving at the threshold
// are clamped to it and do not trigger a second hard reset.
func (w *Watchdog) incrementViolations() (count uint32, crossed bool) {
	for {
		cur := w.violations.Load()
		if cur >= MaxViolations {
			return MaxViolations, false
		}
		if w.violations.CompareAndSwap(cur, cur+1) {
			return cur + 1, cur+1 == MaxViolations
		}
	}
}

func (w *Watchdog) buildHardReset(final *DenialProof) (*HardResetSignal, error) {
	capsuleHash, err := w.capsule.Hash()
	if err != nil {
		return nil, err
	}
	signal := &HardResetSignal{
		CapsuleHash: capsuleHash,
		FinalDenial: final,
		IssuedAt:    uint64(w.clock().Unix()),
	}
	sig, err := w.signer.Sign(signal.SigningBytes())
	if err != nil {
		return nil, err
	}
	signal.Signature = sig
	return signal, nil
}

// AcknowledgeReset clears the violation counter and unlocks the watchdog.
// The caller asserts it has discarded its mutable context.
func (w *Watchdog) AcknowledgeReset() {
	w.violations.Store(0)
	w.locked.Store(false)
}

// ViolationCount returns the current consecutive-denial count.
func (w *Watchdog) ViolationCount() uint32 {
	return w.violations.Load()
}

// Locked reports whether a hard reset demand is pending acknowledgement.
func (w *Watchdog) Locked() bool {
	return w.locked.Load()
}

func appendLengthPrefixed(buf, field []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}
