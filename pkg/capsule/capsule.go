// Package capsule seals an immutable rule set behind a capsule identity hash
// and evaluates actions against it, emitting signed proofs for approvals and
// denials. Rule matching itself is a pluggable policy; the capsule only
// guarantees the sealing lifecycle and the proof binding.
package capsule

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-kernel/aegis/pkg/canonical"
	"github.com/aegis-kernel/aegis/pkg/crypto"
	"github.com/aegis-kernel/aegis/pkg/proof"
)

// Sealing misuse is programmer error and fatal to the call.
var (
	ErrAlreadySealed = errors.New("capsule: already sealed")
	ErrNotSealed     = errors.New("capsule: not sealed")
	ErrSealedRuleSet = errors.New("capsule: rules are immutable after sealing")
	ErrNoRules       = errors.New("capsule: rule set is empty")
)

// Violation identifies the rule an action broke and why.
type Violation struct {
	Rule   string
	Reason string
}

// RulePolicy decides whether an action violates any of the sealed rules.
// A nil Violation means the action is approved. The policy is injected at
// construction time so deployments can swap matching semantics without
// touching the sealing or proof machinery.
type RulePolicy interface {
	Evaluate(rules []string, action *proof.Action) (*Violation, error)
}

// Decision is the outcome of evaluating one action.
type Decision struct {
	Approved  bool
	Proof     *proof.Proof
	Violation *Violation // set when Approved is false
}

const (
	capsuleEncodingVersion byte = 1
	// DefaultTTL is the proof validity window when none is configured.
	DefaultTTL uint64 = 60
)

// Capsule is an immutable rule set once sealed. Every operation may be
// called from parallel goroutines; the mutex orders sealing against
// evaluation.
type Capsule struct {
	mu          sync.RWMutex
	rules       []string
	sealed      bool
	capsuleHash [proof.HashSize]byte
	signer      crypto.Signer
	policy      RulePolicy
	ttl         uint64
	clock       func() time.Time
}

// New constructs an unsealed capsule with the default keyword policy.
func New(rules []string, signer crypto.Signer) *Capsule {
	rs := make([]string, len(rules))
	copy(rs, rules)
	return &Capsule{
		rules:  rs,
		signer: signer,
		policy: NewKeywordPolicy(),
		ttl:    DefaultTTL,
		clock:  time.Now,
	}
}

// WithPolicy swaps the rule matching policy. Panics if already sealed: the
// policy is part of what the capsule identity vouches for.
func (c *Capsule) WithPolicy(p RulePolicy) *Capsule {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		panic("capsule: WithPolicy after seal")
	}
	c.policy = p
	return c
}

// WithTTL sets the proof validity window in seconds.
func (c *Capsule) WithTTL(seconds uint64) *Capsule {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = seconds
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Capsule) WithClock(clock func() time.Time) *Capsule {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

// AddRule appends a rule. Fails once sealed.
func (c *Capsule) AddRule(rule string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrSealedRuleSet
	}
	c.rules = append(c.rules, rule)
	return nil
}

// Seal computes the capsule hash and makes the rule set immutable.
// Sealing is one-way and happens exactly once.
func (c *Capsule) Seal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrAlreadySealed
	}
	if len(c.rules) == 0 {
		return ErrNoRules
	}

	h := sha256.New()
	h.Write([]byte{capsuleEncodingVersion})
	var l [4]byte
	for _, rule := range c.rules {
		normalized, err := canonical.Normalize(rule)
		if err != nil {
			return fmt.Errorf("rule %q: %w", rule, err)
		}
		binary.LittleEndian.PutUint32(l[:], uint32(len(normalized)))
		h.Write(l[:])
		h.Write([]byte(normalized))
	}
	copy(c.capsuleHash[:], h.Sum(nil))
	c.sealed = true
	return nil
}

// Sealed reports whether the capsule has been sealed.
func (c *Capsule) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// Hash returns the capsule identity hash. Fails before sealing.
func (c *Capsule) Hash() ([proof.HashSize]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.sealed {
		return [proof.HashSize]byte{}, ErrNotSealed
	}
	return c.capsuleHash, nil
}

// Rules returns a copy of the rule set.
func (c *Capsule) Rules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.rules))
	copy(out, c.rules)
	return out
}

// VerifyAction evaluates an action against the sealed rules and issues a
// signed proof either way: approval, or a denial carrying the violated rule
// and reason. Unsealed rules are not trustworthy enough to found an
// accountability proof on, so an unsealed capsule refuses evaluation.
func (c *Capsule) VerifyAction(action *proof.Action) (*Decision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.sealed {
		return nil, ErrNotSealed
	}

	violation, err := c.policy.Evaluate(c.rules, action)
	if err != nil {
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}

	if violation == nil {
		p, err := proof.IssueAt(action, c.capsuleHash, c.ttl, true, "", c.signer, c.clock())
		if err != nil {
			return nil, err
		}
		return &Decision{Approved: true, Proof: p}, nil
	}

	reason := fmt.Sprintf("violates rule %q: %s", violation.Rule, violation.Reason)
	p, err := proof.IssueAt(action, c.capsuleHash, c.ttl, false, reason, c.signer, c.clock())
	if err != nil {
		return nil, err
	}
	return &Decision{Approved: false, Proof: p, Violation: violation}, nil
}
