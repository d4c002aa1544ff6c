package capsule

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aegis-kernel/aegis/pkg/crypto"
)

// RulePack is a declarative rule set loaded from YAML.
type RulePack struct {
	Name       string   `yaml:"name"`
	Rules      []string `yaml:"rules"`
	Policy     string   `yaml:"policy,omitempty"` // "keyword" (default) or "cel"
	TTLSeconds uint64   `yaml:"ttl_seconds,omitempty"`
}

// LoadRulePack reads and validates a rule pack file.
func LoadRulePack(path string) (*RulePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rule pack: %w", err)
	}
	return ParseRulePack(data)
}

// ParseRulePack parses rule pack YAML.
func ParseRulePack(data []byte) (*RulePack, error) {
	var rp RulePack
	if err := yaml.Unmarshal(data, &rp); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	if len(rp.Rules) == 0 {
		return nil, fmt.Errorf("rule pack %q: %w", rp.Name, ErrNoRules)
	}
	switch rp.Policy {
	case "", "keyword", "cel":
	default:
		return nil, fmt.Errorf("rule pack %q: unknown policy %q", rp.Name, rp.Policy)
	}
	return &rp, nil
}

// Build constructs an unsealed capsule from the pack. The caller seals it.
func (rp *RulePack) Build(signer crypto.Signer) (*Capsule, error) {
	c := New(rp.Rules, signer)
	if rp.TTLSeconds > 0 {
		c.WithTTL(rp.TTLSeconds)
	}
	if rp.Policy == "cel" {
		p, err := NewCELPolicy()
		if err != nil {
			return nil, err
		}
		c.WithPolicy(p)
	}
	return c, nil
}
