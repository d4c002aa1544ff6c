package capsule

import (
	"strings"

	"github.com/aegis-kernel/aegis/pkg/canonical"
	"github.com/aegis-kernel/aegis/pkg/proof"
)

// KeywordPolicy is the default rule matcher: a small set of keyword
// predicates over the canonical action description. It is deliberately
// narrow — rule evaluation is not ethical reasoning, just a predicate check —
// and deployments wanting richer semantics swap in a different RulePolicy.
type KeywordPolicy struct{}

// NewKeywordPolicy returns the default policy.
func NewKeywordPolicy() *KeywordPolicy {
	return &KeywordPolicy{}
}

// networkIndicators mark an action as reaching outside the host.
var networkIndicators = []string{
	"http://", "https://", "ftp://",
	"curl ", "wget ", "nc ", "ssh ", "scp ", "telnet ",
}

// criticalPaths are targets whose destruction counts as harm.
var criticalPaths = []string{
	"/etc", "/bin", "/boot", "/usr", "system32", "/dev/sd",
}

// Evaluate checks each rule in order and reports the first violation.
func (kp *KeywordPolicy) Evaluate(rules []string, action *proof.Action) (*Violation, error) {
	target, err := canonical.Fold(action.Target)
	if err != nil {
		return nil, err
	}
	payload, perr := canonical.Fold(string(action.Payload))
	if perr != nil {
		// Binary payloads need not be valid UTF-8; match on target only.
		payload = ""
	}

	for _, rule := range rules {
		folded, err := canonical.Fold(rule)
		if err != nil {
			return nil, err
		}

		if v := kp.checkRule(rule, folded, action, target, payload); v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func (kp *KeywordPolicy) checkRule(rule, folded string, action *proof.Action, target, payload string) *Violation {
	switch {
	case strings.Contains(folded, "network"):
		if action.Type == proof.ActionNetwork {
			return &Violation{Rule: rule, Reason: "network actions are forbidden"}
		}
		if action.Type == proof.ActionExecute && containsAny(target+" "+payload, networkIndicators) {
			return &Violation{Rule: rule, Reason: "command reaches an external network endpoint"}
		}

	case strings.Contains(folded, "no harm") || strings.Contains(folded, "destruct"):
		if action.Type == proof.ActionDelete && containsAny(target, criticalPaths) {
			return &Violation{Rule: rule, Reason: "deleting a system-critical path"}
		}
		if action.Type == proof.ActionExecute && containsAny(target, []string{"rm -rf /", "mkfs", "dd if="}) {
			return &Violation{Rule: rule, Reason: "destructive command"}
		}

	case strings.HasPrefix(folded, "forbid:"):
		pattern := strings.TrimSpace(strings.TrimPrefix(folded, "forbid:"))
		if pattern != "" && (strings.Contains(target, pattern) || strings.Contains(payload, pattern)) {
			return &Violation{Rule: rule, Reason: "matches forbidden pattern " + pattern}
		}
	}
	return nil
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
