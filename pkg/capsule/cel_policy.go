package capsule

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/aegis-kernel/aegis/pkg/proof"
)

// CELPolicy treats each rule as a CEL constraint over the action. A rule
// holds when its expression evaluates to true; an expression evaluating to
// false is a violation of that rule. Example rule:
//
//	!(action.type == "execute" && action.target.contains("http"))
//
// Programs are compiled once per rule text and cached.
type CELPolicy struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCELPolicy builds the evaluation environment. The action is exposed as
// an `action` map with type, target, description and payload_size fields.
func NewCELPolicy() (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &CELPolicy{env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate compiles and runs every rule; the first false result is a
// violation. Compile or runtime errors propagate: a rule that cannot be
// evaluated must not silently pass.
func (cp *CELPolicy) Evaluate(rules []string, action *proof.Action) (*Violation, error) {
	desc, err := action.Description()
	if err != nil {
		return nil, err
	}
	input := map[string]any{
		"action": map[string]any{
			"type":         string(action.Type),
			"target":       action.Target,
			"description":  desc,
			"payload_size": int64(len(action.Payload)),
		},
	}

	for _, rule := range rules {
		prg, err := cp.program(rule)
		if err != nil {
			return nil, err
		}

		val, _, err := prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("rule %q: evaluation error: %w", rule, err)
		}
		ok, isBool := val.Value().(bool)
		if !isBool {
			return nil, fmt.Errorf("rule %q: expression must yield bool, got %T", rule, val.Value())
		}
		if !ok {
			return &Violation{Rule: rule, Reason: "constraint evaluated to false"}, nil
		}
	}
	return nil, nil
}

func (cp *CELPolicy) program(rule string) (cel.Program, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if prg, ok := cp.programs[rule]; ok {
		return prg, nil
	}

	ast, issues := cp.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule %q: compile error: %w", rule, issues.Err())
	}
	prg, err := cp.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %q: program error: %w", rule, err)
	}
	cp.programs[rule] = prg
	return prg, nil
}
