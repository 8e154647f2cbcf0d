// Package builtin ships the first-party extensions: a CEL-driven policy
// evaluator and a JSON-Schema guard for capability requests. Both implement
// the same provider contract third-party extensions do.
package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/extension"
)

// PolicyRule is one CEL rule of a policy document. The expression must
// evaluate to bool; true means the rule fires and its effect applies.
type PolicyRule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Effect     string `yaml:"effect"` // "deny" | "require_approval"
	Reason     string `yaml:"reason,omitempty"`
	Obligation string `yaml:"obligation,omitempty"`
}

// PolicyDocument is the YAML document LoadPolicy accepts.
type PolicyDocument struct {
	Rules []PolicyRule `yaml:"rules"`
}

// CELPolicy evaluates declarative CEL rules against the policy input. Rules
// that fire contribute their effect; the pipeline aggregates across
// extensions as usual.
type CELPolicy struct {
	env *cel.Env

	mu       sync.RWMutex
	rules    []PolicyRule
	programs map[string]cel.Program
}

var (
	_ extension.Provider        = (*CELPolicy)(nil)
	_ extension.PolicyEvaluator = (*CELPolicy)(nil)
	_ extension.PolicyLoader    = (*CELPolicy)(nil)
)

// NewCELPolicy creates the policy extension with an empty rule set.
func NewCELPolicy() (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.DynType),
		cel.Variable("action", cel.DynType),
		cel.Variable("capability", cel.DynType),
		cel.Variable("env", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELPolicy{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (p *CELPolicy) Descriptor() contracts.ExtensionDescriptor {
	return contracts.ExtensionDescriptor{
		ID:        "aci-ext-celpolicy-v1",
		ShortCode: "celpolicy",
		Version:   "1.0.0",
		Publisher: "vorion",
		Name:      "CEL policy evaluator",
	}
}

// LoadPolicy replaces the rule set from a YAML policy document. Every
// expression is compiled up front so evaluation never hits the compiler.
func (p *CELPolicy) LoadPolicy(_ context.Context, policy []byte) error {
	var doc PolicyDocument
	if err := yaml.Unmarshal(policy, &doc); err != nil {
		return apierror.Validation("parse policy document: %v", err)
	}

	programs := make(map[string]cel.Program, len(doc.Rules))
	for _, rule := range doc.Rules {
		if rule.Effect != "deny" && rule.Effect != "require_approval" {
			return apierror.Validation("rule %q has unknown effect %q", rule.Name, rule.Effect)
		}
		ast, issues := p.env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return apierror.Validation("rule %q does not compile: %v", rule.Name, issues.Err())
		}
		prg, err := p.env.Program(ast)
		if err != nil {
			return apierror.Validation("rule %q program: %v", rule.Name, err)
		}
		programs[rule.Name] = prg
	}

	p.mu.Lock()
	p.rules = doc.Rules
	p.programs = programs
	p.mu.Unlock()
	return nil
}

// EvaluatePolicy runs every rule against the input. A rule that fails to
// evaluate denies, matching the pipeline's fail-closed posture.
func (p *CELPolicy) EvaluatePolicy(_ context.Context, input *extension.PolicyInput) (*extension.PolicyResult, error) {
	p.mu.RLock()
	rules := p.rules
	programs := p.programs
	p.mu.RUnlock()

	vars := map[string]any{
		"agent":      asMap(input.Agent),
		"action":     asMap(input.Action),
		"capability": asMap(input.Capability),
		"env":        input.Environment,
	}

	result := &extension.PolicyResult{Effect: extension.EffectAllow}
	for _, rule := range rules {
		prg := programs[rule.Name]
		out, _, err := prg.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		fired, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("rule %q returned %T, want bool", rule.Name, out.Value())
		}
		if !fired {
			continue
		}
		effect := extension.EffectRequireApproval
		if rule.Effect == "deny" {
			effect = extension.EffectDeny
		}
		if effect > result.Effect {
			result.Effect = effect
		}
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("rule %q fired", rule.Name)
		}
		result.Reasons = append(result.Reasons, reason)
		result.Evidence = append(result.Evidence, map[string]any{
			"rule":       rule.Name,
			"expression": rule.Expression,
		})
		if rule.Obligation != "" {
			result.Obligations = append(result.Obligations, rule.Obligation)
		}
	}
	return result, nil
}

// asMap converts a contract struct into a CEL-friendly map via its JSON
// shape. Nil inputs become empty maps so expressions can probe fields safely.
func asMap(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{}
	case *contracts.AgentIdentity:
		if t == nil {
			return map[string]any{}
		}
		return map[string]any{
			"agent_id":         t.AgentID,
			"publisher":        t.Publisher,
			"name":             t.Name,
			"aci":              t.ACI,
			"competence_level": t.CompetenceLevel,
			"trust_band":       t.TrustBand,
			"trust_score":      t.TrustScore,
		}
	case *contracts.ActionRequest:
		if t == nil {
			return map[string]any{}
		}
		return map[string]any{
			"id":       t.ID,
			"agent_id": t.AgentID,
			"type":     t.Type,
			"resource": t.Resource,
			"params":   t.Params,
		}
	case *contracts.CapabilityRequest:
		if t == nil {
			return map[string]any{}
		}
		return map[string]any{
			"aci":         t.ACI,
			"domain_mask": int64(t.DomainMask),
			"level":       t.Level,
			"ttl_seconds": t.TTLSeconds,
		}
	default:
		return map[string]any{}
	}
}
