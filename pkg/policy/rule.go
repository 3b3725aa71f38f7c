package policy

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/inherit"
)

// DenyQuery is the query evaluated for every declared edge.
const DenyQuery = "data.strata.inheritance.deny"

// BuiltinThemeDirection mirrors the theme direction rule: a theme may not
// inherit from a type of lower priority.
var BuiltinThemeDirection = Policy{
	Name:        "theme-direction",
	Description: "Themes only inherit from types of the same or higher priority",
	Rego: `package strata.inheritance

import rego.v1

priority := {"core": 0, "original": 1, "board": 2}

deny contains msg if {
	priority[input.ancestor_type] > priority[input.descendant_type]
	msg := sprintf("%s theme %s cannot inherit from %s theme %s", [input.descendant_type, input.descendant, input.ancestor_type, input.ancestor])
}
`,
}

// RuleOptions configures a RegoRule.
type RuleOptions struct {
	// TypeOf classifies a package name for the *_type input fields.
	TypeOf func(name string) string
}

// RegoRule refuses an inheritance edge when the deny set of the loaded
// policies is not empty for it.
type RegoRule struct {
	logger zerolog.Logger
	opts   RuleOptions

	mu       sync.RWMutex
	query    rego.PreparedEvalQuery
	policies []string
}

// NewRegoRule compiles policies into a prepared deny query.
func NewRegoRule(ctx context.Context, logger zerolog.Logger, policies []Policy, opts RuleOptions) (*RegoRule, error) {
	r := &RegoRule{
		logger: logger.With().Str("component", "policy-rule").Logger(),
		opts:   opts,
	}
	if err := r.Load(ctx, policies); err != nil {
		return nil, err
	}
	return r, nil
}

// Load replaces the compiled policies. On error the previous ones stay in use.
func (r *RegoRule) Load(ctx context.Context, policies []Policy) error {
	options := []func(*rego.Rego){rego.Query(DenyQuery)}
	names := make([]string, 0, len(policies))
	for _, p := range policies {
		module := p.Name
		if p.Source != "" {
			module = p.Source
		}
		options = append(options, rego.Module(module, p.Rego))
		names = append(names, p.Name)
	}

	query, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return fault.NewDataError("could not compile inheritance policies", err).
			WithCode(fault.CodeMalformed).
			WithDetail("policies", names)
	}

	r.mu.Lock()
	r.query = query
	r.policies = names
	r.mu.Unlock()

	r.logger.Debug().
		Strs("policies", names).
		Msg("Inheritance policies compiled")

	return nil
}

// Policies returns the names of the compiled policies.
func (r *RegoRule) Policies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.policies)
}

// Allow evaluates the deny query for the edge. A refusal is returned as an
// illegal inheritance error carrying the deny messages.
func (r *RegoRule) Allow(descendant, ancestor string) (bool, error) {
	violations, err := r.Violations(context.Background(), descendant, ancestor)
	if err != nil {
		return false, err
	}
	if len(violations) == 0 {
		return true, nil
	}

	r.logger.Debug().
		Str("descendant", descendant).
		Str("ancestor", ancestor).
		Strs("violations", violations).
		Msg("Inheritance denied by policy")

	return false, fault.From(inherit.ErrIllegal,
		fmt.Sprintf("illegal inheritance declared involving %s", ancestor), nil).
		WithSubject(descendant).
		WithDetail("ancestor", ancestor).
		WithDetail("violations", violations)
}

// Violations returns the sorted deny messages for the edge.
func (r *RegoRule) Violations(ctx context.Context, descendant, ancestor string) ([]string, error) {
	input := map[string]any{
		"descendant": descendant,
		"ancestor":   ancestor,
	}
	if r.opts.TypeOf != nil {
		input["descendant_type"] = r.opts.TypeOf(descendant)
		input["ancestor_type"] = r.opts.TypeOf(ancestor)
	}

	r.mu.RLock()
	query := r.query
	r.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fault.NewInternalError("inheritance policy evaluation failed", err).
			WithSubject(descendant)
	}

	var violations []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, v := range denySet {
			if msg, ok := v.(string); ok {
				violations = append(violations, msg)
			} else {
				violations = append(violations, fmt.Sprint(v))
			}
		}
	}
	slices.Sort(violations)
	return violations, nil
}
