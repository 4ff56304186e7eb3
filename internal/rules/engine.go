// Package rules provides the CEL-Go based eligibility and condition engine.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/heron/internal/domain"
)

// Engine evaluates per-provision eligibility rules and exclusion-rule
// conditions. Programs are compiled once and safe for concurrent use.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      map[domain.Provision][]*CompiledRule
	conditions map[string]cel.Program
}

// CompiledRule holds a pre-compiled eligibility program.
type CompiledRule struct {
	Rule    *domain.EligibilityRule
	Program cel.Program
}

// Verdict is the result of checking a candidate against its rules.
type Verdict struct {
	// RuleID names the rule that rejected or failed; empty when all passed.
	RuleID string
	Reason string
	// Err is set when a rule could not be evaluated.
	Err error
}

// Passed reports whether every rule held.
func (v Verdict) Passed() bool {
	return v.RuleID == "" && v.Err == nil
}

// NewEngine creates an engine with the taxpayer, filing and candidate
// variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("taxpayer", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("candidate", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tax_year", cel.IntType),
		cel.Variable("taxable_income", cel.IntType),
		cel.Variable("computed_tax", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		rules:      make(map[domain.Provision][]*CompiledRule),
		conditions: make(map[string]cel.Program),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.EligibilityRule) error {
	_, err := e.compileRule(rule)
	return err
}

func (e *Engine) compileRule(rule *domain.EligibilityRule) (*CompiledRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	if rule.Provision == "" {
		return nil, fmt.Errorf("%w: rule %s has no provision", domain.ErrInvalidInput, rule.ID)
	}
	prg, err := e.compile(rule.ID, rule.Expression)
	if err != nil {
		return nil, err
	}
	return &CompiledRule{Rule: rule, Program: prg}, nil
}

// ValidateCondition compiles an exclusion-rule condition.
func (e *Engine) ValidateCondition(expr string) error {
	_, err := e.compile("condition", expr)
	return err
}

// LoadRule compiles and adds one rule, replacing any rule with the same ID.
func (e *Engine) LoadRule(rule *domain.EligibilityRule) error {
	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(rule.ID)
	if rule.Enabled {
		e.rules[rule.Provision] = append(e.rules[rule.Provision], compiled)
		e.sortLocked(rule.Provision)
	}
	return nil
}

// ReloadRules replaces every loaded rule. On a compile error the previous
// set stays in place.
func (e *Engine) ReloadRules(rules []*domain.EligibilityRule) error {
	next := make(map[domain.Provision][]*CompiledRule)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := e.compileRule(r)
		if err != nil {
			return err
		}
		next[r.Provision] = append(next[r.Provision], compiled)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = next
	for p := range e.rules {
		e.sortLocked(p)
	}
	return nil
}

// Check evaluates the rules configured for the candidate's provision in
// rule ID order and stops at the first that does not hold.
func (e *Engine) Check(ctx context.Context, c domain.Candidate, tp domain.Taxpayer, f domain.Filing) Verdict {
	e.mu.RLock()
	compiled := e.rules[domain.ProvisionOf(c)]
	e.mu.RUnlock()
	if len(compiled) == 0 {
		return Verdict{}
	}

	cand, err := toMap(c)
	if err != nil {
		return Verdict{Err: err}
	}
	act := activation(tp, f)
	act["candidate"] = cand

	for _, r := range compiled {
		ok, err := evalBool(ctx, r.Program, act)
		if err != nil {
			return Verdict{RuleID: r.Rule.ID, Err: fmt.Errorf("rule %s: %w", r.Rule.ID, err)}
		}
		if !ok {
			return Verdict{RuleID: r.Rule.ID, Reason: r.Rule.Reason}
		}
	}
	return Verdict{}
}

// ConditionHolds evaluates an exclusion-rule condition against the
// taxpayer. An empty condition always holds.
func (e *Engine) ConditionHolds(ctx context.Context, expr string, tp domain.Taxpayer, f domain.Filing) (bool, error) {
	if expr == "" {
		return true, nil
	}

	e.mu.RLock()
	prg, ok := e.conditions[expr]
	e.mu.RUnlock()
	if !ok {
		var err error
		prg, err = e.compile("condition", expr)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.conditions[expr] = prg
		e.mu.Unlock()
	}

	act := activation(tp, f)
	act["candidate"] = map[string]any{}
	return evalBool(ctx, prg, act)
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, rs := range e.rules {
		n += len(rs)
	}
	return n
}

// GetLoadedRules returns the loaded rules ordered by provision and ID.
func (e *Engine) GetLoadedRules() []*domain.EligibilityRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.EligibilityRule, 0)
	for _, rs := range e.rules {
		for _, r := range rs {
			out = append(out, r.Rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Provision.Compare(out[j].Provision); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close drops every compiled program.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[domain.Provision][]*CompiledRule)
	e.conditions = make(map[string]cel.Program)
	return nil
}

func (e *Engine) compile(id, expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, id, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: rule %s must return bool, got %s", domain.ErrInvalidInput, id, out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", id, err)
	}
	return prg, nil
}

func (e *Engine) removeLocked(id string) {
	for p, rs := range e.rules {
		kept := make([]*CompiledRule, 0, len(rs))
		for _, r := range rs {
			if r.Rule.ID != id {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(e.rules, p)
		} else {
			e.rules[p] = kept
		}
	}
}

// sortLocked replaces the slice rather than sorting in place, since Check
// iterates snapshots without holding the lock.
func (e *Engine) sortLocked(p domain.Provision) {
	rs := append([]*CompiledRule(nil), e.rules[p]...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Rule.ID < rs[j].Rule.ID })
	e.rules[p] = rs
}

func evalBool(ctx context.Context, prg cel.Program, act map[string]any) (bool, error) {
	out, _, err := prg.ContextEval(ctx, act)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expected bool result, got %s", out.Type().TypeName())
	}
	return bool(b), nil
}

func activation(tp domain.Taxpayer, f domain.Filing) map[string]any {
	founded := int64(0)
	if tp.FoundedOn != nil {
		founded = int64(tp.FoundedOn.Year())
	}
	return map[string]any{
		"taxpayer": map[string]any{
			"name":          tp.Name,
			"tax_type":      string(tp.TaxType),
			"company_size":  string(tp.CompanySize),
			"zone":          tp.Zone,
			"industry":      tp.Industry,
			"venture":       tp.Venture,
			"rd_department": tp.RDDepartment,
			"sme":           tp.CompanySize.IsSME(),
			"individual":    tp.TaxType.IsIndividual(),
			"founded_year":  founded,
		},
		"tax_year":       int64(f.TaxYear),
		"taxable_income": f.TaxableIncome,
		"computed_tax":   f.ComputedTax,
	}
}

// toMap flattens a candidate into CEL-friendly values. Whole JSON numbers
// become int64 so that comparisons against integer literals type-check.
func toMap(c domain.Candidate) (map[string]any, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	for k, v := range m {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			m[k] = int64(f)
		}
	}
	m["category"] = string(c.Category())
	m["provision"] = string(domain.ProvisionOf(c))
	return m, nil
}
