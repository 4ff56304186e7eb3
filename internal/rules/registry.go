package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/heron/internal/domain"
)

// RuleLister loads a tenant's stored eligibility rules.
type RuleLister interface {
	ListEligibilityRules(ctx context.Context, tenantID string) ([]*domain.EligibilityRule, error)
}

// Registry keeps one engine per tenant. Engines are created on first use
// from the stored rules and replaced wholesale on reload.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	store   RuleLister
}

// NewRegistry creates a registry. store may be nil, in which case tenants
// start with no rules until Reload is called with an explicit set.
func NewRegistry(store RuleLister) *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		store:   store,
	}
}

// Engine returns the tenant's engine, loading its stored rules the first
// time the tenant is seen.
func (r *Registry) Engine(ctx context.Context, tenantID string) (*Engine, error) {
	r.mu.RLock()
	e, ok := r.engines[tenantID]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := r.build(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.engines[tenantID]; ok {
		return existing, nil
	}
	r.engines[tenantID] = e
	return e, nil
}

// Reload rebuilds the tenant's engine from the store and returns the number
// of enabled rules now loaded. The previous engine stays in place when a
// rule fails to compile.
func (r *Registry) Reload(ctx context.Context, tenantID string) (int, error) {
	e, err := r.build(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	// Runs already holding the old engine finish with it.
	r.mu.Lock()
	r.engines[tenantID] = e
	r.mu.Unlock()

	return e.RulesCount(), nil
}

func (r *Registry) build(ctx context.Context, tenantID string) (*Engine, error) {
	e, err := NewEngine()
	if err != nil {
		return nil, err
	}
	if r.store == nil {
		return e, nil
	}

	stored, err := r.store.ListEligibilityRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load eligibility rules for %s: %w", tenantID, err)
	}
	if err := e.ReloadRules(stored); err != nil {
		return nil, err
	}
	return e, nil
}
