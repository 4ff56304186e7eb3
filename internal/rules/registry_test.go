package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/heron/internal/domain"
)

type memRules struct {
	byTenant map[string][]*domain.EligibilityRule
	calls    atomic.Int32
	err      error
}

func (m *memRules) ListEligibilityRules(_ context.Context, tenantID string) ([]*domain.EligibilityRule, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.byTenant[tenantID], nil
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	store := &memRules{byTenant: map[string][]*domain.EligibilityRule{
		"tenant-a": {
			{ID: "a-1", Provision: domain.ProvisionInvestment, Expression: "candidate.baseAmount > 0", Enabled: true},
			{ID: "a-2", Provision: domain.ProvisionRD, Expression: "taxpayer.rdDepartment", Enabled: false},
		},
	}}
	reg := NewRegistry(store)

	t.Run("LoadsOnFirstUse", func(t *testing.T) {
		e, err := reg.Engine(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("Engine failed: %v", err)
		}
		if e.RulesCount() != 1 {
			t.Errorf("expected 1 enabled rule, got %d", e.RulesCount())
		}

		again, _ := reg.Engine(ctx, "tenant-a")
		if again != e {
			t.Error("expected the cached engine on second use")
		}
		if store.calls.Load() != 1 {
			t.Errorf("expected one store read, got %d", store.calls.Load())
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		e, err := reg.Engine(ctx, "tenant-b")
		if err != nil {
			t.Fatalf("Engine failed: %v", err)
		}
		if e.RulesCount() != 0 {
			t.Errorf("expected no rules for tenant-b, got %d", e.RulesCount())
		}
	})

	t.Run("Reload", func(t *testing.T) {
		before, _ := reg.Engine(ctx, "tenant-a")
		store.byTenant["tenant-a"][1].Enabled = true

		n, err := reg.Reload(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 rules after reload, got %d", n)
		}
		after, _ := reg.Engine(ctx, "tenant-a")
		if after == before {
			t.Error("expected a new engine after reload")
		}
		if before.RulesCount() != 1 {
			t.Errorf("previous engine should be left intact, has %d rules", before.RulesCount())
		}
	})

	t.Run("ReloadKeepsEngineOnCompileError", func(t *testing.T) {
		current, _ := reg.Engine(ctx, "tenant-a")
		store.byTenant["tenant-a"] = append(store.byTenant["tenant-a"],
			&domain.EligibilityRule{ID: "a-3", Provision: domain.ProvisionStartup, Expression: "candidate.(", Enabled: true})

		if _, err := reg.Reload(ctx, "tenant-a"); err == nil {
			t.Fatal("expected compile error")
		}
		if got, _ := reg.Engine(ctx, "tenant-a"); got != current {
			t.Error("expected the previous engine to stay in place")
		}
	})

	t.Run("StoreError", func(t *testing.T) {
		failing := NewRegistry(&memRules{err: errors.New("db down")})
		if _, err := failing.Engine(ctx, "tenant-a"); err == nil {
			t.Error("expected store error")
		}
	})

	t.Run("NilStore", func(t *testing.T) {
		e, err := NewRegistry(nil).Engine(ctx, "tenant-a")
		if err != nil || e.RulesCount() != 0 {
			t.Errorf("expected empty engine, got %v, %v", e, err)
		}
	})
}
