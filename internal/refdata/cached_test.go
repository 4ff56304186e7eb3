package refdata

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
)

type countingRef struct {
	domain.ReferenceData
	rateCalls atomic.Int64
}

func (c *countingRef) CreditRate(ctx context.Context, key domain.RateKey) (*domain.RateEntry, error) {
	c.rateCalls.Add(1)
	return c.ReferenceData.CreditRate(ctx, key)
}

func TestCachedReadThrough(t *testing.T) {
	table, _ := Default()
	inner := &countingRef{ReferenceData: table}
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	cached := NewCached(inner, lru, time.Minute)
	ctx := context.Background()
	key := domain.RateKey{Category: domain.CategoryInvestment, TaxYear: 2024, CompanySize: domain.SizeSmall}

	for i := 0; i < 3; i++ {
		entry, err := cached.CreditRate(ctx, key)
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if entry.Rate.String() != "10" {
			t.Errorf("expected rate 10, got %s", entry.Rate)
		}
	}
	if n := inner.rateCalls.Load(); n != 1 {
		t.Errorf("expected 1 underlying call, got %d", n)
	}

	cached.Invalidate()
	if _, err := cached.CreditRate(ctx, key); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if n := inner.rateCalls.Load(); n != 2 {
		t.Errorf("expected reload after invalidate, got %d calls", n)
	}
}

func TestCachedMissNotCached(t *testing.T) {
	table, _ := Default()
	inner := &countingRef{ReferenceData: table}
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	cached := NewCached(inner, lru, time.Minute)
	key := domain.RateKey{Category: domain.CategoryInvestment, TaxYear: 1999}

	for i := 0; i < 2; i++ {
		if _, err := cached.CreditRate(context.Background(), key); !errors.Is(err, domain.ErrNoReference) {
			t.Fatalf("expected ErrNoReference, got %v", err)
		}
	}
	if n := inner.rateCalls.Load(); n != 2 {
		t.Errorf("misses should not be cached, got %d calls", n)
	}
}

func TestCachedPassThrough(t *testing.T) {
	table, _ := Default()
	lru := cache.NewLRUCache(100)
	defer lru.Close()
	cached := NewCached(table, lru, 0)
	ctx := context.Background()

	rules, err := cached.ExclusionRules(ctx, []domain.Provision{domain.ProvisionSMESpecial}, 2024)
	if err != nil {
		t.Fatalf("exclusion lookup failed: %v", err)
	}
	again, _ := cached.ExclusionRules(ctx, []domain.Provision{domain.ProvisionSMESpecial}, 2024)
	if len(rules) != len(again) || len(rules) == 0 {
		t.Errorf("cached result differs: %d vs %d", len(rules), len(again))
	}

	brackets, _ := cached.MinTaxBrackets(ctx, domain.SizeMedium, 2024)
	if len(brackets) != 1 {
		t.Errorf("expected 1 bracket, got %d", len(brackets))
	}

	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	rates, _ := cached.InterestRates(ctx, from, from.AddDate(1, 0, 0))
	if len(rates) != 2 {
		t.Errorf("expected 2 interest rates, got %d", len(rates))
	}
}
