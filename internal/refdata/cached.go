package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// cacheTenant scopes reference entries in the tenant-keyed cache. Reference
// data is shared by every tenant.
const cacheTenant = "_reference"

// Cached is a read-through cache in front of another ReferenceData.
// Misses (ErrNoReference) are not cached.
type Cached struct {
	next  domain.ReferenceData
	cache domain.Cache
	ttl   time.Duration
	gen   atomic.Int64
}

// NewCached wraps next with cache.
func NewCached(next domain.ReferenceData, cache domain.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{next: next, cache: cache, ttl: ttl}
}

// Invalidate makes every entry written so far unreachable. Old entries age
// out through their TTL.
func (c *Cached) Invalidate() {
	c.gen.Add(1)
}

func (c *Cached) key(parts ...any) string {
	s := make([]string, 0, len(parts)+1)
	s = append(s, fmt.Sprintf("ref:%d", c.gen.Load()))
	for _, p := range parts {
		s = append(s, fmt.Sprint(p))
	}
	return strings.Join(s, ":")
}

// readThrough serves key from the cache or loads and stores it. Cache
// failures degrade to a direct load.
func readThrough[T any](ctx context.Context, c *Cached, key string, load func() (T, error)) (T, error) {
	if raw, err := c.cache.Get(ctx, cacheTenant, key); err == nil && raw != nil {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
	} else if err != nil {
		slog.Debug("reference cache read failed", "key", key, "error", err)
	}

	v, err := load()
	if err != nil {
		return v, err
	}
	if raw, err := json.Marshal(v); err == nil {
		if err := c.cache.Set(ctx, cacheTenant, key, raw, c.ttl); err != nil {
			slog.Debug("reference cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// CreditRate implements domain.ReferenceData.
func (c *Cached) CreditRate(ctx context.Context, key domain.RateKey) (*domain.RateEntry, error) {
	k := c.key("rate", key.Category, key.TaxYear, key.CompanySize, key.Zone, key.Variant)
	return readThrough(ctx, c, k, func() (*domain.RateEntry, error) {
		return c.next.CreditRate(ctx, key)
	})
}

// SurtaxRule implements domain.ReferenceData.
func (c *Cached) SurtaxRule(ctx context.Context, provision domain.Provision, year int) (*domain.SurtaxRule, error) {
	return readThrough(ctx, c, c.key("surtax", provision, year), func() (*domain.SurtaxRule, error) {
		return c.next.SurtaxRule(ctx, provision, year)
	})
}

// ExclusionRules implements domain.ReferenceData.
func (c *Cached) ExclusionRules(ctx context.Context, provisions []domain.Provision, year int) ([]domain.ExclusionRule, error) {
	names := make([]string, len(provisions))
	for i, p := range provisions {
		names[i] = string(p)
	}
	k := c.key("exclusion", year, strings.Join(names, ","))
	return readThrough(ctx, c, k, func() ([]domain.ExclusionRule, error) {
		return c.next.ExclusionRules(ctx, provisions, year)
	})
}

// MinTaxBrackets implements domain.ReferenceData.
func (c *Cached) MinTaxBrackets(ctx context.Context, size domain.CompanySize, year int) ([]domain.MinTaxBracket, error) {
	return readThrough(ctx, c, c.key("brackets", size, year), func() ([]domain.MinTaxBracket, error) {
		return c.next.MinTaxBrackets(ctx, size, year)
	})
}

// InterestRates implements domain.ReferenceData.
func (c *Cached) InterestRates(ctx context.Context, from, to time.Time) ([]domain.InterestRate, error) {
	k := c.key("interest", from.Format(time.DateOnly), to.Format(time.DateOnly))
	return readThrough(ctx, c, k, func() ([]domain.InterestRate, error) {
		return c.next.InterestRates(ctx, from, to)
	})
}
