package search

import (
	"cmp"
	"slices"
	"sort"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
)

// conflictIndex answers "may p join the provisions already taken" for the
// forbidding rules of one request.
type conflictIndex struct {
	rules    []domain.ExclusionRule
	partners map[domain.Provision][]domain.Provision
}

func newConflictIndex(rules []domain.ExclusionRule) conflictIndex {
	idx := conflictIndex{partners: make(map[domain.Provision][]domain.Provision)}
	for _, r := range rules {
		if !r.Forbids() {
			continue
		}
		idx.rules = append(idx.rules, r)
		idx.partners[r.ProvisionA] = append(idx.partners[r.ProvisionA], r.ProvisionB)
		if r.ProvisionA != r.ProvisionB {
			idx.partners[r.ProvisionB] = append(idx.partners[r.ProvisionB], r.ProvisionA)
		}
	}
	return idx
}

// blocked reports whether p conflicts with a provision in use.
func (x conflictIndex) blocked(p domain.Provision, inUse map[domain.Provision]int) bool {
	for _, q := range x.partners[p] {
		if inUse[q] > 0 {
			return true
		}
	}
	return false
}

// violations lists, per forbidding rule, the candidates left out because the
// other side of the rule was selected.
func (x conflictIndex) violations(selected *domain.Combination, candidates []domain.CreditItem) []domain.ExclusionViolation {
	taken := make(map[string]bool, len(selected.Items))
	firstOf := make(map[domain.Provision]string)
	for _, it := range selected.Items {
		taken[it.ItemID] = true
		if _, ok := firstOf[it.Provision]; !ok {
			firstOf[it.Provision] = it.ItemID
		}
	}

	var out []domain.ExclusionViolation
	for _, r := range x.rules {
		sides := [][2]domain.Provision{{r.ProvisionA, r.ProvisionB}}
		if r.ProvisionA != r.ProvisionB {
			sides = append(sides, [2]domain.Provision{r.ProvisionB, r.ProvisionA})
		}
		for _, s := range sides {
			kept, other := s[0], s[1]
			keptID, ok := firstOf[kept]
			if !ok {
				continue
			}
			var dropped []string
			for _, c := range candidates {
				if c.Provision == other && !taken[c.ItemID] {
					dropped = append(dropped, c.ItemID)
				}
			}
			if len(dropped) == 0 {
				continue
			}
			out = append(out, domain.ExclusionViolation{
				RuleID:       r.ID,
				Kept:         kept,
				KeptItemID:   keptID,
				Dropped:      other,
				DroppedItems: dropped,
				LegalBasis:   r.LegalBasis,
			})
		}
	}
	return out
}

// applyPrecedence removes the non-preferred side of every forbidding rule
// that names a preferred provision, when both sides are present.
func applyPrecedence(items []domain.CreditItem, rules []domain.ExclusionRule) ([]domain.CreditItem, []domain.ExclusionViolation) {
	present := make(map[domain.Provision]bool)
	for _, it := range items {
		present[it.Provision] = true
	}

	var violations []domain.ExclusionViolation
	for _, r := range rules {
		if !r.Forbids() || r.Prefer == "" {
			continue
		}
		keep, drop := r.Prefer, r.Other(r.Prefer)
		if keep == drop || !present[keep] || !present[drop] {
			continue
		}

		v := domain.ExclusionViolation{
			RuleID:       r.ID,
			Kept:         keep,
			Dropped:      drop,
			ByPrecedence: true,
			LegalBasis:   r.LegalBasis,
		}
		kept := items[:0:0]
		for _, it := range items {
			switch {
			case it.Provision == drop:
				v.DroppedItems = append(v.DroppedItems, it.ItemID)
				continue
			case it.Provision == keep && v.KeptItemID == "":
				v.KeptItemID = it.ItemID
			}
			kept = append(kept, it)
		}
		items = kept
		present[drop] = false
		violations = append(violations, v)
	}
	return items, violations
}

// ranking keeps the best limit combinations in rank order.
type ranking struct {
	limit int
	items []domain.Combination
}

func (r *ranking) offer(c domain.Combination) {
	if len(r.items) >= r.limit && !better(&c, &r.items[len(r.items)-1]) {
		return
	}
	i := sort.Search(len(r.items), func(i int) bool { return better(&c, &r.items[i]) })
	r.items = slices.Insert(r.items, i, c)
	if len(r.items) > r.limit {
		r.items = r.items[:r.limit]
	}
}

// better orders combinations: higher net refund, then fewer minimum-tax
// subject items, then the smaller provision sequence, then item IDs.
func better(a, b *domain.Combination) bool {
	if a.NetRefund != b.NetRefund {
		return a.NetRefund > b.NetRefund
	}
	if na, nb := a.MinTaxSubjectCount(), b.MinTaxSubjectCount(); na != nb {
		return na < nb
	}
	if c := compareSeq(a.Items, b.Items, func(x, y domain.AppliedItem) int {
		return x.Provision.Compare(y.Provision)
	}); c != 0 {
		return c < 0
	}
	return compareSeq(a.Items, b.Items, func(x, y domain.AppliedItem) int {
		return strings.Compare(x.ItemID, y.ItemID)
	}) < 0
}

func compareSeq(a, b []domain.AppliedItem, f func(x, y domain.AppliedItem) int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := f(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}
