package search

import (
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/money"
)

// scorer prices combinations for one request. It is read-only after
// construction.
type scorer struct {
	computedTax   int64
	taxableIncome int64
	brackets      []domain.MinTaxBracket
	maxIterations int
	epsilon       int64
	taxYear       int
	carryYears    int
}

// iteration is one pass of the minimum-tax fixed point.
type iteration struct {
	N          int
	FloorBase  int64
	Floor      int64
	Adjustment int64
}

// score applies items, which must already be in application order, and
// resolves the minimum-tax floor. observe may be nil.
func (s *scorer) score(items []domain.CreditItem, observe func(iteration)) domain.Combination {
	full := s.applyCeiling(items)
	granted := full

	var adj, prev, floor int64
	converged := false
	n := 0
	for n < s.maxIterations {
		n++
		base := s.taxableIncome + addBack(items, granted)
		floor = s.floor(base)
		granted, adj = s.suppress(items, full, floor)
		if observe != nil {
			observe(iteration{N: n, FloorBase: base, Floor: floor, Adjustment: adj})
		}
		if abs(adj-prev) < s.epsilon {
			converged = true
			break
		}
		prev = adj
	}

	return s.assemble(items, full, granted, adj, floor, n, converged)
}

// applyCeiling grants each item in order until the computed tax is used up.
func (s *scorer) applyCeiling(items []domain.CreditItem) []int64 {
	granted := make([]int64, len(items))
	remaining := money.NonNegative(s.computedTax)
	for i, it := range items {
		g := money.Min(it.GrossAmount, remaining)
		granted[i] = g
		remaining -= g
	}
	return granted
}

// floor is the minimum tax for a floor base.
func (s *scorer) floor(base int64) int64 {
	if base <= 0 {
		return 0
	}
	b, ok := domain.BracketFor(s.brackets, base)
	if !ok {
		return 0
	}
	return money.TruncateDecimal(money.Fraction(base, b.Rate))
}

// suppress cuts minimum-tax-subject items, last applied first, until the
// determined tax reaches floor. It returns the granted amounts and the total
// cut.
func (s *scorer) suppress(items []domain.CreditItem, full []int64, floor int64) ([]int64, int64) {
	granted := make([]int64, len(full))
	copy(granted, full)

	determined := s.computedTax
	for _, g := range granted {
		determined -= g
	}

	var adj int64
	for i := len(items) - 1; i >= 0 && determined < floor; i-- {
		if !items[i].MinTaxSubject {
			continue
		}
		cut := money.Min(granted[i], floor-determined)
		granted[i] -= cut
		determined += cut
		adj += cut
	}
	return granted, adj
}

func addBack(items []domain.CreditItem, granted []int64) int64 {
	var sum int64
	for i, it := range items {
		if it.FloorAddBack {
			sum += granted[i]
		}
	}
	return sum
}

func (s *scorer) assemble(items []domain.CreditItem, full, granted []int64, adj, floor int64, iterations int, converged bool) domain.Combination {
	c := domain.Combination{
		Items:            make([]domain.AppliedItem, len(items)),
		MinTaxAdjustment: adj,
		MinTaxFloor:      floor,
		Valid:            true,
		Iterations:       iterations,
		Converged:        converged,
	}

	var grantedSum int64
	for i, it := range items {
		g := granted[i]
		surtax := money.Truncate(money.Scale(it.SurtaxAmount, g, it.GrossAmount))
		c.Items[i] = domain.AppliedItem{
			ItemID:        it.ItemID,
			Provision:     it.Provision,
			Category:      it.Category,
			CreditType:    it.CreditType,
			GrossAmount:   it.GrossAmount,
			Granted:       g,
			Surtax:        surtax,
			MinTaxSubject: it.MinTaxSubject,
			Suppressed:    g < full[i],
		}

		if it.CreditType == domain.CreditTypeExemption {
			c.ExemptionTotal += g
		} else {
			c.CreditTotal += g
		}
		c.SurtaxTotal += surtax
		grantedSum += g

		if it.CarryforwardEligible {
			if amount := money.Truncate(it.GrossAmount - g + it.CarryforwardAmount); amount > 0 {
				c.Carryforwards = append(c.Carryforwards, domain.Carryforward{
					ItemID:     it.ItemID,
					Provision:  it.Provision,
					Amount:     amount,
					TaxYear:    s.taxYear,
					ExpiryYear: s.taxYear + s.carryYears,
				})
			}
		}
	}

	c.NetRefund = money.Truncate(money.NonNegative(grantedSum - c.SurtaxTotal))
	return c
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
