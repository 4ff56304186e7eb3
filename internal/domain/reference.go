package domain

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceData is read-only access to the tax law tables. Implementations
// must be safe for concurrent use.
type ReferenceData interface {
	// CreditRate returns the rate entry for the key, or ErrNoReference.
	CreditRate(ctx context.Context, key RateKey) (*RateEntry, error)

	// SurtaxRule returns the surtax rule for a provision, or ErrNoReference.
	SurtaxRule(ctx context.Context, provision Provision, year int) (*SurtaxRule, error)

	// ExclusionRules returns the active rules touching any of the provisions.
	// No rules is an empty slice, not an error.
	ExclusionRules(ctx context.Context, provisions []Provision, year int) ([]ExclusionRule, error)

	// MinTaxBrackets returns the minimum-tax brackets for a company size.
	MinTaxBrackets(ctx context.Context, size CompanySize, year int) ([]MinTaxBracket, error)

	// InterestRates returns the refund interest rates overlapping [from, to).
	InterestRates(ctx context.Context, from, to time.Time) ([]InterestRate, error)
}

// RateKey selects a credit rate. Variant narrows the lookup inside a
// category, such as "youth" for employment or "NEW_GROWTH/INCREMENTAL" for
// R&D. Empty fields match the wildcard entry.
type RateKey struct {
	Category    Category    `json:"category" yaml:"category"`
	TaxYear     int         `json:"taxYear" yaml:"taxYear"`
	CompanySize CompanySize `json:"companySize,omitempty" yaml:"companySize,omitempty"`
	Zone        string      `json:"zone,omitempty" yaml:"zone,omitempty"`
	Variant     string      `json:"variant,omitempty" yaml:"variant,omitempty"`
}

// RateEntry is a reference credit rate. Rates are percentages.
type RateEntry struct {
	Rate           decimal.Decimal `json:"rate" yaml:"rate"`
	AdditionalRate decimal.Decimal `json:"additionalRate" yaml:"additionalRate"`
	PerPerson      int64           `json:"perPerson,omitempty" yaml:"perPerson,omitempty"`
	Limit          int64           `json:"limit,omitempty" yaml:"limit,omitempty"`
	// MinTaxExempt removes the item from minimum-tax subjection.
	MinTaxExempt bool `json:"minTaxExempt,omitempty" yaml:"minTaxExempt,omitempty"`
	// SunsetYear is the last tax year the provision applies to. Zero is open.
	SunsetYear int `json:"sunsetYear,omitempty" yaml:"sunsetYear,omitempty"`
	LegalBasis string `json:"legalBasis,omitempty" yaml:"legalBasis,omitempty"`
}

// SurtaxRule is the rural special surtax treatment of a provision. Rate is a
// fraction of the gross amount such as 0.20.
type SurtaxRule struct {
	Provision Provision       `json:"provision" yaml:"provision"`
	Exempt    bool            `json:"exempt" yaml:"exempt"`
	Rate      decimal.Decimal `json:"rate" yaml:"rate"`
	YearFrom  int             `json:"yearFrom,omitempty" yaml:"yearFrom,omitempty"`
	YearTo    int             `json:"yearTo,omitempty" yaml:"yearTo,omitempty"`
}

// MinTaxBracket is a flat minimum-tax rate for bases in [Lower, Upper).
// Upper zero is unbounded. Rate is a fraction such as 0.07.
type MinTaxBracket struct {
	Lower int64           `json:"lower" yaml:"lower"`
	Upper int64           `json:"upper,omitempty" yaml:"upper,omitempty"`
	Rate  decimal.Decimal `json:"rate" yaml:"rate"`
}

// Contains reports whether base falls inside the bracket.
func (b MinTaxBracket) Contains(base int64) bool {
	return base >= b.Lower && (b.Upper == 0 || base < b.Upper)
}

// InterestRate is the annual refund interest rate for [From, To). A zero To
// is open-ended. Rate is a fraction such as 0.035.
type InterestRate struct {
	From time.Time       `json:"from" yaml:"from"`
	To   time.Time       `json:"to,omitempty" yaml:"to,omitempty"`
	Rate decimal.Decimal `json:"rate" yaml:"rate"`
}

// RateRow is a stored credit rate valid for tax years [YearFrom, YearTo].
// Empty selector fields match any key value.
type RateRow struct {
	Category    Category    `json:"category" yaml:"category"`
	CompanySize CompanySize `json:"companySize,omitempty" yaml:"companySize,omitempty"`
	Zone        string      `json:"zone,omitempty" yaml:"zone,omitempty"`
	Variant     string      `json:"variant,omitempty" yaml:"variant,omitempty"`
	YearFrom    int         `json:"yearFrom,omitempty" yaml:"yearFrom,omitempty"`
	YearTo      int         `json:"yearTo,omitempty" yaml:"yearTo,omitempty"`
	RateEntry   `yaml:",inline"`
}

// specificity returns how many selectors the row pins for key, or -1 when
// the row does not apply.
func (r RateRow) specificity(key RateKey) int {
	if r.Category != key.Category || !yearIn(key.TaxYear, r.YearFrom, r.YearTo) {
		return -1
	}
	n := 0
	for _, sel := range []struct{ row, want string }{
		{string(r.CompanySize), string(key.CompanySize)},
		{r.Zone, key.Zone},
		{r.Variant, key.Variant},
	} {
		switch sel.row {
		case "":
		case sel.want:
			n++
		default:
			return -1
		}
	}
	return n
}

// SelectRate picks the most specific row matching key. Earlier rows win
// ties. It returns ErrNoReference when nothing matches.
func SelectRate(rows []RateRow, key RateKey) (*RateEntry, error) {
	best, bestScore := -1, -1
	for i, r := range rows {
		if s := r.specificity(key); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return nil, ErrNoReference
	}
	entry := rows[best].RateEntry
	return &entry, nil
}

// BracketRow is a stored minimum-tax bracket for a company size and year
// range. An empty size applies to every size without its own brackets.
type BracketRow struct {
	CompanySize   CompanySize `json:"companySize,omitempty" yaml:"companySize,omitempty"`
	YearFrom      int         `json:"yearFrom,omitempty" yaml:"yearFrom,omitempty"`
	YearTo        int         `json:"yearTo,omitempty" yaml:"yearTo,omitempty"`
	MinTaxBracket `yaml:",inline"`
}

// SelectBrackets returns the brackets for size and year ordered by lower
// bound, preferring size-specific rows over the wildcard set.
func SelectBrackets(rows []BracketRow, size CompanySize, year int) []MinTaxBracket {
	var exact, wildcard []MinTaxBracket
	for _, r := range rows {
		if !yearIn(year, r.YearFrom, r.YearTo) {
			continue
		}
		switch r.CompanySize {
		case size:
			exact = append(exact, r.MinTaxBracket)
		case "":
			wildcard = append(wildcard, r.MinTaxBracket)
		}
	}
	out := exact
	if len(out) == 0 {
		out = wildcard
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lower < out[j].Lower })
	return out
}

// BracketFor returns the bracket containing base.
func BracketFor(brackets []MinTaxBracket, base int64) (MinTaxBracket, bool) {
	for _, b := range brackets {
		if b.Contains(base) {
			return b, true
		}
	}
	return MinTaxBracket{}, false
}

// SelectSurtax returns the surtax rule for provision and year.
func SelectSurtax(rules []SurtaxRule, provision Provision, year int) (*SurtaxRule, error) {
	for _, r := range rules {
		if r.Provision == provision && yearIn(year, r.YearFrom, r.YearTo) {
			rule := r
			return &rule, nil
		}
	}
	return nil, ErrNoReference
}

// SelectExclusions returns the rules active in year that touch any of the
// provisions, ordered by ID.
func SelectExclusions(rules []ExclusionRule, provisions []Provision, year int) []ExclusionRule {
	want := make(map[Provision]bool, len(provisions))
	for _, p := range provisions {
		want[p] = true
	}
	out := make([]ExclusionRule, 0)
	for _, r := range rules {
		if r.ActiveIn(year) && (want[r.ProvisionA] || want[r.ProvisionB]) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectInterest returns the rates overlapping [from, to) ordered by start.
func SelectInterest(rates []InterestRate, from, to time.Time) []InterestRate {
	out := make([]InterestRate, 0)
	for _, r := range rates {
		if !r.From.Before(to) {
			continue
		}
		if !r.To.IsZero() && !r.To.After(from) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From.Before(out[j].From) })
	return out
}

func yearIn(year, from, to int) bool {
	return (from == 0 || year >= from) && (to == 0 || year <= to)
}
