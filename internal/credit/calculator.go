// Package credit prices deduction candidates into credit items.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/money"
	"github.com/opensource-finance/heron/internal/rules"
)

const startupYears = 5

var (
	hundred       = decimal.NewFromInt(100)
	minShareRatio = decimal.RequireFromString("0.25")
)

// Eligibility checks a candidate against configured rules.
type Eligibility interface {
	Check(ctx context.Context, c domain.Candidate, tp domain.Taxpayer, f domain.Filing) rules.Verdict
}

// Calculator turns candidates into outcomes. It holds no per-request state.
type Calculator struct {
	ref        domain.ReferenceData
	rules      Eligibility
	surtaxRate decimal.Decimal
}

// NewCalculator creates a calculator. rules may be nil.
func NewCalculator(ref domain.ReferenceData, rules Eligibility, cfg domain.EngineConfig) *Calculator {
	rate := cfg.DefaultSurtaxRate
	if rate.IsZero() {
		rate = domain.DefaultEngineConfig().DefaultSurtaxRate
	}
	return &Calculator{ref: ref, rules: rules, surtaxRate: rate}
}

// Input is everything the calculator reads for one request.
type Input struct {
	Taxpayer   domain.Taxpayer
	Filing     domain.Filing
	Candidates []domain.Candidate
}

// Result holds one outcome per candidate, in input order.
type Result struct {
	Outcomes []domain.Outcome
	Warnings []domain.Warning
}

// Calculate prices every candidate. Item-level problems become NeedsReview
// or NotApplicable outcomes; only malformed reference data and reference
// access failures return an error.
func (c *Calculator) Calculate(ctx context.Context, in Input) (*Result, error) {
	res := &Result{Outcomes: make([]domain.Outcome, 0, len(in.Candidates))}
	for _, cand := range in.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, warn, err := c.price(ctx, cand, in)
		if err != nil {
			return nil, &domain.CalculationError{Stage: domain.StageCalc, Err: fmt.Errorf("item %s: %w", cand.Header().ItemID, err)}
		}
		res.Outcomes = append(res.Outcomes, out)
		if warn != nil {
			res.Warnings = append(res.Warnings, *warn)
		}
	}
	return res, nil
}

func (c *Calculator) price(ctx context.Context, cand domain.Candidate, in Input) (domain.Outcome, *domain.Warning, error) {
	if reason := validate(cand); reason != "" {
		return domain.NeedsReview(cand, reason), nil, nil
	}

	if c.rules != nil {
		v := c.rules.Check(ctx, cand, in.Taxpayer, in.Filing)
		if v.Err != nil {
			return domain.NeedsReview(cand, fmt.Sprintf("eligibility rule could not be evaluated: %v", v.Err)), nil, nil
		}
		if v.RuleID != "" {
			reason := v.Reason
			if reason == "" {
				reason = "eligibility rule " + v.RuleID + " not met"
			}
			return domain.NotApplicable(cand, reason), nil, nil
		}
	}

	p := pricing{calc: c, ctx: ctx, in: in, cand: cand}
	switch v := cand.(type) {
	case domain.SMESpecialCandidate:
		return p.smeSpecial(v)
	case domain.EmploymentCandidate:
		return p.employment(v)
	case domain.InvestmentCandidate:
		return p.investment(v)
	case domain.StartupCandidate:
		return p.startup(v)
	case domain.RDCandidate:
		return p.rd(v)
	case domain.ForeignTaxCandidate:
		return p.foreignTax(v)
	case domain.SocialInsuranceCandidate:
		return p.socialInsurance(v)
	case domain.ExpenseCreditCandidate:
		return p.expense(v)
	}
	return domain.Outcome{}, nil, fmt.Errorf("unhandled candidate type %T", cand)
}

// validate returns a review reason for malformed candidate fields.
func validate(cand domain.Candidate) string {
	if cand.Header().ItemID == "" {
		return "missing item id"
	}
	neg := func(field string, v int64) string {
		if v < 0 {
			return fmt.Sprintf("negative %s", field)
		}
		return ""
	}
	switch v := cand.(type) {
	case domain.SMESpecialCandidate:
		return neg("base amount", v.BaseAmount)
	case domain.EmploymentCandidate:
		if v.YouthIncrease < 0 || v.GeneralIncrease < 0 {
			return "negative headcount increase"
		}
	case domain.InvestmentCandidate:
		if r := neg("base amount", v.BaseAmount); r != "" {
			return r
		}
		return neg("excess amount", v.ExcessAmount)
	case domain.StartupCandidate:
		return neg("base amount", v.BaseAmount)
	case domain.RDCandidate:
		return neg("base amount", v.BaseAmount)
	case domain.ForeignTaxCandidate:
		if r := neg("foreign tax paid", v.ForeignTaxPaid); r != "" {
			return r
		}
		return neg("foreign income", v.ForeignIncome)
	case domain.SocialInsuranceCandidate:
		return neg("base amount", v.BaseAmount)
	case domain.ExpenseCreditCandidate:
		return neg("base amount", v.BaseAmount)
	}
	return ""
}

// pricing carries the per-candidate context through the variant handlers.
type pricing struct {
	calc *Calculator
	ctx  context.Context
	in   Input
	cand domain.Candidate
}

func (p pricing) applicable(item domain.CreditItem) (domain.Outcome, *domain.Warning, error) {
	return domain.Applicable(item), nil, nil
}

func (p pricing) review(format string, args ...any) (domain.Outcome, *domain.Warning, error) {
	return domain.NeedsReview(p.cand, fmt.Sprintf(format, args...)), nil, nil
}

func (p pricing) reject(format string, args ...any) (domain.Outcome, *domain.Warning, error) {
	return domain.NotApplicable(p.cand, fmt.Sprintf(format, args...)), nil, nil
}

// rate looks up and validates a reference rate. A nil entry with a nil error
// means the candidate has already been set aside through out.
func (p pricing) rate(variant string) (*domain.RateEntry, *domain.Outcome, error) {
	tp := p.in.Taxpayer
	key := domain.RateKey{
		Category:    p.cand.Category(),
		TaxYear:     p.in.Filing.TaxYear,
		CompanySize: tp.CompanySize,
		Zone:        tp.Zone,
		Variant:     variant,
	}
	entry, err := p.calc.ref.CreditRate(p.ctx, key)
	if errors.Is(err, domain.ErrNoReference) {
		out := domain.NeedsReview(p.cand, fmt.Sprintf("no reference rate for %s %d %s %s", key.Category, key.TaxYear, key.CompanySize, variant))
		return nil, &out, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("credit rate lookup: %w", err)
	}
	if err := checkRate(entry.Rate); err != nil {
		return nil, nil, err
	}
	if err := checkRate(entry.AdditionalRate); err != nil {
		return nil, nil, err
	}
	if entry.PerPerson < 0 || entry.Limit < 0 {
		return nil, nil, fmt.Errorf("malformed reference data: negative amount for %s", key.Category)
	}
	if entry.SunsetYear > 0 && p.in.Filing.TaxYear > entry.SunsetYear {
		out := domain.NotApplicable(p.cand, fmt.Sprintf("provision sunset after %d", entry.SunsetYear))
		return nil, &out, nil
	}
	return entry, nil, nil
}

func checkRate(r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(hundred) {
		return fmt.Errorf("malformed reference data: rate %s outside [0, 100]", r)
	}
	return nil
}

// surtax resolves the surtax treatment for the candidate's provision,
// falling back to the category default when no rule is configured.
func (p pricing) surtax(defaultExempt bool) (bool, decimal.Decimal, error) {
	rule, err := p.calc.ref.SurtaxRule(p.ctx, domain.ProvisionOf(p.cand), p.in.Filing.TaxYear)
	if errors.Is(err, domain.ErrNoReference) {
		if defaultExempt {
			return true, decimal.Zero, nil
		}
		return false, p.calc.surtaxRate, nil
	}
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("surtax rule lookup: %w", err)
	}
	if rule.Exempt {
		return true, decimal.Zero, nil
	}
	if rule.Rate.IsNegative() || rule.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return false, decimal.Zero, fmt.Errorf("malformed reference data: surtax rate %s", rule.Rate)
	}
	return false, rule.Rate, nil
}

// build assembles the item, applying surtax and the single final truncation.
func (p pricing) build(ctype domain.CreditType, gross int64, minTax bool, surtaxDefaultExempt bool, expl domain.Explanation) (domain.CreditItem, error) {
	exempt, rate, err := p.surtax(surtaxDefaultExempt)
	if err != nil {
		return domain.CreditItem{}, err
	}
	gross = money.Truncate(gross)
	var surtax int64
	if !exempt {
		surtax = money.TruncateDecimal(money.Fraction(gross, rate))
	}
	h := p.cand.Header()
	return domain.CreditItem{
		ItemID:         h.ItemID,
		Provision:      domain.ProvisionOf(p.cand),
		Category:       p.cand.Category(),
		CreditType:     ctype,
		TaxYear:        p.in.Filing.TaxYear,
		GrossAmount:    gross,
		SurtaxExempt:   exempt,
		SurtaxRate:     rate,
		SurtaxAmount:   surtax,
		NetAmount:      money.Truncate(gross - surtax),
		MinTaxSubject:  minTax,
		AlreadyApplied: h.AlreadyApplied,
		Explanation:    expl,
	}, nil
}

func (p pricing) explain(method string, entry *domain.RateEntry, detail string, conditions string) domain.Explanation {
	e := domain.Explanation{Method: method, Detail: detail, Conditions: conditions}
	if entry != nil {
		e.Rate = money.Rate(entry.Rate).String()
		e.LegalBasis = entry.LegalBasis
	}
	return e
}

func (p pricing) smeSpecial(v domain.SMESpecialCandidate) (domain.Outcome, *domain.Warning, error) {
	if !p.in.Taxpayer.CompanySize.IsSME() {
		return p.reject("not an SME")
	}
	entry, out, err := p.rate(v.IndustryClass)
	if entry == nil {
		return deref(out), nil, err
	}
	gross := money.TruncateDecimal(money.Percent(v.BaseAmount, entry.Rate))
	subject := !entry.MinTaxExempt
	item, err := p.build(domain.CreditTypeExemption, gross, subject, true,
		p.explain("base × rate", entry, fmt.Sprintf("base=%d", v.BaseAmount), v.SizeDetail))
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	item.FloorAddBack = subject
	return p.applicable(item)
}

func (p pricing) employment(v domain.EmploymentCandidate) (domain.Outcome, *domain.Warning, error) {
	if v.YouthIncrease+v.GeneralIncrease <= 0 {
		return p.reject("no headcount increase")
	}

	var total decimal.Decimal
	var last *domain.RateEntry
	for _, part := range []struct {
		variant string
		heads   int
	}{{"youth", v.YouthIncrease}, {"general", v.GeneralIncrease}} {
		if part.heads == 0 {
			continue
		}
		entry, out, err := p.rate(part.variant)
		if entry == nil {
			return deref(out), nil, err
		}
		total = total.Add(decimal.NewFromInt(int64(part.heads)).Mul(decimal.NewFromInt(entry.PerPerson)))
		last = entry
	}

	item, err := p.build(domain.CreditTypeCredit, money.TruncateDecimal(total), !last.MinTaxExempt, false,
		p.explain("Δheadcount × per-person amount", last,
			fmt.Sprintf("youth=%d general=%d", v.YouthIncrease, v.GeneralIncrease), ""))
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	item.CarryforwardEligible = true
	return p.applicable(item)
}

func (p pricing) investment(v domain.InvestmentCandidate) (domain.Outcome, *domain.Warning, error) {
	entry, out, err := p.rate(v.AssetType)
	if entry == nil {
		return deref(out), nil, err
	}
	basic := money.Percent(v.BaseAmount, entry.Rate)
	additional := money.Percent(v.ExcessAmount, entry.AdditionalRate)
	item, err := p.build(domain.CreditTypeCredit, money.TruncateDecimal(basic.Add(additional)), !entry.MinTaxExempt, false,
		p.explain("base × basic + excess × additional", entry,
			fmt.Sprintf("base=%d excess=%d additional=%s", v.BaseAmount, v.ExcessAmount, money.Rate(entry.AdditionalRate)), v.AssetType))
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	item.CarryforwardEligible = true
	return p.applicable(item)
}

func (p pricing) startup(v domain.StartupCandidate) (domain.Outcome, *domain.Warning, error) {
	tp := p.in.Taxpayer
	if !tp.CompanySize.IsSME() {
		return p.reject("not an SME")
	}
	if tp.FoundedOn == nil {
		return p.review("missing founding date")
	}
	end := p.in.Filing.FiscalEnd
	if end.IsZero() {
		end = time.Date(p.in.Filing.TaxYear, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	elapsed := yearsBetween(*tp.FoundedOn, end)
	if elapsed >= startupYears {
		return p.reject("startup period of %d years elapsed (%d years since founding)", startupYears, elapsed)
	}

	founder := v.FounderType
	if founder == "" {
		founder = "GENERAL"
		if tp.Venture {
			founder = "YOUTH"
		}
	}
	entry, out, err := p.rate(founder)
	if entry == nil {
		return deref(out), nil, err
	}
	gross := money.TruncateDecimal(money.Percent(v.BaseAmount, entry.Rate))
	item, err := p.build(domain.CreditTypeExemption, gross, false, true,
		p.explain("base × rate", entry, fmt.Sprintf("base=%d elapsed=%d", v.BaseAmount, elapsed),
			fmt.Sprintf("founder=%s zone=%s", founder, tp.Zone)))
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	return p.applicable(item)
}

func (p pricing) rd(v domain.RDCandidate) (domain.Outcome, *domain.Warning, error) {
	if !p.in.Taxpayer.RDDepartment {
		return p.review("no registered R&D department")
	}
	variant := ""
	if v.RDType != "" || v.Method != "" {
		variant = v.RDType + "/" + v.Method
	}
	entry, out, err := p.rate(variant)
	if entry == nil {
		return deref(out), nil, err
	}
	gross := money.TruncateDecimal(money.Percent(v.BaseAmount, entry.Rate))
	item, err := p.build(domain.CreditTypeCredit, gross, !entry.MinTaxExempt, true,
		p.explain("base × rate", entry, fmt.Sprintf("base=%d", v.BaseAmount), variant))
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	item.CarryforwardEligible = true
	return p.applicable(item)
}

func (p pricing) foreignTax(v domain.ForeignTaxCandidate) (domain.Outcome, *domain.Warning, error) {
	f := p.in.Filing
	if f.TaxableIncome <= 0 {
		return p.reject("no taxable income")
	}
	if v.Indirect && v.ShareRatio.LessThan(minShareRatio) {
		warn := domain.NewWarning(domain.CodeIndirectShare,
			"itemId", v.ItemID, "shareRatio", v.ShareRatio.String(), "minimum", minShareRatio.String())
		return domain.NotApplicable(v, fmt.Sprintf("indirect share ratio %s below %s", v.ShareRatio, minShareRatio)), &warn, nil
	}

	foreignIncome := money.Min(v.ForeignIncome, f.TaxableIncome)
	limit := money.Truncate(money.Scale(f.ComputedTax, foreignIncome, f.TaxableIncome))
	gross := money.Truncate(money.Min(v.ForeignTaxPaid, limit))

	// Foreign tax credits never carry surtax, whatever the table says.
	h := v.Header()
	item := domain.CreditItem{
		ItemID:               h.ItemID,
		Provision:            domain.ProvisionOf(v),
		Category:             v.Category(),
		CreditType:           domain.CreditTypeCredit,
		TaxYear:              f.TaxYear,
		GrossAmount:          gross,
		SurtaxExempt:         true,
		NetAmount:            gross,
		CarryforwardEligible: true,
		CarryforwardAmount:   money.Truncate(money.NonNegative(v.ForeignTaxPaid - gross)),
		AlreadyApplied:       h.AlreadyApplied,
		Explanation: domain.Explanation{
			Method: "min(paid, computed × foreign income / taxable income)",
			Detail: fmt.Sprintf("paid=%d limit=%d", v.ForeignTaxPaid, limit),
		},
	}
	if v.Indirect {
		item.Explanation.Conditions = fmt.Sprintf("indirect via %s share=%s", v.SubsidiaryName, v.ShareRatio)
	}
	return p.applicable(item)
}

func (p pricing) socialInsurance(v domain.SocialInsuranceCandidate) (domain.Outcome, *domain.Warning, error) {
	if v.HeadcountIncrease <= 0 {
		return p.reject("no headcount increase")
	}
	item, err := p.build(domain.CreditTypeCredit, v.BaseAmount, true, false,
		p.explain("employer contribution for added headcount", nil,
			fmt.Sprintf("base=%d headcount=%d", v.BaseAmount, v.HeadcountIncrease), ""))
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	return p.applicable(item)
}

func (p pricing) expense(v domain.ExpenseCreditCandidate) (domain.Outcome, *domain.Warning, error) {
	if !p.in.Taxpayer.TaxType.IsIndividual() {
		return p.reject("individual-only credit claimed by %s", p.in.Taxpayer.TaxType)
	}
	if v.Kind == domain.CategorySincerityReport && !v.Confirmed {
		return p.review("missing confirmation report")
	}
	entry, out, err := p.rate("")
	if entry == nil {
		return deref(out), nil, err
	}
	amount := money.TruncateDecimal(money.Percent(v.BaseAmount, entry.Rate))
	if entry.Limit > 0 {
		amount = money.Min(amount, entry.Limit)
	}
	item, err := p.build(domain.CreditTypeCredit, amount, !entry.MinTaxExempt, false,
		p.explain("min(base × rate, limit)", entry, fmt.Sprintf("base=%d limit=%d", v.BaseAmount, entry.Limit), ""))
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	return p.applicable(item)
}

func deref(out *domain.Outcome) domain.Outcome {
	if out == nil {
		return domain.Outcome{}
	}
	return *out
}

// yearsBetween counts whole years from a to b.
func yearsBetween(a, b time.Time) int {
	years := b.Year() - a.Year()
	if b.Month() < a.Month() || (b.Month() == a.Month() && b.Day() < a.Day()) {
		years--
	}
	return years
}
