// Package refund turns the selected combination into the refund claim:
// deadlines, refund principal, interest, local tax, carryforwards and
// post-management risks.
package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/money"
)

// obligation is the ongoing duty attached to a granted provision. Only
// surcharged duties add interest to the clawback and can be graded HIGH.
type obligation struct {
	duty       string
	surcharged bool
}

// obligationYears is the length of every obligation window.
const obligationYears = 2

// obligations lists the provisions whose grant can be clawed back.
var obligations = map[domain.Provision]obligation{
	domain.ProvisionEmployment: {duty: "maintain increased headcount for 2 years", surcharged: true},
	domain.ProvisionInvestment: {duty: "retain invested assets for 2 years", surcharged: true},
	domain.ProvisionStartup:    {duty: "keep operating in the qualifying startup industry"},
}

// Finalizer computes the refund for a selected combination.
type Finalizer struct {
	ref domain.ReferenceData
	cfg domain.EngineConfig
	now func() time.Time
}

// NewFinalizer creates a finalizer.
func NewFinalizer(ref domain.ReferenceData, cfg domain.EngineConfig) *Finalizer {
	def := domain.DefaultEngineConfig()
	if cfg.CorrectionYears <= 0 {
		cfg.CorrectionYears = def.CorrectionYears
	}
	if cfg.LocalTaxRate.IsZero() {
		cfg.LocalTaxRate = def.LocalTaxRate
	}
	if cfg.DefaultInterestRate.IsZero() {
		cfg.DefaultInterestRate = def.DefaultInterestRate
	}
	if cfg.InterestEnd == "" {
		cfg.InterestEnd = def.InterestEnd
	}
	if cfg.RiskHoldingDays <= 0 {
		cfg.RiskHoldingDays = def.RiskHoldingDays
	}
	if cfg.RiskHighThreshold <= 0 {
		cfg.RiskHighThreshold = def.RiskHighThreshold
	}
	return &Finalizer{ref: ref, cfg: cfg, now: time.Now}
}

// Input is what the finalizer reads for one request.
type Input struct {
	RequestID   string
	Taxpayer    domain.Taxpayer
	Filing      domain.Filing
	Combination *domain.Combination
}

// Result carries the refund and the messages it produced.
type Result struct {
	Refund   *domain.RefundResult
	Warnings []domain.Warning
}

// Finalize computes the refund. A claim past the correction deadline fails
// with ClaimExpiredError and no refund.
func (f *Finalizer) Finalize(ctx context.Context, in Input, sink domain.TraceSink) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Combination == nil {
		return nil, &domain.CalculationError{Stage: domain.StageRefund, Err: fmt.Errorf("no selected combination")}
	}

	fl := in.Filing
	combo := in.Combination
	res := &Result{}

	filingDeadline := FilingDeadline(in.Taxpayer.TaxType, fl.TaxYear, fl.FiscalEnd)
	claimDeadline := ClaimDeadline(filingDeadline, f.cfg.CorrectionYears)
	claimDate := fl.ClaimDate
	if claimDate.IsZero() {
		claimDate = f.now()
	}
	claimDate = dateOf(claimDate)

	warn, err := CheckDeadline(claimDate, claimDeadline, f.cfg.DeadlineWarnDays)
	if err != nil {
		return nil, err
	}
	if warn != nil {
		res.Warnings = append(res.Warnings, *warn)
	}

	r := &domain.RefundResult{
		ExistingComputedTax:   fl.ComputedTax,
		ExistingDeterminedTax: fl.DeterminedTax,
		ExistingPaidTax:       fl.PaidTax,
		NewDeterminedTax:      money.NonNegative(fl.ComputedTax - combo.ExemptionTotal - combo.CreditTotal),
		MinTaxAdjustment:      combo.MinTaxAdjustment,
		SurtaxTotal:           combo.SurtaxTotal,
		PenaltyOffset:         fl.PenaltyOffset,
		FilingDeadline:        filingDeadline,
		ClaimDeadline:         claimDeadline,
	}
	reduction := money.NonNegative(fl.DeterminedTax - r.NewDeterminedTax)
	r.RefundAmount = money.Truncate(money.NonNegative(reduction - fl.PenaltyOffset))

	if err := f.interest(ctx, r, fl, claimDate); err != nil {
		return nil, &domain.CalculationError{Stage: domain.StageRefund, Err: fmt.Errorf("refund interest: %w", err)}
	}

	r.LocalTaxRefund = money.TruncateDecimal(money.Fraction(r.RefundAmount, f.cfg.LocalTaxRate))
	if r.LocalTaxRefund > 0 {
		res.Warnings = append(res.Warnings, domain.NewWarning(domain.CodeLocalTaxRefund,
			"amount", r.LocalTaxRefund, "rate", f.cfg.LocalTaxRate.String()))
	}

	r.Carryforwards = combo.Carryforwards
	if len(r.Carryforwards) > 0 {
		var total int64
		for _, cf := range r.Carryforwards {
			total += cf.Amount
		}
		res.Warnings = append(res.Warnings, domain.NewWarning(domain.CodeCarryforwardSet,
			"count", len(r.Carryforwards), "total", total))
	}

	r.Risks = f.risks(combo, fl)
	r.TotalExpected = r.RefundAmount + r.InterestAmount + r.LocalTaxRefund
	res.Refund = r

	if sink != nil {
		sink.Record(ctx, domain.TraceEvent{
			RequestID: in.RequestID,
			Stage:     domain.StageRefund,
			Name:      domain.EventRefundComputed,
			At:        time.Now().UTC(),
			Attrs: map[string]any{
				"refund":         r.RefundAmount,
				"interest":       r.InterestAmount,
				"local_tax":      r.LocalTaxRefund,
				"total_expected": r.TotalExpected,
			},
		})
	}
	return res, nil
}

// interest fills the interest window and amounts. An interim payment accrues
// to its payment date; the remainder accrues to the window end.
func (f *Finalizer) interest(ctx context.Context, r *domain.RefundResult, fl domain.Filing, claimDate time.Time) error {
	paid := dateOf(fl.FiledOn)
	if paid.Before(r.FilingDeadline) {
		paid = r.FilingDeadline
	}
	r.InterestStart = paid.AddDate(0, 0, 1)
	r.InterestEnd = claimDate
	if f.cfg.InterestEnd == domain.InterestEndProcessingDeadline {
		r.InterestEnd = claimDate.AddDate(0, 0, f.cfg.ProcessingDays)
	}

	remainder := r.RefundAmount
	if fl.Interim != nil && fl.Interim.Amount > 0 {
		amount := money.Min(fl.Interim.Amount, r.RefundAmount)
		paidOn := dateOf(fl.Interim.PaidOn)
		if paidOn.After(r.InterestEnd) {
			paidOn = r.InterestEnd
		}
		_, interimInterest, err := accrue(ctx, f.ref, amount, r.InterestStart, paidOn, f.cfg.DefaultInterestRate)
		if err != nil {
			return err
		}
		r.Interim = &domain.InterimRefund{Amount: amount, PaidOn: paidOn, Interest: interimInterest}
		remainder -= amount
	}

	periods, amount, err := accrue(ctx, f.ref, remainder, r.InterestStart, r.InterestEnd, f.cfg.DefaultInterestRate)
	if err != nil {
		return err
	}
	r.InterestPeriods = periods
	r.InterestAmount = amount
	if r.Interim != nil {
		r.InterestAmount += r.Interim.Interest
	}
	return nil
}

// risks prices the clawback exposure of granted items that carry an
// obligation. The window opens the day after fiscal year end.
func (f *Finalizer) risks(combo *domain.Combination, fl domain.Filing) []domain.PostManagementRisk {
	fiscalEnd := dateOf(fl.FiscalEnd)
	if fl.FiscalEnd.IsZero() {
		fiscalEnd = time.Date(fl.TaxYear, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	start := fiscalEnd.AddDate(0, 0, 1)
	end := start.AddDate(obligationYears, 0, 0)

	var out []domain.PostManagementRisk
	for _, it := range combo.Items {
		ob, ok := obligations[it.Provision]
		if !ok || it.Granted <= 0 {
			continue
		}
		risk := domain.PostManagementRisk{
			ItemID:      it.ItemID,
			Provision:   it.Provision,
			Obligation:  ob.duty,
			PeriodStart: start,
			PeriodEnd:   end,
			Clawback:    it.Granted,
			Level:       domain.RiskMedium,
		}
		if ob.surcharged {
			risk.Surcharge = money.TruncateDecimal(money.DailyInterest(it.Granted, f.cfg.DefaultInterestRate, int64(f.cfg.RiskHoldingDays)))
			if it.Granted > f.cfg.RiskHighThreshold {
				risk.Level = domain.RiskHigh
			}
		}
		out = append(out, risk)
	}
	return out
}
