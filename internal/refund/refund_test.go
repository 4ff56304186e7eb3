package refund

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/refdata"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newFinalizer(t *testing.T) *Finalizer {
	t.Helper()
	table, err := refdata.Default()
	if err != nil {
		t.Fatalf("failed to load reference data: %v", err)
	}
	return NewFinalizer(table, domain.DefaultEngineConfig())
}

func corpInput() Input {
	return Input{
		RequestID: "req-001",
		Taxpayer:  domain.Taxpayer{TaxType: domain.TaxTypeCorporate, CompanySize: domain.SizeSmall},
		Filing: domain.Filing{
			TaxYear:       2024,
			FiscalEnd:     date(2024, 12, 31),
			FiledOn:       date(2025, 3, 31),
			ClaimDate:     date(2025, 6, 30),
			TaxableIncome: 500_000_000,
			ComputedTax:   80_000_000,
			DeterminedTax: 80_000_000,
			PaidTax:       80_000_000,
		},
		Combination: &domain.Combination{
			CreditTotal: 24_500_000,
			SurtaxTotal: 2_400_000,
			Items: []domain.AppliedItem{
				{ItemID: "rd", Provision: domain.ProvisionRD, GrossAmount: 12_500_000, Granted: 12_500_000},
				{ItemID: "inv", Provision: domain.ProvisionInvestment, GrossAmount: 12_000_000, Granted: 12_000_000, Surtax: 2_400_000, MinTaxSubject: true},
			},
		},
	}
}

func finalize(t *testing.T, f *Finalizer, in Input) *Result {
	t.Helper()
	res, err := f.Finalize(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	return res
}

func TestFinalize(t *testing.T) {
	res := finalize(t, newFinalizer(t), corpInput())
	r := res.Refund

	if r.NewDeterminedTax != 55_500_000 {
		t.Errorf("expected new determined tax 55500000, got %d", r.NewDeterminedTax)
	}
	if r.RefundAmount != 24_500_000 {
		t.Errorf("expected refund to equal the reduction, got %d", r.RefundAmount)
	}
	if !r.FilingDeadline.Equal(date(2025, 3, 31)) || !r.ClaimDeadline.Equal(date(2030, 3, 31)) {
		t.Errorf("unexpected deadlines %s %s", r.FilingDeadline, r.ClaimDeadline)
	}
	if !r.InterestStart.Equal(date(2025, 4, 1)) || !r.InterestEnd.Equal(date(2025, 6, 30)) {
		t.Errorf("unexpected interest window %s - %s", r.InterestStart, r.InterestEnd)
	}
	if len(r.InterestPeriods) != 1 || r.InterestPeriods[0].Days != 90 {
		t.Fatalf("expected a single 90 day period, got %+v", r.InterestPeriods)
	}
	if !r.InterestPeriods[0].Rate.Equal(decimal.RequireFromString("0.031")) {
		t.Errorf("expected the 3.1%% rate, got %s", r.InterestPeriods[0].Rate)
	}
	if r.InterestAmount != 187_273 {
		t.Errorf("expected interest 187273, got %d", r.InterestAmount)
	}
	if r.LocalTaxRefund != 2_450_000 {
		t.Errorf("expected local tax 2450000, got %d", r.LocalTaxRefund)
	}
	if r.TotalExpected != 27_137_273 {
		t.Errorf("expected total 27137273, got %d", r.TotalExpected)
	}
	if r.SurtaxTotal != 2_400_000 {
		t.Errorf("expected surtax carried from the combination, got %d", r.SurtaxTotal)
	}

	if !domain.HasWarning(res.Warnings, domain.CodeLocalTaxRefund) {
		t.Error("expected INF_001")
	}
	if domain.HasWarning(res.Warnings, domain.CodeDeadlineNear) || domain.HasWarning(res.Warnings, domain.CodeCarryforwardSet) {
		t.Errorf("unexpected warnings %v", res.Warnings)
	}

	if len(r.Risks) != 1 {
		t.Fatalf("expected one post-management risk, got %+v", r.Risks)
	}
	risk := r.Risks[0]
	if risk.ItemID != "inv" || risk.Clawback != 12_000_000 || risk.Surcharge != 528_000 || risk.Level != domain.RiskHigh {
		t.Errorf("unexpected risk %+v", risk)
	}
	if !risk.PeriodStart.Equal(date(2025, 1, 1)) || !risk.PeriodEnd.Equal(date(2027, 1, 1)) {
		t.Errorf("unexpected obligation window %s - %s", risk.PeriodStart, risk.PeriodEnd)
	}
}

func TestInterestKeepsUnitPrecision(t *testing.T) {
	in := corpInput()
	in.Combination = &domain.Combination{
		CreditTotal: 1_234_560,
		Items: []domain.AppliedItem{
			{ItemID: "rd", Provision: domain.ProvisionRD, GrossAmount: 1_234_560, Granted: 1_234_560},
		},
	}

	r := finalize(t, newFinalizer(t), in).Refund
	if r.RefundAmount != 1_234_560 {
		t.Fatalf("expected refund 1234560, got %d", r.RefundAmount)
	}
	// 1,234,560 × 3.1% × 90 / 365 = 9436.77
	if r.InterestAmount != 9_436 {
		t.Errorf("expected interest 9436, got %d", r.InterestAmount)
	}
	if r.TotalExpected != 1_234_560+9_436+123_450 {
		t.Errorf("unexpected total %d", r.TotalExpected)
	}
}

func TestPostManagementRisks(t *testing.T) {
	f := newFinalizer(t)

	tests := []struct {
		name      string
		item      domain.AppliedItem
		surcharge int64
		level     domain.RiskLevel
	}{
		{
			name:      "startup exemption has no surcharge",
			item:      domain.AppliedItem{ItemID: "st", Provision: domain.ProvisionStartup, GrossAmount: 20_000_000, Granted: 20_000_000},
			surcharge: 0,
			level:     domain.RiskMedium,
		},
		{
			name:      "employment above threshold",
			item:      domain.AppliedItem{ItemID: "emp", Provision: domain.ProvisionEmployment, GrossAmount: 20_000_000, Granted: 20_000_000},
			surcharge: 880_000,
			level:     domain.RiskHigh,
		},
		{
			name:      "investment at threshold",
			item:      domain.AppliedItem{ItemID: "inv", Provision: domain.ProvisionInvestment, GrossAmount: 10_000_000, Granted: 10_000_000},
			surcharge: 440_000,
			level:     domain.RiskMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := corpInput()
			in.Combination = &domain.Combination{CreditTotal: tt.item.Granted, Items: []domain.AppliedItem{tt.item}}

			r := finalize(t, f, in).Refund
			if len(r.Risks) != 1 {
				t.Fatalf("expected one risk, got %+v", r.Risks)
			}
			risk := r.Risks[0]
			if risk.Clawback != tt.item.Granted || risk.Surcharge != tt.surcharge || risk.Level != tt.level {
				t.Errorf("got clawback=%d surcharge=%d level=%s", risk.Clawback, risk.Surcharge, risk.Level)
			}
			if !risk.PeriodStart.Equal(date(2025, 1, 1)) || !risk.PeriodEnd.Equal(date(2027, 1, 1)) {
				t.Errorf("unexpected obligation window %s - %s", risk.PeriodStart, risk.PeriodEnd)
			}
		})
	}

	t.Run("window falls back to calendar year end", func(t *testing.T) {
		in := corpInput()
		in.Filing.FiscalEnd = time.Time{}
		r := finalize(t, f, in).Refund
		if len(r.Risks) != 1 || !r.Risks[0].PeriodStart.Equal(date(2025, 1, 1)) {
			t.Errorf("unexpected risks %+v", r.Risks)
		}
	})
}

func TestRefundNonNegative(t *testing.T) {
	f := newFinalizer(t)

	t.Run("penalty offset exceeds reduction", func(t *testing.T) {
		in := corpInput()
		in.Filing.PenaltyOffset = 30_000_000
		r := finalize(t, f, in).Refund
		if r.RefundAmount != 0 || r.InterestAmount != 0 || r.LocalTaxRefund != 0 || r.TotalExpected != 0 {
			t.Errorf("expected zero refund, got %+v", r)
		}
	})

	t.Run("new determined tax above existing", func(t *testing.T) {
		in := corpInput()
		in.Filing.DeterminedTax = 50_000_000
		r := finalize(t, f, in).Refund
		if r.RefundAmount != 0 || r.InterestAmount != 0 {
			t.Errorf("expected zero refund, got %d", r.RefundAmount)
		}
	})

	t.Run("penalty reduces refund", func(t *testing.T) {
		in := corpInput()
		in.Filing.PenaltyOffset = 500_005
		r := finalize(t, f, in).Refund
		if r.RefundAmount != 23_999_990 {
			t.Errorf("expected 23999990, got %d", r.RefundAmount)
		}
	})
}

func TestInterimRefund(t *testing.T) {
	in := corpInput()
	in.Filing.Interim = &domain.InterimPayment{Amount: 10_000_000, PaidOn: date(2025, 5, 1)}

	r := finalize(t, newFinalizer(t), in).Refund
	if r.Interim == nil {
		t.Fatal("expected interim split")
	}
	if r.Interim.Interest != 25_479 {
		t.Errorf("expected interim interest 25479, got %d", r.Interim.Interest)
	}
	if r.InterestAmount != 136_314 {
		t.Errorf("expected total interest 136314, got %d", r.InterestAmount)
	}
}

func TestProcessingDeadlinePolicy(t *testing.T) {
	table, _ := refdata.Default()
	cfg := domain.DefaultEngineConfig()
	cfg.InterestEnd = domain.InterestEndProcessingDeadline
	f := NewFinalizer(table, cfg)

	r := finalize(t, f, corpInput()).Refund
	if !r.InterestEnd.Equal(date(2025, 8, 29)) {
		t.Errorf("expected window to close 60 days after the claim, got %s", r.InterestEnd)
	}
	days := 0
	for _, p := range r.InterestPeriods {
		days += p.Days
	}
	if days != 150 {
		t.Errorf("expected 150 days, got %d", days)
	}
}

func TestCarryforwardNotice(t *testing.T) {
	in := corpInput()
	in.Combination.Carryforwards = []domain.Carryforward{
		{ItemID: "inv", Provision: domain.ProvisionInvestment, Amount: 300_000, TaxYear: 2024, ExpiryYear: 2034},
	}
	res := finalize(t, newFinalizer(t), in)

	w, ok := domain.FindWarning(res.Warnings, domain.CodeCarryforwardSet)
	if !ok {
		t.Fatal("expected INF_002")
	}
	if w.Params["count"] != 1 || w.Params["total"] != int64(300_000) {
		t.Errorf("unexpected params %v", w.Params)
	}
	if len(res.Refund.Carryforwards) != 1 {
		t.Error("expected carryforwards on the refund")
	}
}

func TestClaimDeadline(t *testing.T) {
	f := newFinalizer(t)

	t.Run("expired", func(t *testing.T) {
		in := corpInput()
		in.Filing.ClaimDate = date(2030, 4, 1)
		_, err := f.Finalize(context.Background(), in, nil)

		var expired *domain.ClaimExpiredError
		if !errors.As(err, &expired) {
			t.Fatalf("expected ClaimExpiredError, got %v", err)
		}
		if !expired.Deadline.Equal(date(2030, 3, 31)) {
			t.Errorf("unexpected deadline %s", expired.Deadline)
		}
		if domain.ErrorCode(err) != domain.CodeClaimExpired {
			t.Errorf("expected ERR_009, got %s", domain.ErrorCode(err))
		}
	})

	t.Run("approaching", func(t *testing.T) {
		in := corpInput()
		in.Filing.ClaimDate = date(2030, 3, 10)
		res := finalize(t, f, in)

		w, ok := domain.FindWarning(res.Warnings, domain.CodeDeadlineNear)
		if !ok {
			t.Fatal("expected WRN_002")
		}
		if w.Params["daysLeft"] != 21 {
			t.Errorf("expected 21 days left, got %v", w.Params["daysLeft"])
		}
	})
}

func TestFilingDeadline(t *testing.T) {
	tests := []struct {
		name      string
		taxType   domain.TaxType
		fiscalEnd time.Time
		want      time.Time
	}{
		{"corporate calendar year", domain.TaxTypeCorporate, date(2024, 12, 31), date(2025, 3, 31)},
		{"corporate june year end", domain.TaxTypeCorporate, date(2024, 6, 30), date(2024, 9, 30)},
		{"corporate without fiscal end", domain.TaxTypeCorporate, time.Time{}, date(2025, 3, 31)},
		{"income", domain.TaxTypeIncome, time.Time{}, date(2025, 5, 31)},
		{"income faithful filer", domain.TaxTypeIncomeFaithful, time.Time{}, date(2025, 6, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilingDeadline(tt.taxType, 2024, tt.fiscalEnd); !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want.Format(time.DateOnly), got.Format(time.DateOnly))
			}
		})
	}
}

func TestInterestStartsAfterDeadline(t *testing.T) {
	in := corpInput()
	in.Taxpayer.TaxType = domain.TaxTypeIncome
	in.Filing.FiledOn = date(2025, 5, 10)
	in.Filing.ClaimDate = date(2025, 9, 1)

	r := finalize(t, newFinalizer(t), in).Refund
	if !r.InterestStart.Equal(date(2025, 6, 1)) {
		t.Errorf("expected interest from the day after the deadline, got %s", r.InterestStart)
	}
}

func TestAccrue(t *testing.T) {
	ctx := context.Background()
	fallback := decimal.RequireFromString("0.022")

	t.Run("rate change", func(t *testing.T) {
		table, _ := refdata.Default()
		periods, total, err := accrue(ctx, table, 1_000_000, date(2025, 3, 1), date(2025, 4, 10), fallback)
		if err != nil {
			t.Fatalf("accrue failed: %v", err)
		}
		if len(periods) != 2 || periods[0].Days != 20 || periods[1].Days != 20 {
			t.Fatalf("expected two 20 day periods, got %+v", periods)
		}
		if total != 3_616 {
			t.Errorf("expected 3616, got %d", total)
		}
	})

	t.Run("uncovered days use fallback", func(t *testing.T) {
		table := &refdata.Table{Interest: []domain.InterestRate{
			{From: date(2025, 1, 1), To: date(2025, 2, 1), Rate: decimal.RequireFromString("0.03")},
		}}
		periods, total, err := accrue(ctx, table, 3_650_000, date(2024, 12, 22), date(2025, 2, 11), fallback)
		if err != nil {
			t.Fatalf("accrue failed: %v", err)
		}
		if len(periods) != 3 {
			t.Fatalf("expected gap, rate, gap; got %+v", periods)
		}
		if !periods[0].Rate.Equal(fallback) || !periods[2].Rate.Equal(fallback) {
			t.Error("expected fallback rate on uncovered days")
		}
		if total != 13_700 {
			t.Errorf("expected 13700, got %d", total)
		}
	})

	t.Run("negative window", func(t *testing.T) {
		periods, total, err := accrue(ctx, &refdata.Table{}, 1_000_000, date(2025, 5, 1), date(2025, 4, 1), fallback)
		if err != nil || total != 0 || periods != nil {
			t.Errorf("expected nothing, got %v %d %v", periods, total, err)
		}
	})
}
